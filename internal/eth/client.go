package eth

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"
)

// Client is a single endpoint connection. It does no retrying of its own;
// failover and backoff belong to the orchestrator that owns the endpoint.
type Client struct {
	client *ethclient.Client
	rpc    *rpc.Client
	url    string
}

// CallResult is one element of a batched eth_call
type CallResult struct {
	Data []byte
	Err  error
}

// Dial connects to an Ethereum node over http(s) or ws(s)
func Dial(ctx context.Context, url string) (*Client, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum node: %w", err)
	}

	log.Info().
		Str("url", url).
		Msg("Connected to Ethereum node")

	return &Client{
		client: ethclient.NewClient(rc),
		rpc:    rc,
		url:    url,
	}, nil
}

// URL returns the endpoint url
func (c *Client) URL() string {
	return c.url
}

// Close closes the client connection
func (c *Client) Close() {
	c.client.Close()
}

// ChainID returns the chain id reported by the node
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.client.ChainID(ctx)
}

// BlockNumber returns the latest block number
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

// CallContract executes a read-only contract call
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.client.CallContract(ctx, msg, blockNumber)
}

// BatchCallContract sends several eth_call requests in one round trip.
// The returned error covers transport failure; per-call errors are in the results.
func (c *Client) BatchCallContract(ctx context.Context, msgs []ethereum.CallMsg) ([]CallResult, error) {
	raw := make([]hexutil.Bytes, len(msgs))
	batch := make([]rpc.BatchElem, len(msgs))
	for i, msg := range msgs {
		batch[i] = rpc.BatchElem{
			Method: "eth_call",
			Args:   []interface{}{toCallArg(msg), "latest"},
			Result: &raw[i],
		}
	}

	if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
		return nil, err
	}

	results := make([]CallResult, len(msgs))
	for i := range batch {
		results[i] = CallResult{Data: raw[i], Err: batch[i].Error}
	}
	return results, nil
}

// SubscribeFilterLogs subscribes to logs matching the query (requires WebSocket)
func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.client.SubscribeFilterLogs(ctx, q, ch)
}

// SubscribeNewHead subscribes to new block headers (requires WebSocket)
func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return c.client.SubscribeNewHead(ctx, ch)
}

func toCallArg(msg ethereum.CallMsg) interface{} {
	arg := map[string]interface{}{
		"to": msg.To,
	}
	if len(msg.Data) > 0 {
		arg["input"] = hexutil.Bytes(msg.Data)
	}
	return arg
}

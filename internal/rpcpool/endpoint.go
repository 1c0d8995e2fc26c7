package rpcpool

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/dexarb/internal/eth"
)

// Conn is the chain client surface the rest of the system needs from an endpoint
type Conn interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BatchCallContract(ctx context.Context, msgs []ethereum.CallMsg) ([]eth.CallResult, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

// Dialer opens a connection to an endpoint url
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialEth is the production dialer
func DialEth(ctx context.Context, url string) (Conn, error) {
	return eth.Dial(ctx, url)
}

type chainConn interface {
	ChainID(ctx context.Context) (*big.Int, error)
	URL() string
}

// CheckChain wraps dial so a new connection is kept only if the node reports
// chainID. Connections that cannot report a chain id pass unchecked. A zero
// chainID disables the check.
func CheckChain(dial Dialer, chainID int64) Dialer {
	if chainID == 0 {
		return dial
	}
	want := big.NewInt(chainID)

	return func(ctx context.Context, url string) (Conn, error) {
		conn, err := dial(ctx, url)
		if err != nil {
			return nil, err
		}
		cc, ok := conn.(chainConn)
		if !ok {
			return conn, nil
		}

		got, err := cc.ChainID(ctx)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("chain id from %s: %w", cc.URL(), err)
		}
		if got.Cmp(want) != 0 {
			conn.Close()
			return nil, fmt.Errorf("endpoint %s is on chain %s, want %d", cc.URL(), got, chainID)
		}

		log.Debug().Str("url", cc.URL()).Int64("chain_id", chainID).Msg("Endpoint chain verified")
		return conn, nil
	}
}

// EndpointType separates request/response endpoints from streaming ones
type EndpointType string

const (
	TypeHTTP EndpointType = "http"
	TypeWS   EndpointType = "ws"
)

// Endpoint is one weighted RPC provider
type Endpoint struct {
	URL    string
	Weight int
	Type   EndpointType
}

// EndpointStats are the rolling counters kept per endpoint
type EndpointStats struct {
	Endpoint
	Requests        uint64
	Errors          uint64
	RateLimitHits   uint64
	AvgResponseTime time.Duration
	Healthy         bool
	LastSuccess     time.Time
	LastRateLimit   time.Time
}

// endpointState is owned by the orchestrator; stats are guarded by Orchestrator.mu
type endpointState struct {
	stats EndpointStats

	dialMu sync.Mutex
	conn   Conn
}

func (s *endpointState) rateLimitedWithin(now time.Time, window time.Duration) bool {
	return !s.stats.LastRateLimit.IsZero() && now.Sub(s.stats.LastRateLimit) < window
}

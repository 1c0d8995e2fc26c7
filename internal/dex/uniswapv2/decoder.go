package uniswapv2

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/devlongs/dexarb/pkg/types"
)

// Sync event signature for reserve updates
// event Sync(uint112 reserve0, uint112 reserve1)
var SyncEventSignature = common.HexToHash("0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1")

// getReserves() selector: 0x0902f1ac
var getReservesSelector = common.Hex2Bytes("0902f1ac")

// Decoder reads constant-product pair state: an initial getReserves call,
// then every Sync the pair emits.
type Decoder struct{}

// NewDecoder creates a new Uniswap V2 decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Kind returns the pool layout this decoder handles
func (d *Decoder) Kind() types.DexKind {
	return types.DexUniswapV2
}

// Topics returns the log topics that carry reserve updates
func (d *Decoder) Topics() []common.Hash {
	return []common.Hash{SyncEventSignature}
}

// InitialCalls returns the eth_call batch that fetches current reserves
func (d *Decoder) InitialCalls(pool types.Pool) []ethereum.CallMsg {
	addr := pool.Address
	return []ethereum.CallMsg{{To: &addr, Data: getReservesSelector}}
}

// DecodeInitial decodes the getReserves response
func (d *Decoder) DecodeInitial(pool types.Pool, results [][]byte) (types.Reserves, error) {
	if len(results) != 1 {
		return types.Reserves{}, fmt.Errorf("expected 1 call result, got %d", len(results))
	}
	if len(results[0]) < 64 {
		return types.Reserves{}, fmt.Errorf("invalid getReserves response: %d bytes", len(results[0]))
	}
	return d.reserves(pool, results[0][0:32], results[0][32:64], 0), nil
}

// DecodeLog decodes a Sync log. ok is false for logs that carry no state.
func (d *Decoder) DecodeLog(pool types.Pool, log ethtypes.Log) (types.Reserves, bool, error) {
	if len(log.Topics) == 0 || log.Topics[0] != SyncEventSignature {
		return types.Reserves{}, false, nil
	}
	if len(log.Data) < 64 {
		return types.Reserves{}, false, fmt.Errorf("invalid sync log data length: expected 64 bytes, got %d", len(log.Data))
	}
	return d.reserves(pool, log.Data[0:32], log.Data[32:64], log.BlockNumber), true, nil
}

func (d *Decoder) reserves(pool types.Pool, raw0, raw1 []byte, block uint64) types.Reserves {
	return types.Reserves{
		Reserve0: ScaleAmount(new(big.Int).SetBytes(raw0), pool.Token0.Decimals),
		Reserve1: ScaleAmount(new(big.Int).SetBytes(raw1), pool.Token1.Decimals),
		Block:    block,
	}
}

// ScaleAmount converts a raw integer token amount into human units
func ScaleAmount(raw *big.Int, decimals uint8) float64 {
	return decimal.NewFromBigInt(raw, -int32(decimals)).InexactFloat64()
}

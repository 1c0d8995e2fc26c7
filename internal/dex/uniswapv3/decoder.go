package uniswapv3

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/devlongs/dexarb/pkg/types"
)

// Uniswap V3 Swap event signature
// event Swap(address indexed sender, address indexed recipient, int256 amount0, int256 amount1, uint160 sqrtPriceX96, uint128 liquidity, int24 tick)
var SwapEventSignature = common.HexToHash("0xc42079f94a6350d7e6235f29174924f928cc2ac818eb64fed8004e115fbcca67")

var (
	// slot0() selector: 0x3850c7bd
	slot0Selector = common.Hex2Bytes("3850c7bd")
	// liquidity() selector: 0x1a686502
	liquiditySelector = common.Hex2Bytes("1a686502")
)

// decimal places kept when dividing by Q96
const divPrecision = 24

var q96 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 96), 0)

// ErrUninitialized is returned for pools whose sqrt price is still zero
var ErrUninitialized = errors.New("pool not initialized")

// Decoder reads concentrated-liquidity pool state. Reserves are the virtual
// reserves implied by the current sqrt price and in-range liquidity.
type Decoder struct{}

// NewDecoder creates a new Uniswap V3 decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Kind returns the pool layout this decoder handles
func (d *Decoder) Kind() types.DexKind {
	return types.DexUniswapV3
}

// Topics returns the log topics that carry state updates
func (d *Decoder) Topics() []common.Hash {
	return []common.Hash{SwapEventSignature}
}

// InitialCalls returns slot0() and liquidity() for the pool
func (d *Decoder) InitialCalls(pool types.Pool) []ethereum.CallMsg {
	addr := pool.Address
	return []ethereum.CallMsg{
		{To: &addr, Data: slot0Selector},
		{To: &addr, Data: liquiditySelector},
	}
}

// DecodeInitial decodes the slot0 and liquidity responses
func (d *Decoder) DecodeInitial(pool types.Pool, results [][]byte) (types.Reserves, error) {
	if len(results) != 2 {
		return types.Reserves{}, fmt.Errorf("expected 2 call results, got %d", len(results))
	}
	if len(results[0]) < 32 {
		return types.Reserves{}, fmt.Errorf("invalid slot0 response: %d bytes", len(results[0]))
	}
	if len(results[1]) < 32 {
		return types.Reserves{}, fmt.Errorf("invalid liquidity response: %d bytes", len(results[1]))
	}

	sqrtPriceX96 := new(big.Int).SetBytes(results[0][0:32])
	liquidity := new(big.Int).SetBytes(results[1][0:32])
	return d.reserves(pool, sqrtPriceX96, liquidity, 0)
}

// DecodeLog decodes a Swap log. ok is false for logs that carry no state.
func (d *Decoder) DecodeLog(pool types.Pool, log ethtypes.Log) (types.Reserves, bool, error) {
	if len(log.Topics) == 0 || log.Topics[0] != SwapEventSignature {
		return types.Reserves{}, false, nil
	}
	// amount0 (int256), amount1 (int256), sqrtPriceX96 (uint160), liquidity (uint128), tick (int24)
	if len(log.Data) < 160 {
		return types.Reserves{}, false, fmt.Errorf("invalid swap log data length: expected 160 bytes, got %d", len(log.Data))
	}

	sqrtPriceX96 := new(big.Int).SetBytes(log.Data[64:96])
	liquidity := new(big.Int).SetBytes(log.Data[96:128])

	r, err := d.reserves(pool, sqrtPriceX96, liquidity, log.BlockNumber)
	if err != nil {
		return types.Reserves{}, false, err
	}
	return r, true, nil
}

func (d *Decoder) reserves(pool types.Pool, sqrtPriceX96, liquidity *big.Int, block uint64) (types.Reserves, error) {
	if sqrtPriceX96.Sign() == 0 {
		return types.Reserves{}, ErrUninitialized
	}
	r0, r1 := VirtualReserves(sqrtPriceX96, liquidity, pool.Token0.Decimals, pool.Token1.Decimals)
	return types.Reserves{
		Reserve0:     r0,
		Reserve1:     r1,
		SqrtPriceX96: sqrtPriceX96,
		Block:        block,
	}, nil
}

// VirtualReserves returns x = L/sqrtP and y = L*sqrtP in human units
func VirtualReserves(sqrtPriceX96, liquidity *big.Int, decimals0, decimals1 uint8) (float64, float64) {
	if sqrtPriceX96.Sign() == 0 {
		return 0, 0
	}
	l := decimal.NewFromBigInt(liquidity, 0)
	sp := decimal.NewFromBigInt(sqrtPriceX96, 0)

	x := l.Mul(q96).DivRound(sp, divPrecision)
	y := l.Mul(sp).DivRound(q96, divPrecision)

	return x.Shift(-int32(decimals0)).InexactFloat64(), y.Shift(-int32(decimals1)).InexactFloat64()
}

// PriceFromSqrt converts sqrtPriceX96 into token1 per token0 in human units
func PriceFromSqrt(sqrtPriceX96 *big.Int, decimals0, decimals1 uint8) float64 {
	sp := decimal.NewFromBigInt(sqrtPriceX96, 0)
	raw := sp.Mul(sp).DivRound(q96.Mul(q96), divPrecision)
	return raw.Shift(int32(decimals0) - int32(decimals1)).InexactFloat64()
}

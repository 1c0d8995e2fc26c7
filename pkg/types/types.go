package types

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Token represents an ERC20 token
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// DexKind tags the pool-record layout a pool uses on chain
type DexKind string

const (
	DexUniswapV2 DexKind = "uniswap_v2" // reserve0/reserve1, Sync events
	DexUniswapV3 DexKind = "uniswap_v3" // sqrtPriceX96 + in-range liquidity, Swap events
)

// Pool is the static catalogue entry for a liquidity pool
type Pool struct {
	ID      string
	Address common.Address
	Dex     DexKind
	Token0  Token
	Token1  Token
	FeeRate float64 // fraction, 0.003 == 0.3%
}

// Has reports whether the pool trades the given token symbol
func (p Pool) Has(symbol string) bool {
	return p.Token0.Symbol == symbol || p.Token1.Symbol == symbol
}

// Other returns the counterpart of symbol in the pair
func (p Pool) Other(symbol string) Token {
	if p.Token0.Symbol == symbol {
		return p.Token1
	}
	return p.Token0
}

// Reserves is the decoded, decimal-adjusted state of a pool.
// For concentrated-liquidity pools the reserves are virtual reserves
// derived from the current sqrt price and in-range liquidity.
type Reserves struct {
	Reserve0     float64
	Reserve1     float64
	SqrtPriceX96 *big.Int
	Block        uint64
}

// PoolState is the latest known state of a pool
type PoolState struct {
	Pool
	Reserve0     float64
	Reserve1     float64
	SqrtPriceX96 *big.Int
	Price        float64 // token1 per token0
	Liquidity    float64 // sqrt(reserve0 * reserve1)
	LiquidityUSD float64
	Block        uint64
	Sequence     uint64
	LastUpdate   time.Time
}

// Usable reports whether the state is fresh enough to price against
func (s PoolState) Usable(now time.Time, maxAge time.Duration) bool {
	if s.LastUpdate.IsZero() {
		return false
	}
	return now.Sub(s.LastUpdate) < maxAge
}

// ReservesFor returns (reserveIn, reserveOut) for a swap selling tokenIn
func (s PoolState) ReservesFor(tokenIn string) (float64, float64) {
	if s.Token0.Symbol == tokenIn {
		return s.Reserve0, s.Reserve1
	}
	return s.Reserve1, s.Reserve0
}

// Hop is one swap leg of a path
type Hop struct {
	PoolID   string
	TokenIn  string
	TokenOut string
	FeeRate  float64
}

// Path is an ordered cycle of hops starting and ending in the base token
type Path struct {
	ID           string
	Hops         []Hop
	AggregateFee float64
}

// BaseToken returns the token the path starts and ends in
func (p Path) BaseToken() string {
	if len(p.Hops) == 0 {
		return ""
	}
	return p.Hops[0].TokenIn
}

// Pools returns the pool ids touched by the path in hop order
func (p Path) Pools() []string {
	ids := make([]string, len(p.Hops))
	for i, h := range p.Hops {
		ids[i] = h.PoolID
	}
	return ids
}

// Direction renders the pool route, e.g. "usdc-sol-a -> usdc-sol-b"
func (p Path) Direction() string {
	return strings.Join(p.Pools(), " -> ")
}

// HopResult holds the simulated outcome of a single hop
type HopResult struct {
	PoolID       string  `json:"poolId"`
	TokenIn      string  `json:"tokenIn"`
	TokenOut     string  `json:"tokenOut"`
	AmountIn     float64 `json:"amountIn"`
	AmountOut    float64 `json:"amountOut"`
	PriceImpact  float64 `json:"priceImpact"` // fraction of reserveIn consumed
	Fee          float64 `json:"fee"`         // in TokenIn units
	FeeRate      float64 `json:"feeRate"`
	LiquidityUSD float64 `json:"liquidityUsd"`
	Valid        bool    `json:"valid"`
	Reason       string  `json:"reason,omitempty"`
}

// SimulationResult is the verdict for one path at one trade size
type SimulationResult struct {
	Path             Path
	InitialAmount    float64
	FinalAmount      float64
	Hops             []HopResult
	GrossProfit      float64
	GrossProfitPct   float64
	NetProfit        float64
	NetProfitPct     float64
	TotalFeePct      float64
	TotalPriceImpact float64
	MinLiquidityUSD  float64
	TotalLiquidity   float64
	IsExecutable     bool
	Optimal          bool
	FailureKind      FailureKind
	FailureReason    string
	Duration         time.Duration
	SimulatedAt      time.Time
}

// Opportunity is the execution candidate derived from the best executable result
type Opportunity struct {
	ID                string
	PathID            string
	Path              Path
	Base              string
	Direction         string
	ExpectedProfit    float64
	ExpectedProfitPct float64
	TradeAmount       float64
	Optimal           bool
	CreatedAt         time.Time
	TTL               time.Duration
}

// Expired reports whether the opportunity outlived its TTL
func (o Opportunity) Expired(now time.Time) bool {
	return o.TTL > 0 && now.Sub(o.CreatedAt) > o.TTL
}

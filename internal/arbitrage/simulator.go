// Package arbitrage simulates cyclic swap routes against the latest pool
// snapshots and ranks the executable ones.
package arbitrage

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devlongs/dexarb/internal/config"
	"github.com/devlongs/dexarb/internal/metrics"
	"github.com/devlongs/dexarb/pkg/types"
)

// Snapshotter gives read access to the latest pool states
type Snapshotter interface {
	Snapshot(poolID string) (types.PoolState, bool)
}

// Params are the thresholds a path must clear. Profit values are percent,
// slippage is a fraction.
type Params struct {
	TradeAmount              float64
	MinProfitPct             float64
	MinProfitPctByHops       map[int]float64
	OptimalProfitPct         float64
	MaxTotalSlippage         float64
	MinHopLiquidityUSD       float64
	MinPathLiquidityUSD      float64
	MinAggregateLiquidityUSD float64
	MaxQuoteAge              time.Duration
}

// ParamsFromConfig maps the arbitrage config section
func ParamsFromConfig(cfg config.ArbitrageConfig, maxQuoteAge time.Duration) Params {
	return Params{
		TradeAmount:              cfg.TradeAmount,
		MinProfitPct:             cfg.MinProfitPct,
		MinProfitPctByHops:       cfg.MinProfitPctByHops,
		OptimalProfitPct:         cfg.OptimalProfitPct,
		MaxTotalSlippage:         cfg.MaxTotalSlippage,
		MinHopLiquidityUSD:       cfg.MinHopLiquidityUSD,
		MinPathLiquidityUSD:      cfg.MinPathLiquidityUSD,
		MinAggregateLiquidityUSD: cfg.MinAggregateLiquidityUSD,
		MaxQuoteAge:              maxQuoteAge,
	}
}

// MinProfitFor returns the profit bar for a path of n hops: the larger of the
// global minimum and the per-hop-count minimum.
func (p Params) MinProfitFor(n int) float64 {
	if v, ok := p.MinProfitPctByHops[n]; ok && v > p.MinProfitPct {
		return v
	}
	return p.MinProfitPct
}

// Simulator walks paths with constant-product math
type Simulator struct {
	snaps   Snapshotter
	params  Params
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewSimulator creates a simulator reading pool state from snaps
func NewSimulator(snaps Snapshotter, params Params, m *metrics.Metrics) *Simulator {
	return &Simulator{snaps: snaps, params: params, metrics: m, now: time.Now}
}

// Params returns the thresholds in use
func (s *Simulator) Params() Params {
	return s.params
}

// SwapOut is the constant-product output for amountIn after the pool fee
func SwapOut(amountIn, reserveIn, reserveOut, feeRate float64) float64 {
	if amountIn <= 0 || reserveIn <= 0 || reserveOut <= 0 {
		return 0
	}
	inAfterFee := amountIn * (1 - feeRate)
	return reserveOut * inAfterFee / (reserveIn + inAfterFee)
}

// PriceImpact is the fraction of reserveIn a trade consumes
func PriceImpact(amountIn, reserveIn float64) float64 {
	if reserveIn <= 0 {
		return math.Inf(1)
	}
	return amountIn / reserveIn
}

// Simulate walks path with amount of the base token. The result always
// carries per-hop detail, including on failure.
func (s *Simulator) Simulate(path types.Path, amount float64) types.SimulationResult {
	start := time.Now()
	now := s.now()

	res := types.SimulationResult{
		Path:          path,
		InitialAmount: amount,
		TotalFeePct:   path.AggregateFee * 100,
		SimulatedAt:   now,
		Hops:          make([]types.HopResult, 0, len(path.Hops)),
	}

	states := make([]types.PoolState, len(path.Hops))
	var unavailable []string
	for i, h := range path.Hops {
		st, ok := s.snaps.Snapshot(h.PoolID)
		if !ok || !st.Usable(now, s.params.MaxQuoteAge) {
			unavailable = append(unavailable, h.PoolID)
			// stale or missing data is priced as an empty pool
			st = types.PoolState{}
		}
		states[i] = st
	}

	amt, zeroFeeAmt := amount, amount
	minLiq, totalLiq := math.Inf(1), 0.0
	invalid := ""

	for i, h := range path.Hops {
		hr := types.HopResult{
			PoolID:   h.PoolID,
			TokenIn:  h.TokenIn,
			TokenOut: h.TokenOut,
			FeeRate:  h.FeeRate,
		}
		if invalid != "" {
			hr.Reason = "not reached"
			res.Hops = append(res.Hops, hr)
			continue
		}

		st := states[i]
		rIn, rOut := st.ReservesFor(h.TokenIn)
		hr.AmountIn = amt
		hr.LiquidityUSD = st.LiquidityUSD
		hr.Fee = amt * h.FeeRate
		hr.PriceImpact = PriceImpact(amt, rIn)
		hr.AmountOut = SwapOut(amt, rIn, rOut, h.FeeRate)

		switch {
		case rIn <= 0 || rOut <= 0:
			hr.Reason = fmt.Sprintf("empty reserves (in=%g out=%g)", rIn, rOut)
		case hr.AmountOut <= 0:
			hr.Reason = "zero output"
		case st.LiquidityUSD < s.params.MinHopLiquidityUSD:
			hr.Reason = fmt.Sprintf("liquidity $%.0f below $%.0f", st.LiquidityUSD, s.params.MinHopLiquidityUSD)
		}

		if hr.Reason != "" {
			hr.AmountOut = 0
			invalid = fmt.Sprintf("hop %d (%s): %s", i+1, h.PoolID, hr.Reason)
			res.Hops = append(res.Hops, hr)
			continue
		}

		hr.Valid = true
		res.Hops = append(res.Hops, hr)

		res.TotalPriceImpact += hr.PriceImpact
		minLiq = math.Min(minLiq, st.LiquidityUSD)
		totalLiq += st.LiquidityUSD

		amt = hr.AmountOut
		zeroFeeAmt = SwapOut(zeroFeeAmt, rIn, rOut, 0)
	}

	if invalid != "" {
		amt, zeroFeeAmt = 0, 0
	}
	if math.IsInf(minLiq, 1) {
		minLiq = 0
	}

	res.FinalAmount = amt
	res.NetProfit = amt - amount
	res.GrossProfit = zeroFeeAmt - amount
	if amount > 0 {
		res.NetProfitPct = res.NetProfit / amount * 100
		res.GrossProfitPct = res.GrossProfit / amount * 100
	}
	res.MinLiquidityUSD = minLiq
	res.TotalLiquidity = totalLiq

	threshold := s.params.MinProfitFor(len(path.Hops))
	switch {
	case len(unavailable) > 0:
		res.FailureKind = types.FailureDataUnavailable
		res.FailureReason = fmt.Sprintf("no fresh data for %v", unavailable)
	case invalid != "":
		res.FailureKind = types.FailureInvalidHop
		res.FailureReason = invalid
	case res.NetProfitPct < threshold:
		res.FailureKind = types.FailureBelowProfitThreshold
		res.FailureReason = fmt.Sprintf("net profit %.4f%% below %.4f%% for %d hops", res.NetProfitPct, threshold, len(path.Hops))
	case res.TotalPriceImpact > s.params.MaxTotalSlippage:
		res.FailureKind = types.FailureExcessiveSlippage
		res.FailureReason = fmt.Sprintf("total price impact %.4f%% above %.4f%%", res.TotalPriceImpact*100, s.params.MaxTotalSlippage*100)
	case minLiq < s.params.MinPathLiquidityUSD || totalLiq < s.params.MinAggregateLiquidityUSD:
		res.FailureKind = types.FailureInsufficientLiquidity
		res.FailureReason = fmt.Sprintf("liquidity min $%.0f / total $%.0f below $%.0f / $%.0f",
			minLiq, totalLiq, s.params.MinPathLiquidityUSD, s.params.MinAggregateLiquidityUSD)
	default:
		res.IsExecutable = true
		res.Optimal = res.NetProfitPct > s.params.OptimalProfitPct
	}

	res.Duration = time.Since(start)
	s.metrics.PathSimulated(string(res.FailureKind))
	return res
}

// SimulateAllPaths simulates every path at the configured trade amount,
// best net profit first with ties broken by path id.
func (s *Simulator) SimulateAllPaths(paths []types.Path) []types.SimulationResult {
	results := make([]types.SimulationResult, 0, len(paths))
	for _, p := range paths {
		results = append(results, s.Simulate(p, s.params.TradeAmount))
	}
	SortResults(results)
	return results
}

// FindBestPath returns the best executable result, if any
func (s *Simulator) FindBestPath(paths []types.Path) (types.SimulationResult, bool) {
	for _, r := range s.SimulateAllPaths(paths) {
		if r.IsExecutable {
			return r, true
		}
	}
	return types.SimulationResult{}, false
}

// SortResults orders by net profit percent descending, then path id
func SortResults(results []types.SimulationResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].NetProfitPct != results[j].NetProfitPct {
			return results[i].NetProfitPct > results[j].NetProfitPct
		}
		return results[i].Path.ID < results[j].Path.ID
	})
}

// Statistics summarises one scan
type Statistics struct {
	Total          int
	Executable     int
	BestProfitPct  float64
	AvgProfitPct   float64 // over executable results
	FailureReasons map[string]int
}

// PathStatistics aggregates results
func PathStatistics(results []types.SimulationResult) Statistics {
	st := Statistics{Total: len(results), FailureReasons: make(map[string]int)}

	var sum float64
	for i, r := range results {
		if i == 0 || r.NetProfitPct > st.BestProfitPct {
			st.BestProfitPct = r.NetProfitPct
		}
		if r.IsExecutable {
			st.Executable++
			sum += r.NetProfitPct
			continue
		}
		st.FailureReasons[string(r.FailureKind)]++
	}
	if st.Executable > 0 {
		st.AvgProfitPct = sum / float64(st.Executable)
	}
	return st
}

// Spread compares the spot prices of two pools trading the same pair
type Spread struct {
	SpreadPct   float64
	TotalFeePct float64
	NetPct      float64
}

// SpotSpread is the fee-adjusted spot-price gap between a and b, buying on
// the cheaper pool and selling on the dearer one. Both pools must quote the
// same token0/token1 orientation.
func SpotSpread(a, b types.PoolState) Spread {
	lo, hi := a, b
	if lo.Price > hi.Price {
		lo, hi = hi, lo
	}
	sp := Spread{TotalFeePct: (a.FeeRate + b.FeeRate) * 100}
	if lo.Price <= 0 {
		return sp
	}
	sp.SpreadPct = (hi.Price - lo.Price) / lo.Price * 100

	cost := lo.Price * (1 + lo.FeeRate)
	revenue := hi.Price * (1 - hi.FeeRate)
	sp.NetPct = (revenue - cost) / cost * 100
	return sp
}

// LogSpreads logs the spot spread of every pool pair that trades the same
// tokens, for scans that found nothing executable.
func LogSpreads(states []types.PoolState) {
	for i := 0; i < len(states); i++ {
		for j := i + 1; j < len(states); j++ {
			a, b := states[i], states[j]
			if a.Token0.Symbol != b.Token0.Symbol || a.Token1.Symbol != b.Token1.Symbol {
				continue
			}
			sp := SpotSpread(a, b)
			log.Debug().
				Str("pool_a", a.ID).
				Str("pool_b", b.ID).
				Float64("spread_pct", sp.SpreadPct).
				Float64("fees_pct", sp.TotalFeePct).
				Float64("net_pct", sp.NetPct).
				Msg("Spot spread")
		}
	}
}

package arbitrage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlongs/dexarb/internal/pathgen"
	"github.com/devlongs/dexarb/pkg/types"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type snapshots map[string]types.PoolState

func (s snapshots) Snapshot(id string) (types.PoolState, bool) {
	st, ok := s[id]
	return st, ok
}

func usdcSol(id string, usdc, sol, fee float64) types.PoolState {
	return types.PoolState{
		Pool: types.Pool{
			ID:      id,
			Dex:     types.DexUniswapV2,
			Token0:  types.Token{Symbol: "USDC", Decimals: 6},
			Token1:  types.Token{Symbol: "SOL", Decimals: 9},
			FeeRate: fee,
		},
		Reserve0:     usdc,
		Reserve1:     sol,
		Price:        sol / usdc,
		LiquidityUSD: 2 * usdc,
		LastUpdate:   testNow.Add(-time.Second),
	}
}

func defaultParams() Params {
	return Params{
		TradeAmount:              100,
		MinProfitPct:             0.001,
		MinProfitPctByHops:       map[int]float64{2: 0.001, 3: 0.05, 4: 0.1},
		OptimalProfitPct:         0.01,
		MaxTotalSlippage:         0.02,
		MinHopLiquidityUSD:       10_000,
		MinPathLiquidityUSD:      10_000,
		MinAggregateLiquidityUSD: 50_000,
		MaxQuoteAge:              time.Minute,
	}
}

func newTestSimulator(snaps snapshots, p Params) *Simulator {
	s := NewSimulator(snaps, p, nil)
	s.now = func() time.Time { return testNow }
	return s
}

func twoPoolPaths(a, b types.PoolState) []types.Path {
	return pathgen.New([]types.Pool{a.Pool, b.Pool}).Generate("USDC", 2)
}

func TestSwapOut_FeeStrictlyReducesOutput(t *testing.T) {
	const rIn, rOut, in = 1_000_000.0, 5_000.0, 100.0

	noFee := SwapOut(in, rIn, rOut, 0)
	prev := noFee
	for _, fee := range []float64{0.0001, 0.0004, 0.003, 0.01, 0.3, 0.99} {
		out := SwapOut(in, rIn, rOut, fee)
		assert.Less(t, out, noFee, "fee %v", fee)
		assert.Less(t, out, prev, "fee %v", fee)
		assert.Greater(t, out, 0.0)
		prev = out
	}
}

func TestSwapOut_EmptyReserves(t *testing.T) {
	assert.Zero(t, SwapOut(100, 0, 5, 0.003))
	assert.Zero(t, SwapOut(100, 5, 0, 0.003))
	assert.Zero(t, SwapOut(0, 5, 5, 0.003))
}

func TestSimulate_PriceImpactIncreasesWithAmount(t *testing.T) {
	a := usdcSol("a", 1_000_000, 5_000, 0.0004)
	b := usdcSol("b", 1_020_000, 5_000, 0.0004)
	sim := newTestSimulator(snapshots{"a": a, "b": b}, defaultParams())
	path := twoPoolPaths(a, b)[0]

	prev := -1.0
	for _, amt := range []float64{1, 10, 100, 1_000, 10_000} {
		res := sim.Simulate(path, amt)
		impact := res.Hops[0].PriceImpact
		assert.Greater(t, impact, prev)
		prev = impact
	}
}

func TestSimulate_Deterministic(t *testing.T) {
	a := usdcSol("a", 1_000_000, 5_000, 0.0004)
	b := usdcSol("b", 1_020_000, 5_000, 0.0004)
	sim := newTestSimulator(snapshots{"a": a, "b": b}, defaultParams())
	path := twoPoolPaths(a, b)[0]

	first := sim.Simulate(path, 100)
	second := sim.Simulate(path, 100)
	first.Duration, second.Duration = 0, 0

	assert.Equal(t, first, second)
}

func TestSimulate_TwoPoolExample(t *testing.T) {
	a := usdcSol("a", 1_000_000, 5_000, 0.0004)
	b := usdcSol("b", 1_020_000, 5_000, 0.0004)
	sim := newTestSimulator(snapshots{"a": a, "b": b}, defaultParams())

	results := sim.SimulateAllPaths(twoPoolPaths(a, b))
	require.Len(t, results, 2)

	best := results[0]
	assert.Equal(t, "USDC>a>SOL>b>USDC", best.Path.ID, "buy SOL on the cheaper pool, sell on the dearer one")
	assert.True(t, best.IsExecutable)
	assert.True(t, best.Optimal)
	assert.Empty(t, best.FailureReason)
	assert.InDelta(t, 1.898, best.NetProfitPct, 0.01)
	assert.Greater(t, best.GrossProfitPct, best.NetProfitPct)
	assert.InDelta(t, 0.08, best.TotalFeePct, 1e-12)
	assert.InDelta(t, 0.0002, best.TotalPriceImpact, 1e-6)
	assert.InDelta(t, 2_000_000, best.MinLiquidityUSD, 1e-6)
	assert.InDelta(t, 4_040_000, best.TotalLiquidity, 1e-6)
	require.Len(t, best.Hops, 2)
	assert.InDelta(t, best.Hops[0].AmountOut, best.Hops[1].AmountIn, 0)

	reverse := results[1]
	assert.False(t, reverse.IsExecutable)
	assert.Equal(t, types.FailureBelowProfitThreshold, reverse.FailureKind)
	assert.Less(t, reverse.NetProfitPct, 0.0)

	found, ok := sim.FindBestPath(twoPoolPaths(a, b))
	require.True(t, ok)
	assert.Equal(t, best.Path.ID, found.Path.ID)
}

func TestSimulate_ExampleFailsWhenThresholdAboveSpread(t *testing.T) {
	a := usdcSol("a", 1_000_000, 5_000, 0.0004)
	b := usdcSol("b", 1_020_000, 5_000, 0.0004)
	p := defaultParams()
	p.MinProfitPct = 2.5

	sim := newTestSimulator(snapshots{"a": a, "b": b}, p)
	_, ok := sim.FindBestPath(twoPoolPaths(a, b))
	assert.False(t, ok)
}

func TestSimulate_FailurePrecedence(t *testing.T) {
	cheap := usdcSol("a", 1_000_000, 5_000, 0.0004)
	dear := usdcSol("b", 1_020_000, 5_000, 0.0004)

	stale := dear
	stale.LastUpdate = testNow.Add(-time.Hour)
	stale.Reserve0 = 0

	empty := dear
	empty.Reserve0 = 0

	flat := usdcSol("b", 1_000_000, 5_000, 0.0004)

	wide := usdcSol("b", 1_500_000, 5_000, 0.0004)
	wide.LiquidityUSD = 20_000

	shallowA := cheap
	shallowA.LiquidityUSD = 20_000
	shallowB := dear
	shallowB.LiquidityUSD = 20_000

	tests := []struct {
		name   string
		a, b   types.PoolState
		amount float64
		want   types.FailureKind
	}{
		{"stale beats invalid", cheap, stale, 100, types.FailureDataUnavailable},
		{"invalid beats profit", cheap, empty, 100, types.FailureInvalidHop},
		{"profit beats slippage", cheap, flat, 50_000, types.FailureBelowProfitThreshold},
		{"slippage beats liquidity", shallowA, wide, 50_000, types.FailureExcessiveSlippage},
		{"aggregate liquidity", shallowA, shallowB, 100, types.FailureInsufficientLiquidity},
		{"executable", cheap, dear, 100, types.FailureNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := newTestSimulator(snapshots{"a": tt.a, "b": tt.b}, defaultParams())
			path := twoPoolPaths(tt.a, tt.b)[0]
			require.Equal(t, "USDC>a>SOL>b>USDC", path.ID)

			res := sim.Simulate(path, tt.amount)
			assert.Equal(t, tt.want, res.FailureKind, res.FailureReason)
			assert.Equal(t, tt.want == types.FailureNone, res.IsExecutable)
			assert.Len(t, res.Hops, 2, "per-hop detail kept on failure")
			if tt.want != types.FailureNone {
				assert.NotEmpty(t, res.FailureReason)
				assert.ErrorIs(t, res.FailureKind.Err(), tt.want.Err())
			}
		})
	}
}

func TestSimulate_InvalidHopShortCircuits(t *testing.T) {
	a := usdcSol("a", 0, 5_000, 0.0004)
	b := usdcSol("b", 1_020_000, 5_000, 0.0004)
	sim := newTestSimulator(snapshots{"a": a, "b": b}, defaultParams())

	res := sim.Simulate(twoPoolPaths(a, b)[0], 100)
	require.Len(t, res.Hops, 2)
	assert.False(t, res.Hops[0].Valid)
	assert.Zero(t, res.Hops[0].AmountOut)
	assert.False(t, res.Hops[1].Valid)
	assert.Zero(t, res.Hops[1].AmountIn)
	assert.Zero(t, res.FinalAmount)
	assert.Equal(t, types.FailureInvalidHop, res.FailureKind)
}

func TestSimulate_MissingPool(t *testing.T) {
	a := usdcSol("a", 1_000_000, 5_000, 0.0004)
	b := usdcSol("b", 1_020_000, 5_000, 0.0004)
	sim := newTestSimulator(snapshots{"a": a}, defaultParams())

	res := sim.Simulate(twoPoolPaths(a, b)[0], 100)
	assert.Equal(t, types.FailureDataUnavailable, res.FailureKind)
	assert.Contains(t, res.FailureReason, "b")
}

func TestParams_MinProfitFor(t *testing.T) {
	p := defaultParams()
	assert.Equal(t, 0.001, p.MinProfitFor(2))
	assert.Equal(t, 0.05, p.MinProfitFor(3))
	assert.Equal(t, 0.1, p.MinProfitFor(4))

	p.MinProfitPct = 0.07
	assert.Equal(t, 0.07, p.MinProfitFor(3))
	assert.Equal(t, 0.1, p.MinProfitFor(4))
}

func TestPathStatistics(t *testing.T) {
	results := []types.SimulationResult{
		{NetProfitPct: 2, IsExecutable: true},
		{NetProfitPct: 1, IsExecutable: true},
		{NetProfitPct: -1, FailureKind: types.FailureBelowProfitThreshold},
		{NetProfitPct: -100, FailureKind: types.FailureInvalidHop},
		{NetProfitPct: -100, FailureKind: types.FailureInvalidHop},
	}

	st := PathStatistics(results)
	assert.Equal(t, 5, st.Total)
	assert.Equal(t, 2, st.Executable)
	assert.Equal(t, 2.0, st.BestProfitPct)
	assert.Equal(t, 1.5, st.AvgProfitPct)
	assert.Equal(t, map[string]int{"BelowProfitThreshold": 1, "InvalidHop": 2}, st.FailureReasons)
}

func TestSortResults_TieBreaksOnPathID(t *testing.T) {
	results := []types.SimulationResult{
		{Path: types.Path{ID: "c"}, NetProfitPct: 1},
		{Path: types.Path{ID: "b"}, NetProfitPct: 2},
		{Path: types.Path{ID: "a"}, NetProfitPct: 1},
	}
	SortResults(results)
	assert.Equal(t, "b", results[0].Path.ID)
	assert.Equal(t, "a", results[1].Path.ID)
	assert.Equal(t, "c", results[2].Path.ID)
}

func TestSpotSpread(t *testing.T) {
	a := usdcSol("a", 1_000_000, 5_000, 0.0004)
	b := usdcSol("b", 1_020_000, 5_000, 0.0004)

	sp := SpotSpread(a, b)
	assert.InDelta(t, 2.0, sp.SpreadPct, 1e-9)
	assert.InDelta(t, 0.08, sp.TotalFeePct, 1e-12)
	assert.Less(t, sp.NetPct, sp.SpreadPct)
	assert.Equal(t, sp, SpotSpread(b, a))
}

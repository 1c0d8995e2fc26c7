package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlongs/dexarb/internal/arbitrage"
	"github.com/devlongs/dexarb/internal/marketdata"
	"github.com/devlongs/dexarb/internal/pathgen"
	"github.com/devlongs/dexarb/internal/signal"
	"github.com/devlongs/dexarb/pkg/types"
)

type liveSnapshots struct {
	mu     sync.Mutex
	states map[string]types.PoolState
}

func (s *liveSnapshots) Snapshot(id string) (types.PoolState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok
}

func (s *liveSnapshots) Snapshots() []types.PoolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PoolState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	return out
}

func (s *liveSnapshots) set(id string, r0, r1 float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[id]
	st.Reserve0, st.Reserve1 = r0, r1
	st.Price = r1 / r0
	st.LastUpdate = time.Now()
	s.states[id] = st
}

var (
	usdc = types.Token{Symbol: "USDC", Decimals: 6}
	sol  = types.Token{Symbol: "SOL", Decimals: 9}
)

func pool(id string) types.Pool {
	return types.Pool{ID: id, Dex: types.DexUniswapV2, Token0: usdc, Token1: sol, FeeRate: 0.003}
}

type recordingSink struct {
	mu    sync.Mutex
	scans [][]types.SimulationResult
}

func (r *recordingSink) RecordSimulations(_ context.Context, results []types.SimulationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans = append(r.scans, results)
	return nil
}

func (r *recordingSink) RecordExecution(context.Context, types.Execution) error { return nil }
func (r *recordingSink) Close(context.Context) error                          { return nil }

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scans)
}

type fixture struct {
	engine  *Engine
	snaps   *liveSnapshots
	signals *signal.Channel
	sink    *recordingSink
}

func newFixture() *fixture {
	pools := []types.Pool{pool("a"), pool("b")}
	snaps := &liveSnapshots{states: map[string]types.PoolState{}}
	for _, p := range pools {
		snaps.states[p.ID] = types.PoolState{Pool: p, LiquidityUSD: 400_000}
	}
	snaps.set("a", 200_000, 1_000)
	snaps.set("b", 200_000, 1_000)

	sim := arbitrage.NewSimulator(snaps, arbitrage.Params{
		TradeAmount:      100,
		MinProfitPct:     0.001,
		OptimalProfitPct: 0.01,
		MaxTotalSlippage: 0.05,
		MaxQuoteAge:      time.Minute,
	}, nil)

	signals := signal.NewChannel(signal.Limits{MaxAge: 3 * time.Second}, nil)
	sink := &recordingSink{}
	e := New(Deps{
		Paths:     pathgen.New(pools).Generate("USDC", 2),
		Simulator: sim,
		Ranker:    arbitrage.NewRanker(3 * time.Second),
		Signals:   signals,
		Sink:      sink,
		Snapshots: snaps,
	})
	return &fixture{engine: e, snaps: snaps, signals: signals, sink: sink}
}

func TestScan_WritesBestOpportunity(t *testing.T) {
	f := newFixture()
	f.snaps.set("b", 204_000, 1_000)

	opp, ok := f.engine.Scan(context.Background(), "test")

	require.True(t, ok)
	assert.Equal(t, "USDC>a>SOL>b>USDC", opp.PathID)
	sig, pending := f.signals.Pending()
	require.True(t, pending)
	assert.Equal(t, "a -> b", sig.Direction)
	require.Equal(t, 1, f.sink.count())
	assert.Len(t, f.sink.scans[0], 2, "both directions are simulated and recorded")
}

func TestScan_ClearsSignalWhenNothingFound(t *testing.T) {
	f := newFixture()
	f.snaps.set("b", 204_000, 1_000)
	_, ok := f.engine.Scan(context.Background(), "test")
	require.True(t, ok)

	f.snaps.set("b", 200_000, 1_000)
	_, ok = f.engine.Scan(context.Background(), "test")

	assert.False(t, ok)
	_, pending := f.signals.Pending()
	assert.False(t, pending)
	assert.Equal(t, uint64(1), f.engine.Logger.GetStats().SignalsCleared)
}

type heldSet map[string]bool

func (h heldSet) Held(id string) bool { return h[id] }

func TestScan_SkipsHeldPath(t *testing.T) {
	f := newFixture()
	f.snaps.set("b", 204_000, 1_000)
	f.engine.Exclusion = heldSet{"USDC>a>SOL>b>USDC": true}

	_, ok := f.engine.Scan(context.Background(), "test")
	assert.False(t, ok)
}

func TestRun_ScansOnUpdates(t *testing.T) {
	f := newFixture()
	updates := make(chan marketdata.PriceUpdate, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx, updates) }()

	require.Eventually(t, func() bool { return f.sink.count() == 1 }, 2*time.Second, 10*time.Millisecond, "startup scan")
	_, pending := f.signals.Pending()
	assert.False(t, pending)

	f.snaps.set("b", 204_000, 1_000)
	updates <- marketdata.PriceUpdate{PoolID: "b", Price: 0.0049}

	require.Eventually(t, func() bool {
		_, ok := f.signals.Pending()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestCoalesce(t *testing.T) {
	updates := make(chan marketdata.PriceUpdate, 4)
	updates <- marketdata.PriceUpdate{PoolID: "b"}
	updates <- marketdata.PriceUpdate{PoolID: "a"}
	updates <- marketdata.PriceUpdate{PoolID: "b"}

	pools := coalesce(marketdata.PriceUpdate{PoolID: "c"}, updates)

	assert.Equal(t, []string{"a", "b", "c"}, pools)
	assert.Empty(t, updates)
	assert.Equal(t, "updates:a+2", triggerFor(pools))
	assert.Equal(t, "update:c", triggerFor([]string{"c"}))
}

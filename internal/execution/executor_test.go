package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlongs/dexarb/internal/arbitrage"
	"github.com/devlongs/dexarb/pkg/types"
)

type snapshots map[string]types.PoolState

func (s snapshots) Snapshot(id string) (types.PoolState, bool) {
	st, ok := s[id]
	return st, ok
}

func poolState(id string, r0, r1, fee float64) types.PoolState {
	return types.PoolState{
		Pool: types.Pool{
			ID:      id,
			Token0:  types.Token{Symbol: "USDC", Decimals: 6},
			Token1:  types.Token{Symbol: "SOL", Decimals: 9},
			FeeRate: fee,
		},
		Reserve0: r0,
		Reserve1: r1,
	}
}

func paperPools() snapshots {
	return snapshots{
		"a": poolState("a", 200_000, 1_000, 0.003), // 200 USDC/SOL
		"b": poolState("b", 204_000, 1_000, 0.003), // 204 USDC/SOL
	}
}

func TestPaperExecutor_FillsAtQuote(t *testing.T) {
	p := NewPaperExecutor(paperPools())

	res, err := p.ExecuteSwap(context.Background(), SwapRequest{PoolID: "a", TokenIn: "USDC", TokenOut: "SOL", AmountIn: 100})
	require.NoError(t, err)
	assert.Equal(t, arbitrage.SwapOut(100, 200_000, 1_000, 0.003), res.AmountOut)
	assert.Contains(t, res.Signature, "paper-")
}

func TestPaperExecutor_Errors(t *testing.T) {
	p := NewPaperExecutor(paperPools())

	_, err := p.ExecuteSwap(context.Background(), SwapRequest{PoolID: "missing", TokenIn: "USDC", TokenOut: "SOL", AmountIn: 1})
	assert.ErrorIs(t, err, types.ErrDataUnavailable)

	_, err = p.ExecuteSwap(context.Background(), SwapRequest{PoolID: "a", TokenIn: "BONK", TokenOut: "SOL", AmountIn: 1})
	assert.ErrorIs(t, err, types.ErrInvalidHop)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.ExecuteSwap(ctx, SwapRequest{PoolID: "a", TokenIn: "USDC", TokenOut: "SOL", AmountIn: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPaperExecutor_Atomic(t *testing.T) {
	p := NewPaperExecutor(paperPools())

	res, err := p.ExecuteAtomic(context.Background(), twoHop.Hops, 100, 0.01)
	require.NoError(t, err)
	assert.Greater(t, res.AmountOut, 100.0)
	require.Len(t, res.Legs, 2)
	assert.Equal(t, res.Legs[0].AmountOut, res.Legs[1].AmountIn)

	reversed := []types.Hop{
		{PoolID: "b", TokenIn: "USDC", TokenOut: "SOL"},
		{PoolID: "a", TokenIn: "SOL", TokenOut: "USDC"},
	}
	_, err = p.ExecuteAtomic(context.Background(), reversed, 100, 0.01)
	assert.ErrorContains(t, err, "reverted")
}

func TestPaperExecutor_DrivesCoordinator(t *testing.T) {
	f := newFixture()
	c := f.coordinator(NewPaperExecutor(paperPools()), Options{})

	rec, err := c.Execute(context.Background(), newSignal(twoHop, time.Now()))

	require.NoError(t, err)
	assert.Equal(t, types.StateSuccess, rec.State)
	assert.Greater(t, rec.Profit, 0.0)
}

func TestPaperExecutor_RejectsFillsPastSlippage(t *testing.T) {
	pools := paperPools()
	pools["c"] = poolState("c", 4_080, 20, 0.003) // shallow, 204 USDC/SOL
	p := NewPaperExecutor(pools)
	ctx := context.Background()

	// about 2.7% below spot after fee and impact
	req := SwapRequest{PoolID: "c", TokenIn: "SOL", TokenOut: "USDC", AmountIn: 0.5, Slippage: 0.01}
	_, err := p.ExecuteSwap(ctx, req)
	assert.ErrorIs(t, err, types.ErrExcessiveSlippage)

	req.Slippage = 0.03
	res, err := p.ExecuteSwap(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, arbitrage.SwapOut(0.5, 20, 4_080, 0.003), res.AmountOut)

	req.Slippage = 0
	_, err = p.ExecuteSwap(ctx, req)
	assert.NoError(t, err, "zero slippage accepts any fill")
}

func TestPaperExecutor_RecoversAtWiderSlippage(t *testing.T) {
	pools := paperPools()
	pools["c"] = poolState("c", 4_080, 20, 0.003)
	path := types.Path{
		ID: "USDC>a>SOL>c>USDC",
		Hops: []types.Hop{
			{PoolID: "a", TokenIn: "USDC", TokenOut: "SOL", FeeRate: 0.003},
			{PoolID: "c", TokenIn: "SOL", TokenOut: "USDC", FeeRate: 0.003},
		},
	}
	f := newFixture()
	c := f.coordinator(NewPaperExecutor(pools), Options{})

	rec, err := c.Execute(context.Background(), newSignal(path, time.Now()))

	require.ErrorIs(t, err, types.ErrExecutionFailed)
	assert.ErrorIs(t, err, types.ErrExcessiveSlippage)
	assert.Equal(t, types.StateRecovered, rec.State)
	require.Len(t, rec.Recovery, 1)
	assert.Equal(t, "a", rec.Recovery[0].PoolID)
	assert.Equal(t, rec.Legs[0].AmountOut, rec.Recovery[0].AmountIn)
	assert.InDelta(t, 99.30, rec.Recovered, 0.01)
	assert.InDelta(t, 100-rec.Recovered, rec.NetLoss, 1e-9)
}

func TestBreaker(t *testing.T) {
	b := NewBreaker(3, nil)

	b.Record(types.LegFailed(1))
	b.Record(types.StateRecovered)
	b.Record(types.StateRejected)
	assert.Equal(t, 2, b.Failures())
	assert.True(t, b.Allow())

	b.Record(types.StateSuccess)
	assert.Zero(t, b.Failures())

	for i := 0; i < 3; i++ {
		b.Record(types.StateRecoveryFailed)
	}
	assert.False(t, b.Allow())

	b.Resume()
	assert.True(t, b.Allow())
	assert.Zero(t, b.Failures())
}

func TestBreaker_DisabledNeverOpens(t *testing.T) {
	b := NewBreaker(0, nil)
	for i := 0; i < 100; i++ {
		b.Record(types.StateAtomicFailed)
	}
	assert.True(t, b.Allow())
}

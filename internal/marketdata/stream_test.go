package marketdata

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlongs/dexarb/internal/decoder"
	"github.com/devlongs/dexarb/internal/dex/uniswapv2"
	"github.com/devlongs/dexarb/internal/eth"
	"github.com/devlongs/dexarb/internal/registry"
	"github.com/devlongs/dexarb/internal/rpcpool"
	"github.com/devlongs/dexarb/pkg/types"
)

var (
	usdc = types.Token{Symbol: "USDC", Decimals: 6}
	sol  = types.Token{Symbol: "SOL", Decimals: 9}
	bonk = types.Token{Symbol: "BONK", Decimals: 5}
)

type fakeSub struct {
	logs chan<- ethtypes.Log
	fail chan error
	sub  event.Subscription
}

type fakeConn struct {
	mu         sync.Mutex
	reserves   map[common.Address][2]*big.Int
	batchCalls int
	subs       []*fakeSub
}

func (c *fakeConn) BlockNumber(context.Context) (uint64, error) { return 1, nil }
func (c *fakeConn) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("unexpected call")
}

func (c *fakeConn) BatchCallContract(_ context.Context, msgs []ethereum.CallMsg) ([]eth.CallResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchCalls++

	out := make([]eth.CallResult, len(msgs))
	for i, m := range msgs {
		r, ok := c.reserves[*m.To]
		if !ok {
			out[i].Err = errors.New("execution reverted")
			continue
		}
		out[i].Data = append(word(r[0]), word(r[1])...)
	}
	return out, nil
}

func (c *fakeConn) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	fs := &fakeSub{logs: ch, fail: make(chan error, 1)}
	fs.sub = event.NewSubscription(func(quit <-chan struct{}) error {
		select {
		case <-quit:
			return nil
		case err := <-fs.fail:
			return err
		}
	})

	c.mu.Lock()
	c.subs = append(c.subs, fs)
	c.mu.Unlock()
	return fs.sub, nil
}

func (c *fakeConn) SubscribeNewHead(context.Context, chan<- *ethtypes.Header) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}

func (c *fakeConn) Close() {}

func (c *fakeConn) sub(i int) *fakeSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[i]
}

func (c *fakeConn) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batchCalls, len(c.subs)
}

type fakeRPC struct{ conn *fakeConn }

func (f fakeRPC) Execute(ctx context.Context, _ string, op rpcpool.Op) error {
	return op(ctx, f.conn)
}

func (f fakeRPC) ExecuteStreaming(ctx context.Context, _ string, op rpcpool.Op) error {
	return op(ctx, f.conn)
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func amount(human int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(human), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

func syncLog(addr common.Address, r0, r1 *big.Int, block uint64) ethtypes.Log {
	return ethtypes.Log{
		Address:     addr,
		Topics:      []common.Hash{uniswapv2.SyncEventSignature},
		Data:        append(word(r0), word(r1)...),
		BlockNumber: block,
	}
}

type fixture struct {
	conn     *fakeConn
	registry *registry.Registry
	stream   *Stream
	now    time.Time
	mu     sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pools := []types.Pool{
		{ID: "usdc-sol", Address: common.HexToAddress("0x01"), Dex: types.DexUniswapV2, Token0: usdc, Token1: sol, FeeRate: 0.003},
		{ID: "sol-bonk", Address: common.HexToAddress("0x02"), Dex: types.DexUniswapV2, Token0: sol, Token1: bonk, FeeRate: 0.003},
	}
	reg, err := registry.New(pools)
	require.NoError(t, err)

	conn := &fakeConn{reserves: map[common.Address][2]*big.Int{
		pools[0].Address: {amount(200_000, 6), amount(1_000, 9)},
		pools[1].Address: {amount(10, 9), amount(1_000_000, 5)},
	}}

	f := &fixture{conn: conn, registry: reg, now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.stream = New(fakeRPC{conn: conn}, reg, decoder.Default(), Options{
		BatchSize:         1,
		LogDeltaThreshold: 0.0001,
		ResubscribeDelay:  5 * time.Millisecond,
		BaseToken:         "USDC",
		Now:               f.clock,
	})
	t.Cleanup(func() { _ = f.stream.Close() })
	return f
}

func next(t *testing.T, ch <-chan PriceUpdate) PriceUpdate {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "listener closed")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for price update")
		return PriceUpdate{}
	}
}

func TestSubscribe_InitialFetchThenPushedUpdates(t *testing.T) {
	f := newFixture(t)
	updates, cancel := f.stream.Listen(8)
	defer cancel()

	require.NoError(t, f.stream.Subscribe(context.Background(), "usdc-sol"))

	first := next(t, updates)
	assert.Equal(t, "usdc-sol", first.PoolID)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.InDelta(t, 0.005, first.Price, 1e-12)
	assert.Zero(t, first.Delta)

	st, ok := f.stream.Snapshot("usdc-sol")
	require.True(t, ok)
	assert.InDelta(t, 200_000, st.Reserve0, 1e-6)
	assert.InDelta(t, 1_000, st.Reserve1, 1e-9)
	assert.InDelta(t, 14142.1356, st.Liquidity, 1e-3)
	assert.InDelta(t, 400_000, st.LiquidityUSD, 1e-6)
	assert.True(t, f.stream.Subscribed("usdc-sol"))

	f.conn.sub(0).logs <- syncLog(common.HexToAddress("0x01"), amount(202_000, 6), amount(990, 9), 100)

	second := next(t, updates)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, uint64(100), second.Block)
	assert.InDelta(t, 990.0/202_000, second.Price, 1e-12)
	assert.Less(t, second.Delta, 0.0)

	st, _ = f.stream.Snapshot("usdc-sol")
	assert.Equal(t, uint64(2), st.Sequence)
	assert.InDelta(t, 202_000, st.Reserve0, 1e-6)
}

func TestSubscribe_IgnoresStaleBlocks(t *testing.T) {
	f := newFixture(t)
	updates, cancel := f.stream.Listen(8)
	defer cancel()

	require.NoError(t, f.stream.Subscribe(context.Background(), "usdc-sol"))
	next(t, updates)

	addr := common.HexToAddress("0x01")
	f.conn.sub(0).logs <- syncLog(addr, amount(210_000, 6), amount(950, 9), 50)
	next(t, updates)
	f.conn.sub(0).logs <- syncLog(addr, amount(1, 6), amount(1, 9), 49)
	f.conn.sub(0).logs <- syncLog(addr, amount(220_000, 6), amount(900, 9), 51)

	u := next(t, updates)
	assert.Equal(t, uint64(51), u.Block)
	assert.Equal(t, uint64(3), u.Sequence)
}

func TestSubscribe_UnknownPool(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.stream.Subscribe(context.Background(), "nope"))
}

func TestSubscribeAll_ValuesThroughBasePools(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.stream.SubscribeAll(context.Background(), []string{"usdc-sol", "sol-bonk"}))

	batches, subs := f.conn.counts()
	assert.Equal(t, 2, batches)
	assert.Equal(t, 2, subs)

	// SOL is worth 200 USDC through usdc-sol, so 10 SOL mirrored on both sides
	st, ok := f.stream.Snapshot("sol-bonk")
	require.True(t, ok)
	assert.InDelta(t, 4_000, st.LiquidityUSD, 1e-6)

	all := f.stream.Snapshots()
	require.Len(t, all, 2)
	assert.Equal(t, "sol-bonk", all[0].ID)
}

func TestSubscribeAll_ValuesPoolsLoadedBeforeTheirBasePool(t *testing.T) {
	f := newFixture(t)
	ids := f.registry.IDs()
	require.Equal(t, []string{"sol-bonk", "usdc-sol"}, ids)

	require.NoError(t, f.stream.SubscribeAll(context.Background(), ids))

	st, ok := f.stream.Snapshot("sol-bonk")
	require.True(t, ok)
	assert.InDelta(t, 4_000, st.LiquidityUSD, 1e-6)
}

func TestSnapshot_FollowsBasePoolPrice(t *testing.T) {
	f := newFixture(t)
	updates, cancel := f.stream.Listen(8)
	defer cancel()

	require.NoError(t, f.stream.SubscribeAll(context.Background(), f.registry.IDs()))
	next(t, updates)
	next(t, updates)

	// SOL doubles to 400 USDC; sol-bonk itself emits nothing.
	// Batches of one subscribe in id order, so usdc-sol is the second sub.
	f.conn.sub(1).logs <- syncLog(common.HexToAddress("0x01"), amount(400_000, 6), amount(1_000, 9), 10)
	require.Eventually(t, func() bool {
		st, _ := f.stream.Snapshot("usdc-sol")
		return st.Price > 0 && st.Price < 0.003
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := f.stream.Snapshot("sol-bonk")
	assert.InDelta(t, 8_000, st.LiquidityUSD, 1e-6)
	for _, s := range f.stream.Snapshots() {
		if s.ID == "sol-bonk" {
			assert.InDelta(t, 8_000, s.LiquidityUSD, 1e-6)
		}
	}
}

func TestSubscribeAll_ReportsFailedPoolsAndKeepsOthers(t *testing.T) {
	f := newFixture(t)
	delete(f.conn.reserves, common.HexToAddress("0x02"))

	err := f.stream.SubscribeAll(context.Background(), []string{"usdc-sol", "sol-bonk"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sol-bonk")

	assert.True(t, f.stream.Subscribed("usdc-sol"))
	assert.False(t, f.stream.Subscribed("sol-bonk"))
	_, ok := f.stream.Snapshot("sol-bonk")
	assert.False(t, ok)
}

func TestResubscribeRefetchesState(t *testing.T) {
	f := newFixture(t)
	updates, cancel := f.stream.Listen(8)
	defer cancel()

	require.NoError(t, f.stream.Subscribe(context.Background(), "usdc-sol"))
	next(t, updates)

	f.conn.mu.Lock()
	f.conn.reserves[common.HexToAddress("0x01")] = [2]*big.Int{amount(199_000, 6), amount(1_005, 9)}
	f.conn.mu.Unlock()

	f.conn.sub(0).fail <- errors.New("connection reset by peer")

	u := next(t, updates)
	assert.Equal(t, uint64(2), u.Sequence)
	assert.InDelta(t, 1_005.0/199_000, u.Price, 1e-12)

	batches, subs := f.conn.counts()
	assert.Equal(t, 2, batches)
	assert.Equal(t, 2, subs)
	assert.Eventually(t, func() bool { return f.stream.Subscribed("usdc-sol") }, time.Second, 5*time.Millisecond)
}

func TestConfirmRefreshesLiveSubscriptions(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.stream.Subscribe(context.Background(), "usdc-sol"))

	before, _ := f.stream.Snapshot("usdc-sol")
	f.advance(90 * time.Second)
	f.stream.confirm(123)

	after, _ := f.stream.Snapshot("usdc-sol")
	assert.Equal(t, before.Sequence, after.Sequence)
	assert.True(t, after.LastUpdate.After(before.LastUpdate))
	assert.True(t, after.Usable(f.clock(), time.Minute))
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	updates, _ := f.stream.Listen(8)

	require.NoError(t, f.stream.Subscribe(context.Background(), "usdc-sol"))
	next(t, updates)

	require.NoError(t, f.stream.Close())
	require.NoError(t, f.stream.Close())

	_, ok := <-updates
	assert.False(t, ok)

	assert.ErrorIs(t, f.stream.Unsubscribe("usdc-sol"), types.ErrAlreadyClosed)
	assert.ErrorIs(t, f.stream.Subscribe(context.Background(), "sol-bonk"), types.ErrAlreadyClosed)
}

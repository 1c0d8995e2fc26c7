// Package marketdata keeps the latest state of every watched pool current by
// fetching it once and then applying pushed log updates.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/devlongs/dexarb/internal/config"
	"github.com/devlongs/dexarb/internal/decoder"
	"github.com/devlongs/dexarb/internal/dex/uniswapv3"
	"github.com/devlongs/dexarb/internal/eth"
	"github.com/devlongs/dexarb/internal/metrics"
	"github.com/devlongs/dexarb/internal/registry"
	"github.com/devlongs/dexarb/internal/rpcpool"
	"github.com/devlongs/dexarb/pkg/types"
)

// RPC is the part of the orchestrator the stream uses
type RPC interface {
	Execute(ctx context.Context, name string, op rpcpool.Op) error
	ExecuteStreaming(ctx context.Context, name string, op rpcpool.Op) error
}

// PriceUpdate is pushed to listeners on every pool state change
type PriceUpdate struct {
	PoolID    string
	Price     float64
	Liquidity float64
	Delta     float64 // relative change against the previous price, 0 on first value
	Sequence  uint64
	Block     uint64
	At        time.Time
}

// Options tune the stream
type Options struct {
	BatchSize         int
	BatchDelay        time.Duration
	LogDeltaThreshold float64
	ConfirmOnNewHeads bool
	ResubscribeDelay  time.Duration
	BaseToken         string
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

// OptionsFromConfig maps the marketdata config section
func OptionsFromConfig(cfg config.MarketDataConfig, baseToken string, m *metrics.Metrics) Options {
	return Options{
		BatchSize:         cfg.BatchSize,
		BatchDelay:        cfg.BatchDelay,
		LogDeltaThreshold: cfg.LogDeltaThreshold,
		ConfirmOnNewHeads: cfg.ConfirmOnNewHeads,
		BaseToken:         baseToken,
		Metrics:           m,
	}
}

type poolSub struct {
	cancel context.CancelFunc
	live   atomic.Bool
}

type listener struct {
	mu     sync.Mutex
	ch     chan PriceUpdate
	done   chan struct{}
	once   sync.Once
	closed bool
}

func (l *listener) stop() {
	l.once.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()
	})
}

// Stream is the single writer of pool state
type Stream struct {
	rpc      RPC
	registry *registry.Registry
	decoder  *decoder.Decoder
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	states    map[string]types.PoolState
	subs      map[string]*poolSub
	listeners map[uint64]*listener
	nextID    uint64
	closed    bool

	headsStarted bool
}

// New creates a stream over the registry's pools
func New(rpc RPC, reg *registry.Registry, dec *decoder.Decoder, opts Options) *Stream {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		rpc:       rpc,
		registry:  reg,
		decoder:   dec,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		states:    make(map[string]types.PoolState),
		subs:      make(map[string]*poolSub),
		listeners: make(map[uint64]*listener),
	}
}

// Subscribe fetches the pool's state once and starts applying its pushed updates
func (s *Stream) Subscribe(ctx context.Context, poolID string) error {
	pool, ok := s.registry.Get(poolID)
	if !ok {
		return fmt.Errorf("unknown pool %q", poolID)
	}
	return s.subscribeBatch(ctx, []types.Pool{pool})
}

// SubscribeAll subscribes pools in bounded batches with a pause between batches.
// A pool that fails does not stop the others; all failures are returned joined.
func (s *Stream) SubscribeAll(ctx context.Context, poolIDs []string) error {
	pools := make([]types.Pool, 0, len(poolIDs))
	var errs []error
	for _, id := range poolIDs {
		p, ok := s.registry.Get(id)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown pool %q", id))
			continue
		}
		pools = append(pools, p)
	}

	for start := 0; start < len(pools); start += s.opts.BatchSize {
		if start > 0 && s.opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.BatchDelay):
			}
		}

		end := start + s.opts.BatchSize
		if end > len(pools) {
			end = len(pools)
		}
		if err := s.subscribeBatch(ctx, pools[start:end]); err != nil {
			errs = append(errs, err)
		}

		log.Info().
			Int("subscribed", end).
			Int("total", len(pools)).
			Msg("Pool subscription batch done")
	}

	if s.opts.ConfirmOnNewHeads {
		s.startHeads()
	}
	return errors.Join(errs...)
}

func (s *Stream) subscribeBatch(ctx context.Context, pools []types.Pool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.ErrAlreadyClosed
	}
	pending := make([]types.Pool, 0, len(pools))
	for _, p := range pools {
		if _, ok := s.subs[p.ID]; ok {
			continue
		}
		s.subs[p.ID] = &poolSub{cancel: func() {}}
		pending = append(pending, p)
	}
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	reserves, fetchErrs := s.fetch(ctx, pending)

	var (
		mu   sync.Mutex
		errs = fetchErrs
		g    errgroup.Group
	)
	for _, p := range pending {
		p := p
		r, ok := reserves[p.ID]
		if !ok {
			s.drop(p.ID)
			continue
		}
		s.apply(p, r)

		g.Go(func() error {
			if err := s.startPool(ctx, p); err != nil {
				s.drop(p.ID)
				mu.Lock()
				errs = append(errs, fmt.Errorf("subscribe %s: %w", p.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (s *Stream) drop(poolID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.subs[poolID]; ok {
		ps.cancel()
		delete(s.subs, poolID)
	}
}

// fetch loads the current state of pools with one batched eth_call
func (s *Stream) fetch(ctx context.Context, pools []types.Pool) (map[string]types.Reserves, []error) {
	var (
		msgs   []ethereum.CallMsg
		counts = make([]int, len(pools))
		errs   []error
	)
	for i, p := range pools {
		calls, err := s.decoder.InitialCalls(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", p.ID, err))
			continue
		}
		counts[i] = len(calls)
		msgs = append(msgs, calls...)
	}
	if len(msgs) == 0 {
		return nil, errs
	}

	var results []eth.CallResult
	err := s.rpc.Execute(ctx, "initial_state", func(ctx context.Context, conn rpcpool.Conn) error {
		res, err := conn.BatchCallContract(ctx, msgs)
		if err != nil {
			return err
		}
		if len(res) != len(msgs) {
			return fmt.Errorf("batch returned %d results for %d calls", len(res), len(msgs))
		}
		results = res
		return nil
	})
	if err != nil {
		return nil, append(errs, fmt.Errorf("initial fetch: %w", err))
	}

	out := make(map[string]types.Reserves, len(pools))
	offset := 0
	for i, p := range pools {
		n := counts[i]
		if n == 0 {
			continue
		}
		chunk := results[offset : offset+n]
		offset += n

		raw := make([][]byte, n)
		var callErr error
		for j, r := range chunk {
			if r.Err != nil {
				callErr = r.Err
				break
			}
			raw[j] = r.Data
		}
		if callErr != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", p.ID, callErr))
			continue
		}

		r, err := s.decoder.DecodeInitial(p, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[p.ID] = r
	}
	return out, errs
}

func (s *Stream) startPool(ctx context.Context, pool types.Pool) error {
	s.mu.RLock()
	ps, ok := s.subs[pool.ID]
	s.mu.RUnlock()
	if !ok {
		return types.ErrAlreadyClosed
	}

	logs := make(chan ethtypes.Log, 64)
	sub, err := s.subscribeLogs(ctx, pool, logs)
	if err != nil {
		return err
	}
	ps.live.Store(true)

	subCtx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	ps.cancel = cancel
	_, still := s.subs[pool.ID]
	s.mu.Unlock()
	if !still {
		cancel()
	}

	s.wg.Add(1)
	go s.run(subCtx, pool, ps, sub, logs)
	return nil
}

func (s *Stream) subscribeLogs(ctx context.Context, pool types.Pool, logs chan ethtypes.Log) (ethereum.Subscription, error) {
	q, err := s.decoder.FilterQuery(pool)
	if err != nil {
		return nil, err
	}

	var sub ethereum.Subscription
	err = s.rpc.ExecuteStreaming(ctx, "subscribe_logs", func(ctx context.Context, conn rpcpool.Conn) error {
		var err error
		sub, err = conn.SubscribeFilterLogs(ctx, q, logs)
		return err
	})
	return sub, err
}

// run applies one pool's logs in arrival order until the subscription is cancelled
func (s *Stream) run(ctx context.Context, pool types.Pool, ps *poolSub, sub ethereum.Subscription, logs chan ethtypes.Log) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			ps.live.Store(false)
			return

		case lg := <-logs:
			s.handleLog(pool, lg)

		case err := <-sub.Err():
			ps.live.Store(false)
			sub.Unsubscribe()
			log.Warn().
				Err(err).
				Str("pool", pool.ID).
				Msg("Pool subscription dropped, resubscribing")

			next, ok := s.resubscribe(ctx, pool, logs)
			if !ok {
				return
			}
			sub = next
			ps.live.Store(true)
		}
	}
}

// resubscribe retries until a new subscription is up, then refetches state
// since logs may have been missed while disconnected.
func (s *Stream) resubscribe(ctx context.Context, pool types.Pool, logs chan ethtypes.Log) (ethereum.Subscription, bool) {
	delay := s.opts.ResubscribeDelay
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		sub, err := s.subscribeLogs(ctx, pool, logs)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			log.Warn().Err(err).Str("pool", pool.ID).Dur("retry_in", delay).Msg("Resubscribe failed")
			if delay < 30*time.Second {
				delay *= 2
			}
			continue
		}

		reserves, errs := s.fetch(ctx, []types.Pool{pool})
		if r, ok := reserves[pool.ID]; ok {
			s.apply(pool, r)
		} else {
			log.Warn().Err(errors.Join(errs...)).Str("pool", pool.ID).Msg("Refetch after resubscribe failed")
		}

		log.Info().Str("pool", pool.ID).Msg("Pool resubscribed")
		return sub, true
	}
}

func (s *Stream) handleLog(pool types.Pool, lg ethtypes.Log) {
	if lg.Removed {
		log.Debug().Str("pool", pool.ID).Uint64("block", lg.BlockNumber).Msg("Ignoring removed log")
		return
	}

	r, ok, err := s.decoder.DecodeLog(pool, lg)
	if err != nil {
		log.Warn().Err(err).Str("pool", pool.ID).Str("tx", lg.TxHash.Hex()).Msg("Failed to decode pool log")
		return
	}
	if !ok {
		return
	}
	s.apply(pool, r)
}

// apply stores a new state for pool and forwards the change to every listener
func (s *Stream) apply(pool types.Pool, r types.Reserves) {
	now := s.opts.Now()

	s.mu.Lock()
	prev, had := s.states[pool.ID]
	if had && r.Block != 0 && r.Block < prev.Block {
		s.mu.Unlock()
		return
	}

	st := types.PoolState{
		Pool:         pool,
		Reserve0:     math.Max(r.Reserve0, 0),
		Reserve1:     math.Max(r.Reserve1, 0),
		SqrtPriceX96: r.SqrtPriceX96,
		Block:        r.Block,
		Sequence:     prev.Sequence + 1,
		LastUpdate:   now,
	}
	if st.Block == 0 {
		st.Block = prev.Block
	}
	st.Price = price(st)
	st.Liquidity = math.Sqrt(st.Reserve0 * st.Reserve1)
	s.states[pool.ID] = st
	st.LiquidityUSD = s.valueUSD(st)

	listeners := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	var delta float64
	if had && prev.Price > 0 {
		delta = (st.Price - prev.Price) / prev.Price
	}

	s.opts.Metrics.PriceUpdate(pool.ID)
	if !had || math.Abs(delta) > s.opts.LogDeltaThreshold {
		log.Info().
			Str("pool", pool.ID).
			Float64("price", st.Price).
			Float64("liquidity_usd", st.LiquidityUSD).
			Float64("delta_pct", delta*100).
			Uint64("block", st.Block).
			Msg("Pool price update")
	}

	u := PriceUpdate{
		PoolID:    pool.ID,
		Price:     st.Price,
		Liquidity: st.Liquidity,
		Delta:     delta,
		Sequence:  st.Sequence,
		Block:     st.Block,
		At:        now,
	}
	for _, l := range listeners {
		s.deliver(l, u)
	}
}

func price(st types.PoolState) float64 {
	if st.Dex == types.DexUniswapV3 && st.SqrtPriceX96 != nil && st.SqrtPriceX96.Sign() > 0 {
		return uniswapv3.PriceFromSqrt(st.SqrtPriceX96, st.Token0.Decimals, st.Token1.Decimals)
	}
	if st.Reserve0 <= 0 {
		return 0
	}
	return st.Reserve1 / st.Reserve0
}

func (s *Stream) deliver(l *listener, u PriceUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- u:
	case <-l.done:
	case <-s.ctx.Done():
	}
}

// Listen registers a listener. Every update is delivered; a slow reader
// back-pressures the pool goroutines. The channel is closed by cancel or Close.
func (s *Stream) Listen(buffer int) (<-chan PriceUpdate, func()) {
	l := &listener{ch: make(chan PriceUpdate, buffer), done: make(chan struct{})}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
		l.stop()
	}
	return l.ch, cancel
}

// Snapshot returns the latest state for poolID. LiquidityUSD is valued at
// read time against the current base-quoted pools.
func (s *Stream) Snapshot(poolID string) (types.PoolState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[poolID]
	if ok {
		st.LiquidityUSD = s.valueUSD(st)
	}
	return st, ok
}

// Snapshots returns every known pool state ordered by pool id
func (s *Stream) Snapshots() []types.PoolState {
	s.mu.RLock()
	out := make([]types.PoolState, 0, len(s.states))
	for _, st := range s.states {
		st.LiquidityUSD = s.valueUSD(st)
		out = append(out, st)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribed reports whether poolID has a live log subscription
func (s *Stream) Subscribed(poolID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.subs[poolID]
	return ok && ps.live.Load()
}

// Unsubscribe stops updates for poolID. The last state stays readable.
func (s *Stream) Unsubscribe(poolID string) error {
	s.mu.Lock()
	ps, ok := s.subs[poolID]
	delete(s.subs, poolID)
	var cancel context.CancelFunc
	if ok {
		cancel = ps.cancel
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("pool %s: %w", poolID, types.ErrAlreadyClosed)
	}
	cancel()
	return nil
}

// Close unsubscribes everything and waits for the pool goroutines to exit
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Unsubscribe(id); err != nil && !errors.Is(err, types.ErrAlreadyClosed) {
			errs = append(errs, err)
		}
	}
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = make(map[uint64]*listener)
	s.mu.Unlock()
	for _, l := range listeners {
		l.stop()
	}

	log.Info().Int("pools", len(ids)).Msg("Market data stream closed")
	return errors.Join(errs...)
}

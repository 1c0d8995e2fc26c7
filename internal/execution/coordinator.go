// Package execution turns signals into trades: it runs the per-leg state
// machine, unwinds partial fills, and guards the account with a path
// exclusion set and a circuit breaker.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/devlongs/dexarb/internal/config"
	"github.com/devlongs/dexarb/internal/metrics"
	"github.com/devlongs/dexarb/internal/signal"
	"github.com/devlongs/dexarb/pkg/types"
)

const (
	ModeSequential = "sequential"
	ModeAtomic     = "atomic"
)

// ErrInvalidSignal wraps signals rejected at execution time
var ErrInvalidSignal = errors.New("invalid signal")

// Recorder receives every finished execution attempt
type Recorder interface {
	RecordExecution(ctx context.Context, e types.Execution) error
}

// Options configures a Coordinator
type Options struct {
	Parallelism            int
	Slippage               float64 // fraction
	RecoverySlippage       float64 // fraction
	PreferAtomic           bool
	MaxConsecutiveFailures int
	Metrics                *metrics.Metrics
}

// OptionsFromConfig maps the execution config section
func OptionsFromConfig(cfg config.ExecutionConfig, m *metrics.Metrics) Options {
	return Options{
		Parallelism:            cfg.Parallelism,
		Slippage:               cfg.Slippage,
		RecoverySlippage:       cfg.RecoverySlippage,
		PreferAtomic:           cfg.PreferAtomic,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		Metrics:                m,
	}
}

// Coordinator consumes signals and executes them
type Coordinator struct {
	exec     TradeExecutor
	atomic   AtomicExecutor
	signals  *signal.Channel
	locks    PathLocks
	recorder Recorder
	breaker  *Breaker
	sem      *semaphore.Weighted
	opts     Options
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewCoordinator wires a coordinator. locks defaults to an in-process set;
// recorder may be nil.
func NewCoordinator(exec TradeExecutor, signals *signal.Channel, locks PathLocks, recorder Recorder, opts Options) *Coordinator {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.RecoverySlippage < opts.Slippage {
		opts.RecoverySlippage = opts.Slippage
	}
	if locks == nil {
		locks = NewMemoryLocks()
	}

	c := &Coordinator{
		exec:     exec,
		signals:  signals,
		locks:    locks,
		recorder: recorder,
		breaker:  NewBreaker(opts.MaxConsecutiveFailures, opts.Metrics),
		sem:      semaphore.NewWeighted(int64(opts.Parallelism)),
		opts:     opts,
		now:      time.Now,
	}
	if opts.PreferAtomic {
		if a, ok := exec.(AtomicExecutor); ok {
			c.atomic = a
		}
	}
	return c
}

// Run takes signals until ctx is cancelled, then waits for in-flight
// executions. Executions already started are not cancelled by ctx.
func (c *Coordinator) Run(ctx context.Context) error {
	log.Info().
		Int("parallelism", c.opts.Parallelism).
		Bool("atomic", c.atomic != nil).
		Msg("Execution coordinator started")

	for {
		sig, err := c.signals.Wait(ctx)
		if err != nil {
			break
		}
		if err := c.sem.Acquire(ctx, 1); err != nil {
			log.Info().Str("direction", sig.Direction).Msg("Shutting down, signal dropped")
			break
		}

		c.wg.Add(1)
		go func(sig signal.Signal) {
			defer c.wg.Done()
			defer c.sem.Release(1)
			c.Execute(context.WithoutCancel(ctx), sig)
		}(sig)
	}

	c.Wait()
	log.Info().Msg("Execution coordinator stopped")
	return nil
}

// Wait blocks until in-flight executions started by Run have finished
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Resume re-enables trading after the circuit breaker opened
func (c *Coordinator) Resume() {
	c.breaker.Resume()
}

// Halted reports whether the circuit breaker is open
func (c *Coordinator) Halted() bool {
	return c.breaker.Open()
}

// Held reports whether a path is executing, for the opportunity ranker
func (c *Coordinator) Held(pathID string) bool {
	return c.locks.Held(pathID)
}

// Execute runs one signal to a final state. The error is nil only on SUCCESS.
func (c *Coordinator) Execute(ctx context.Context, sig signal.Signal) (types.Execution, error) {
	opp := sig.Opportunity
	rec := types.Execution{
		ID:            uuid.NewString(),
		OpportunityID: opp.ID,
		PathID:        opp.PathID,
		Direction:     sig.Direction,
		AmountIn:      sig.TradeAmountBase,
		StartedAt:     c.now(),
	}
	rec.To(types.StateStart)

	if err := c.admit(sig); err != nil {
		rec.To(types.StateRejected)
		return c.finish(ctx, sig, &rec, err)
	}

	release, err := c.locks.TryAcquire(ctx, opp.PathID)
	if err != nil {
		rec.To(types.StateRejected)
		return c.finish(ctx, sig, &rec, fmt.Errorf("path %s: %w", opp.PathID, err))
	}
	defer release()

	if c.atomic != nil {
		err = c.runAtomic(ctx, &rec, opp.Path.Hops)
	} else {
		err = c.runSequential(ctx, &rec, opp.Path.Hops)
	}
	c.breaker.Record(rec.State)
	return c.finish(ctx, sig, &rec, err)
}

func (c *Coordinator) admit(sig signal.Signal) error {
	if !c.breaker.Allow() {
		return types.ErrCircuitOpen
	}

	doc, err := sig.Document()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if _, v := c.signals.ValidateAndParse(doc); !v.IsValid {
		return fmt.Errorf("%w: %s", ErrInvalidSignal, v.Error)
	}
	if len(sig.Opportunity.Path.Hops) == 0 {
		return fmt.Errorf("%w: no route attached", ErrInvalidSignal)
	}
	return nil
}

func (c *Coordinator) runSequential(ctx context.Context, rec *types.Execution, hops []types.Hop) error {
	rec.Mode = ModeSequential
	amount := rec.AmountIn
	var done []types.LegResult

	for i, h := range hops {
		k := i + 1
		rec.To(types.LegPending(k))

		leg := types.LegResult{PoolID: h.PoolID, TokenIn: h.TokenIn, TokenOut: h.TokenOut, AmountIn: amount}
		res, err := c.swap(ctx, SwapRequest{
			PoolID:   h.PoolID,
			TokenIn:  h.TokenIn,
			TokenOut: h.TokenOut,
			AmountIn: amount,
			Slippage: c.opts.Slippage,
		})
		if err != nil {
			leg.Error = err.Error()
			rec.Legs = append(rec.Legs, leg)
			rec.To(types.LegFailed(k))

			cause := fmt.Errorf("%w: leg %d on %s: %w", types.ErrExecutionFailed, k, h.PoolID, err)
			if len(done) == 0 {
				return cause
			}
			return c.recover(ctx, rec, done, cause)
		}

		leg.AmountOut = res.AmountOut
		leg.Signature = res.Signature
		rec.Legs = append(rec.Legs, leg)
		done = append(done, leg)
		rec.To(types.LegDone(k))
		amount = res.AmountOut
	}

	rec.AmountOut = amount
	rec.Profit = amount - rec.AmountIn
	rec.To(types.StateSuccess)
	return nil
}

// recover unwinds executed legs newest first, each on the same pool in the
// reverse direction, starting from the actual output of the last filled leg.
func (c *Coordinator) recover(ctx context.Context, rec *types.Execution, done []types.LegResult, cause error) error {
	rec.To(types.StateRecoveryPending)
	log.Warn().
		Err(cause).
		Str("path", rec.PathID).
		Int("legs_to_unwind", len(done)).
		Msg("Leg failed, unwinding executed legs")

	amount := done[len(done)-1].AmountOut
	for i := len(done) - 1; i >= 0; i-- {
		leg := done[i]
		unwind := types.LegResult{PoolID: leg.PoolID, TokenIn: leg.TokenOut, TokenOut: leg.TokenIn, AmountIn: amount}

		res, err := c.swap(ctx, SwapRequest{
			PoolID:        leg.PoolID,
			TokenIn:       leg.TokenOut,
			TokenOut:      leg.TokenIn,
			AmountIn:      amount,
			Slippage:      c.opts.RecoverySlippage,
			SkipPreflight: true,
		})
		if err != nil {
			unwind.Error = err.Error()
			rec.Recovery = append(rec.Recovery, unwind)
			rec.To(types.StateRecoveryFailed)
			log.Error().
				Str("alert", "recovery_failed").
				Str("path", rec.PathID).
				Str("execution_id", rec.ID).
				Str("stranded_token", leg.TokenOut).
				Float64("stranded_amount", amount).
				Str("pool", leg.PoolID).
				Err(err).
				Msg("ALERT: recovery failed, funds stranded; operator action required")
			return fmt.Errorf("%w: %w (unwinding %s on %s: %v)", types.ErrRecoveryFailed, cause, leg.TokenOut, leg.PoolID, err)
		}

		unwind.AmountOut = res.AmountOut
		unwind.Signature = res.Signature
		rec.Recovery = append(rec.Recovery, unwind)
		amount = res.AmountOut
	}

	rec.Recovered = amount
	rec.AmountOut = amount
	rec.NetLoss = rec.AmountIn - amount
	rec.Profit = -rec.NetLoss
	rec.To(types.StateRecovered)
	c.opts.Metrics.RecoveryLoss(rec.NetLoss)

	log.Warn().
		Str("path", rec.PathID).
		Float64("recovered", rec.Recovered).
		Float64("net_loss", rec.NetLoss).
		Msg("Position unwound")
	return cause
}

func (c *Coordinator) runAtomic(ctx context.Context, rec *types.Execution, hops []types.Hop) error {
	rec.Mode = ModeAtomic
	rec.To(types.StateAtomicPending)

	res, err := c.atomic.ExecuteAtomic(ctx, hops, rec.AmountIn, c.opts.Slippage)
	if err != nil {
		rec.To(types.StateAtomicFailed)
		return fmt.Errorf("%w: atomic route: %w", types.ErrExecutionFailed, err)
	}

	rec.Legs = res.Legs
	rec.AmountOut = res.AmountOut
	rec.Profit = res.AmountOut - rec.AmountIn
	rec.To(types.StateSuccess)
	return nil
}

func (c *Coordinator) swap(ctx context.Context, req SwapRequest) (SwapResult, error) {
	res, err := c.exec.ExecuteSwap(ctx, req)
	if err != nil {
		return SwapResult{}, err
	}
	if !(res.AmountOut > 0) {
		return SwapResult{}, fmt.Errorf("swap on %s filled nothing", req.PoolID)
	}
	return res, nil
}

func (c *Coordinator) finish(ctx context.Context, sig signal.Signal, rec *types.Execution, err error) (types.Execution, error) {
	rec.FinishedAt = c.now()
	if err != nil {
		rec.Error = err.Error()
	}
	c.opts.Metrics.Execution(string(rec.State))

	if herr := c.signals.Record(ctx, sig, string(rec.State), rec.Error); herr != nil {
		log.Warn().Err(herr).Str("execution_id", rec.ID).Msg("Failed to record signal outcome")
	}
	if c.recorder != nil {
		if rerr := c.recorder.RecordExecution(ctx, *rec); rerr != nil {
			log.Warn().Err(rerr).Str("execution_id", rec.ID).Msg("Failed to record execution")
		}
	}

	var ev *zerolog.Event
	switch {
	case rec.State == types.StateSuccess:
		ev = log.Info()
	case rec.State == types.StateRecoveryFailed:
		ev = log.Error()
	default:
		ev = log.Warn()
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Str("execution_id", rec.ID).
		Str("path", rec.PathID).
		Str("mode", rec.Mode).
		Str("state", string(rec.State)).
		Float64("amount_in", rec.AmountIn).
		Float64("amount_out", rec.AmountOut).
		Float64("profit", rec.Profit).
		Dur("took", rec.FinishedAt.Sub(rec.StartedAt)).
		Msg("Execution finished")

	return *rec, err
}

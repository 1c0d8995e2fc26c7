package execution

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/devlongs/dexarb/internal/arbitrage"
	"github.com/devlongs/dexarb/pkg/types"
)

// SwapRequest is a single swap on one pool
type SwapRequest struct {
	PoolID        string
	TokenIn       string
	TokenOut      string
	AmountIn      float64
	Slippage      float64 // fraction
	SkipPreflight bool
}

// SwapResult is a filled swap. AmountOut is what actually arrived.
type SwapResult struct {
	AmountOut float64
	Signature string
}

// TradeExecutor submits swaps. A non-nil error means the swap did not fill.
type TradeExecutor interface {
	ExecuteSwap(ctx context.Context, req SwapRequest) (SwapResult, error)
}

// AtomicResult is a filled all-or-nothing route
type AtomicResult struct {
	AmountOut float64
	Signature string
	Legs      []types.LegResult
}

// AtomicExecutor is implemented by executors that can run a whole route in
// one transaction. A failed route leaves no leg executed.
type AtomicExecutor interface {
	ExecuteAtomic(ctx context.Context, hops []types.Hop, amountIn, slippage float64) (AtomicResult, error)
}

// PaperExecutor fills swaps against the latest pool snapshots without
// touching the chain. Fills equal the constant-product quote. A swap whose
// fill is worse than the pool's spot rate by more than its slippage is
// rejected with ErrExcessiveSlippage; zero slippage accepts any fill.
type PaperExecutor struct {
	snaps arbitrage.Snapshotter
}

// NewPaperExecutor creates a dry-run executor
func NewPaperExecutor(snaps arbitrage.Snapshotter) *PaperExecutor {
	return &PaperExecutor{snaps: snaps}
}

func (p *PaperExecutor) ExecuteSwap(ctx context.Context, req SwapRequest) (SwapResult, error) {
	if err := ctx.Err(); err != nil {
		return SwapResult{}, err
	}
	out, err := p.quote(req.PoolID, req.TokenIn, req.TokenOut, req.AmountIn, req.Slippage)
	if err != nil {
		return SwapResult{}, err
	}
	return SwapResult{AmountOut: out, Signature: paperSignature()}, nil
}

// ExecuteAtomic reverts unless the route returns at least amountIn
func (p *PaperExecutor) ExecuteAtomic(ctx context.Context, hops []types.Hop, amountIn, slippage float64) (AtomicResult, error) {
	if err := ctx.Err(); err != nil {
		return AtomicResult{}, err
	}

	sig := paperSignature()
	legs := make([]types.LegResult, 0, len(hops))
	amount := amountIn
	for _, h := range hops {
		out, err := p.quote(h.PoolID, h.TokenIn, h.TokenOut, amount, slippage)
		if err != nil {
			return AtomicResult{}, fmt.Errorf("route reverted: %w", err)
		}
		legs = append(legs, types.LegResult{
			PoolID:    h.PoolID,
			TokenIn:   h.TokenIn,
			TokenOut:  h.TokenOut,
			AmountIn:  amount,
			AmountOut: out,
			Signature: sig,
		})
		amount = out
	}
	if amount < amountIn {
		return AtomicResult{}, fmt.Errorf("route reverted: returns %.6f for %.6f in", amount, amountIn)
	}
	return AtomicResult{AmountOut: amount, Signature: sig, Legs: legs}, nil
}

func (p *PaperExecutor) quote(poolID, tokenIn, tokenOut string, amountIn, slippage float64) (float64, error) {
	st, ok := p.snaps.Snapshot(poolID)
	if !ok {
		return 0, fmt.Errorf("pool %s: %w", poolID, types.ErrDataUnavailable)
	}
	if !st.Has(tokenIn) || !st.Has(tokenOut) || tokenIn == tokenOut {
		return 0, fmt.Errorf("pool %s does not trade %s for %s: %w", poolID, tokenIn, tokenOut, types.ErrInvalidHop)
	}
	rIn, rOut := st.ReservesFor(tokenIn)
	out := arbitrage.SwapOut(amountIn, rIn, rOut, st.FeeRate)
	if out <= 0 {
		return 0, fmt.Errorf("pool %s returns nothing for %.6f %s: %w", poolID, amountIn, tokenIn, types.ErrInvalidHop)
	}
	if slippage > 0 {
		spot := amountIn * rOut / rIn
		if floor := spot * (1 - slippage); out < floor {
			return 0, fmt.Errorf("pool %s fills %.6f %s, below %.6f at %.2f%% slippage: %w",
				poolID, out, tokenOut, floor, slippage*100, types.ErrExcessiveSlippage)
		}
	}
	return out, nil
}

func paperSignature() string {
	return "paper-" + uuid.NewString()
}

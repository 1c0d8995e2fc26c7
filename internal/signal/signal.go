// Package signal hands the chosen opportunity from detection to execution
// through a single-slot, last-write-wins mailbox.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/devlongs/dexarb/internal/config"
	"github.com/devlongs/dexarb/pkg/types"
)

// future timestamps within this skew are accepted
const clockSkew = time.Second

// Signal is the handoff document. Opportunity travels alongside it in process.
type Signal struct {
	Base            string  `json:"base"`
	Direction       string  `json:"direction"`
	ProfitPct       float64 `json:"profitPct"`
	TradeAmountBase float64 `json:"tradeAmountBase"`
	TimestampMs     int64   `json:"timestampMs"`

	Opportunity types.Opportunity `json:"-"`
}

// FromOpportunity builds the signal for opp
func FromOpportunity(opp types.Opportunity) Signal {
	return Signal{
		Base:            opp.Base,
		Direction:       opp.Direction,
		ProfitPct:       round(opp.ExpectedProfitPct, 6),
		TradeAmountBase: round(opp.TradeAmount, 6),
		TimestampMs:     opp.CreatedAt.UnixMilli(),
		Opportunity:     opp,
	}
}

func round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// Document encodes the signal surface
func (s Signal) Document() ([]byte, error) {
	return json.Marshal(s)
}

// Time returns the signal creation time
func (s Signal) Time() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// Limits bound what a consumer accepts
type Limits struct {
	MinProfitPct   float64
	MaxTradeAmount float64
	MaxAge         time.Duration
}

// LimitsFromConfig maps the execution config section
func LimitsFromConfig(cfg config.ExecutionConfig) Limits {
	return Limits{
		MinProfitPct:   cfg.MinSignalProfitPct,
		MaxTradeAmount: cfg.MaxTradeAmount,
		MaxAge:         cfg.SignalMaxAge,
	}
}

// Validation is the verdict on a signal; Error is empty when IsValid
type Validation struct {
	IsValid bool
	Error   string
}

func invalid(format string, args ...any) Validation {
	return Validation{Error: fmt.Sprintf(format, args...)}
}

// Channel is the mailbox. At most one signal is pending.
type Channel struct {
	limits  Limits
	history History
	now     func() time.Time

	mu      sync.Mutex
	pending *Signal
	notify  chan struct{}
}

// NewChannel creates an empty mailbox recording processed signals to history
func NewChannel(limits Limits, history History) *Channel {
	if history == nil {
		history = NewMemoryHistory(1000)
	}
	return &Channel{
		limits:  limits,
		history: history,
		now:     time.Now,
		notify:  make(chan struct{}, 1),
	}
}

// Write publishes opp, replacing any pending signal
func (c *Channel) Write(opp types.Opportunity) Signal {
	sig := FromOpportunity(opp)
	c.WriteSignal(sig)
	return sig
}

// WriteSignal replaces any pending signal with sig
func (c *Channel) WriteSignal(sig Signal) {
	c.mu.Lock()
	replaced := c.pending != nil
	c.pending = &sig
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}

	log.Info().
		Str("direction", sig.Direction).
		Float64("profit_pct", sig.ProfitPct).
		Float64("trade_amount", sig.TradeAmountBase).
		Bool("replaced", replaced).
		Msg("Signal written")
}

// Clear drops the pending signal, reporting whether there was one
func (c *Channel) Clear() bool {
	c.mu.Lock()
	had := c.pending != nil
	c.pending = nil
	c.mu.Unlock()

	if had {
		log.Info().Msg("Signal cleared (no opportunity)")
	}
	return had
}

// Take removes and returns the pending signal
func (c *Channel) Take() (Signal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return Signal{}, false
	}
	sig := *c.pending
	c.pending = nil
	return sig, true
}

// Pending returns the pending signal without consuming it
func (c *Channel) Pending() (Signal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return Signal{}, false
	}
	return *c.pending, true
}

// Wait blocks until a signal is pending and takes it
func (c *Channel) Wait(ctx context.Context) (Signal, error) {
	for {
		if sig, ok := c.Take(); ok {
			return sig, nil
		}
		select {
		case <-ctx.Done():
			return Signal{}, ctx.Err()
		case <-c.notify:
		}
	}
}

// Validate checks sig against the channel's limits
func (c *Channel) Validate(sig Signal) Validation {
	return validate(sig, c.limits, c.now())
}

// ValidateAndParse decodes a signal document and validates it. It never
// fails with an error; problems are reported in the Validation.
func (c *Channel) ValidateAndParse(doc []byte) (Signal, Validation) {
	var sig Signal
	if err := json.Unmarshal(doc, &sig); err != nil {
		return Signal{}, invalid("malformed signal: %v", err)
	}
	return sig, c.Validate(sig)
}

func validate(sig Signal, l Limits, now time.Time) Validation {
	switch {
	case sig.Base == "":
		return invalid("missing base")
	case sig.Direction == "":
		return invalid("missing direction")
	case sig.TimestampMs <= 0:
		return invalid("missing timestampMs")
	case math.IsNaN(sig.ProfitPct) || math.IsInf(sig.ProfitPct, 0):
		return invalid("profitPct is not a number")
	case !(sig.TradeAmountBase > 0) || math.IsInf(sig.TradeAmountBase, 0):
		return invalid("tradeAmountBase must be positive, got %v", sig.TradeAmountBase)
	}

	if sig.ProfitPct < l.MinProfitPct {
		return invalid("profit %.4f%% below minimum %.4f%%", sig.ProfitPct, l.MinProfitPct)
	}
	if l.MaxTradeAmount > 0 && sig.TradeAmountBase > l.MaxTradeAmount {
		return invalid("trade amount %v above maximum %v", sig.TradeAmountBase, l.MaxTradeAmount)
	}

	age := now.Sub(sig.Time())
	if age < -clockSkew {
		return invalid("signal timestamp %s is in the future", sig.Time().Format(time.RFC3339Nano))
	}
	if l.MaxAge > 0 && age > l.MaxAge {
		return invalid("signal age %s exceeds %s", age.Round(time.Millisecond), l.MaxAge)
	}
	return Validation{IsValid: true}
}

// Record appends a processed signal and its outcome to history
func (c *Channel) Record(ctx context.Context, sig Signal, outcome, detail string) error {
	e := Entry{
		Signal:  sig,
		Outcome: outcome,
		Detail:  detail,
		At:      c.now(),
	}
	if err := c.history.Append(ctx, e); err != nil {
		return fmt.Errorf("failed to append signal history: %w", err)
	}
	return nil
}

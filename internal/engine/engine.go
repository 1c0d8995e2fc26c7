// Package engine is the detection loop: it wakes on pushed price updates,
// simulates every candidate path, ranks the results and keeps the signal
// channel pointing at the best executable opportunity.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devlongs/dexarb/internal/arbitrage"
	"github.com/devlongs/dexarb/internal/config"
	"github.com/devlongs/dexarb/internal/marketdata"
	"github.com/devlongs/dexarb/internal/output"
	"github.com/devlongs/dexarb/internal/signal"
	"github.com/devlongs/dexarb/pkg/types"
)

const defaultStatsInterval = 30 * time.Second

// Snapshots lists every known pool state, for spread diagnostics
type Snapshots interface {
	Snapshots() []types.PoolState
}

// Deps are the collaborators of an Engine. Exclusion, Sink and Snapshots
// may be nil.
type Deps struct {
	Paths     []types.Path
	Simulator *arbitrage.Simulator
	Ranker    *arbitrage.Ranker
	Signals   *signal.Channel
	Exclusion arbitrage.Exclusion
	Sink      output.Sink
	Logger    *output.Logger
	Snapshots Snapshots

	StatsInterval time.Duration
}

// Engine runs scans
type Engine struct {
	Deps
}

// New creates an engine
func New(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = output.NewLogger(config.LoggingConfig{})
	}
	if d.StatsInterval <= 0 {
		d.StatsInterval = defaultStatsInterval
	}
	return &Engine{Deps: d}
}

// Run scans once at start and then after every burst of price updates.
// Updates arriving while a scan runs are coalesced into the next scan.
func (e *Engine) Run(ctx context.Context, updates <-chan marketdata.PriceUpdate) error {
	log.Info().Int("paths", len(e.Paths)).Msg("Detection engine started")

	e.Scan(ctx, "startup")

	statsTicker := time.NewTicker(e.StatsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down detection engine...")
			return nil

		case <-statsTicker.C:
			e.Logger.LogStats()

		case u, ok := <-updates:
			if !ok {
				log.Info().Msg("Price updates closed, detection engine stopping")
				return nil
			}
			pools := coalesce(u, updates)
			e.Scan(ctx, triggerFor(pools))
		}
	}
}

// coalesce drains updates already queued behind first
func coalesce(first marketdata.PriceUpdate, updates <-chan marketdata.PriceUpdate) []string {
	seen := map[string]bool{first.PoolID: true}
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return keys(seen)
			}
			seen[u.PoolID] = true
		default:
			return keys(seen)
		}
	}
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func triggerFor(pools []string) string {
	if len(pools) == 1 {
		return "update:" + pools[0]
	}
	return fmt.Sprintf("updates:%s+%d", pools[0], len(pools)-1)
}

// Scan simulates every path once and publishes or withdraws the signal
func (e *Engine) Scan(ctx context.Context, trigger string) (types.Opportunity, bool) {
	start := time.Now()

	results := e.Simulator.SimulateAllPaths(e.Paths)
	opp, found := e.Ranker.Rank(results, e.Exclusion)
	stats := arbitrage.PathStatistics(results)

	if found {
		e.Signals.Write(opp)
		e.Logger.LogOpportunity(opp)
	} else {
		if e.Signals.Clear() {
			e.Logger.LogSignalCleared()
		}
		if e.Snapshots != nil {
			arbitrage.LogSpreads(e.Snapshots.Snapshots())
		}
	}

	if e.Sink != nil {
		if err := e.Sink.RecordSimulations(ctx, results); err != nil {
			log.Warn().Err(err).Msg("Failed to record simulations")
		}
	}

	e.Logger.LogScanComplete(trigger, stats.Total, stats.Executable, time.Since(start))
	if !found && stats.Total > 0 {
		log.Debug().
			Interface("failures", stats.FailureReasons).
			Float64("bestProfitPct", stats.BestProfitPct).
			Msg("No executable path")
	}
	return opp, found
}

package output

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/devlongs/dexarb/internal/config"
	"github.com/devlongs/dexarb/pkg/types"
)

// Logger handles output formatting for scans, signals and executions
type Logger struct {
	mu    sync.Mutex
	stats Stats
}

// Stats tracks detection and execution statistics
type Stats struct {
	Scans              uint64
	PathsSimulated     uint64
	OpportunitiesFound uint64
	SignalsCleared     uint64
	Executions         map[types.ExecutionState]uint64
	TotalProfit        decimal.Decimal // base token units, realised by SUCCESS
	TotalRecoveryLoss  decimal.Decimal
	StartTime          time.Time
}

// Setup configures the global zerolog logger
func Setup(cfg config.LoggingConfig) {
	switch cfg.Format {
	case "json":
		// Default JSON output
	case "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	switch cfg.Level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}
}

// NewLogger configures logging and starts the stats clock
func NewLogger(cfg config.LoggingConfig) *Logger {
	Setup(cfg)
	return &Logger{
		stats: Stats{
			Executions: make(map[types.ExecutionState]uint64),
			StartTime:  time.Now(),
		},
	}
}

// LogScanComplete logs one detection pass
func (l *Logger) LogScanComplete(trigger string, paths, executable int, duration time.Duration) {
	l.mu.Lock()
	l.stats.Scans++
	l.stats.PathsSimulated += uint64(paths)
	l.mu.Unlock()

	log.Debug().
		Str("trigger", trigger).
		Int("paths", paths).
		Int("executable", executable).
		Dur("duration", duration).
		Msg("Scan complete")
}

// LogOpportunity logs the opportunity chosen for a signal
func (l *Logger) LogOpportunity(opp types.Opportunity) {
	l.mu.Lock()
	l.stats.OpportunitiesFound++
	l.mu.Unlock()

	log.Info().
		Str("id", opp.ID).
		Str("path", buildPathString(opp.Path.Hops)).
		Str("direction", opp.Direction).
		Int("hops", len(opp.Path.Hops)).
		Str("expectedProfit", formatAmount(opp.ExpectedProfit)).
		Float64("profitPct", opp.ExpectedProfitPct).
		Float64("tradeAmount", opp.TradeAmount).
		Bool("optimal", opp.Optimal).
		Msg("OPPORTUNITY DETECTED")
}

// LogSignalCleared counts scans that withdrew a pending signal
func (l *Logger) LogSignalCleared() {
	l.mu.Lock()
	l.stats.SignalsCleared++
	l.mu.Unlock()
}

// RecordSimulations logs every simulated path at debug level
func (l *Logger) RecordSimulations(_ context.Context, results []types.SimulationResult) error {
	for i := range results {
		r := &results[i]
		ev := log.Debug().
			Str("path", r.Path.ID).
			Int("hops", len(r.Path.Hops)).
			Float64("netProfitPct", r.NetProfitPct).
			Float64("priceImpact", r.TotalPriceImpact).
			Float64("minLiquidityUSD", r.MinLiquidityUSD).
			Bool("executable", r.IsExecutable)
		if !r.IsExecutable {
			ev = ev.Str("failure", string(r.FailureKind)).Str("reason", r.FailureReason)
		}
		ev.Msg("Path simulated")
	}
	return nil
}

// RecordExecution updates the execution stats
func (l *Logger) RecordExecution(_ context.Context, e types.Execution) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.Executions[e.State]++
	switch e.State {
	case types.StateSuccess:
		l.stats.TotalProfit = l.stats.TotalProfit.Add(decimal.NewFromFloat(e.Profit))
	case types.StateRecovered:
		l.stats.TotalRecoveryLoss = l.stats.TotalRecoveryLoss.Add(decimal.NewFromFloat(e.NetLoss))
	}
	return nil
}

// Close is a no-op; the logger keeps nothing buffered
func (l *Logger) Close(context.Context) error {
	return nil
}

// LogStats logs current statistics
func (l *Logger) LogStats() {
	s := l.GetStats()
	elapsed := time.Since(s.StartTime)
	scansPerSec := float64(s.Scans) / elapsed.Seconds()

	execs := zerolog.Dict()
	for state, n := range s.Executions {
		execs = execs.Uint64(string(state), n)
	}

	log.Info().
		Uint64("scans", s.Scans).
		Uint64("pathsSimulated", s.PathsSimulated).
		Uint64("opportunitiesFound", s.OpportunitiesFound).
		Uint64("signalsCleared", s.SignalsCleared).
		Dict("executions", execs).
		Str("totalProfit", s.TotalProfit.StringFixed(6)).
		Str("totalRecoveryLoss", s.TotalRecoveryLoss.StringFixed(6)).
		Float64("scansPerSec", scansPerSec).
		Dur("uptime", elapsed).
		Msg("dexarb stats")
}

// LogError logs an error
func (l *Logger) LogError(err error, context string) {
	log.Error().
		Err(err).
		Str("context", context).
		Msg("Error occurred")
}

// GetStats returns a copy of the current statistics
func (l *Logger) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stats
	s.Executions = make(map[types.ExecutionState]uint64, len(l.stats.Executions))
	for k, v := range l.stats.Executions {
		s.Executions[k] = v
	}
	return s
}

// formatAmount renders a base-token amount with 6 decimal places
func formatAmount(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(6)
}

// buildPathString creates a human-readable path string showing token flow
func buildPathString(hops []types.Hop) string {
	if len(hops) == 0 {
		return ""
	}

	tokens := make([]string, 0, len(hops)+1)
	tokens = append(tokens, hops[0].TokenIn)
	for _, h := range hops {
		tokens = append(tokens, h.TokenOut)
	}
	return strings.Join(tokens, " -> ")
}

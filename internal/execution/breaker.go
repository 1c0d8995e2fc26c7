package execution

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/devlongs/dexarb/internal/metrics"
	"github.com/devlongs/dexarb/pkg/types"
)

// Breaker halts new trades after a run of consecutive failed executions.
// It stays open until Resume is called.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
	open      bool
	metrics   *metrics.Metrics
}

// NewBreaker opens after threshold consecutive failures; threshold <= 0 never opens
func NewBreaker(threshold int, m *metrics.Metrics) *Breaker {
	return &Breaker{threshold: threshold, metrics: m}
}

// Allow reports whether a new trade may start
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open
}

// Record feeds a final execution state. Rejections do not count either way.
func (b *Breaker) Record(state types.ExecutionState) {
	if state == types.StateRejected {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !state.IsFailure() {
		b.failures = 0
		return
	}

	b.failures++
	if b.threshold > 0 && b.failures >= b.threshold && !b.open {
		b.open = true
		b.metrics.CircuitOpen(true)
		log.Error().
			Int("consecutive_failures", b.failures).
			Str("last_state", string(state)).
			Msg("Circuit breaker open, new trades halted until resumed")
	}
}

// Resume closes the breaker and clears the failure run
func (b *Breaker) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		log.Info().Msg("Circuit breaker resumed")
	}
	b.open = false
	b.failures = 0
	b.metrics.CircuitOpen(false)
}

// Open reports whether trades are halted
func (b *Breaker) Open() bool {
	return !b.Allow()
}

// Failures returns the current run of consecutive failures
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

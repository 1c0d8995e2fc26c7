package arbitrage

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/dexarb/pkg/types"
)

// Exclusion reports paths that are currently executing
type Exclusion interface {
	Held(pathID string) bool
}

// Ranker turns a scan's results into at most one opportunity and keeps a
// running histogram of why paths fail.
type Ranker struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	scans     int
	histogram map[string]int
}

// NewRanker creates a ranker whose opportunities expire after ttl
func NewRanker(ttl time.Duration) *Ranker {
	return &Ranker{ttl: ttl, now: time.Now, histogram: make(map[string]int)}
}

// Rank sorts results in place and returns the best executable opportunity
// whose path is not held by excl. excl may be nil.
func (r *Ranker) Rank(results []types.SimulationResult, excl Exclusion) (types.Opportunity, bool) {
	SortResults(results)

	r.mu.Lock()
	r.scans++
	for _, res := range results {
		if !res.IsExecutable {
			r.histogram[string(res.FailureKind)]++
		}
	}
	r.mu.Unlock()

	for _, res := range results {
		if !res.IsExecutable {
			continue
		}
		if excl != nil && excl.Held(res.Path.ID) {
			log.Debug().Str("path", res.Path.ID).Msg("Skipping path already executing")
			continue
		}
		return r.opportunity(res), true
	}
	return types.Opportunity{}, false
}

func (r *Ranker) opportunity(res types.SimulationResult) types.Opportunity {
	return types.Opportunity{
		ID:                uuid.NewString(),
		PathID:            res.Path.ID,
		Path:              res.Path,
		Base:              res.Path.BaseToken(),
		Direction:         res.Path.Direction(),
		ExpectedProfit:    res.NetProfit,
		ExpectedProfitPct: res.NetProfitPct,
		TradeAmount:       res.InitialAmount,
		Optimal:           res.Optimal,
		CreatedAt:         r.now(),
		TTL:               r.ttl,
	}
}

// Histogram returns the cumulative failure counts by kind
func (r *Ranker) Histogram() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.histogram))
	for k, v := range r.histogram {
		out[k] = v
	}
	return out
}

// Scans returns how many result sets were ranked
func (r *Ranker) Scans() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scans
}

package rpcpool

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Run periodically decays rate-limit counters and probes unhealthy endpoints
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.checkHealth(ctx)
		}
	}
}

func (o *Orchestrator) checkHealth(ctx context.Context) {
	now := o.clock.Now()

	var probe []*endpointState
	o.mu.Lock()
	for _, ep := range o.endpoints {
		s := &ep.stats
		if s.RateLimitHits > 0 && now.Sub(s.LastRateLimit) >= rateLimitDecay {
			s.RateLimitHits = 0
		}
		if !s.Healthy && now.Sub(s.LastSuccess) >= probeAfter {
			probe = append(probe, ep)
		}
	}
	o.mu.Unlock()

	for _, ep := range probe {
		o.probe(ctx, ep)
	}
}

func (o *Orchestrator) probe(ctx context.Context, ep *endpointState) {
	pctx := ctx
	if o.attemptTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, o.attemptTimeout)
		defer cancel()
	}

	conn, err := o.connFor(pctx, ep)
	if err == nil {
		_, err = conn.BlockNumber(pctx)
	}
	if err != nil {
		log.Debug().Err(err).Str("endpoint", ep.stats.URL).Msg("Health probe failed")
		return
	}

	o.mu.Lock()
	ep.stats.Healthy = true
	ep.stats.Errors = 0
	ep.stats.LastSuccess = o.clock.Now()
	o.mu.Unlock()

	o.metrics.EndpointHealth(ep.stats.URL, true)
	log.Info().Str("endpoint", ep.stats.URL).Msg("Endpoint recovered")
}

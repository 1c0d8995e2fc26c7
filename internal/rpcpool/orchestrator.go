// Package rpcpool spreads chain calls over a weighted set of RPC endpoints,
// retrying through rate limits and timeouts and tracking endpoint health.
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devlongs/dexarb/internal/config"
	"github.com/devlongs/dexarb/internal/metrics"
	pkgtypes "github.com/devlongs/dexarb/pkg/types"
)

const (
	// endpoints that hit a rate limit within this window are skipped by selection
	rateLimitWindow = 5 * time.Second
	// rate limit counters older than this are forgotten
	rateLimitDecay = 60 * time.Second
	// unhealthy endpoints without a success for this long get probed
	probeAfter = 60 * time.Second

	unhealthyMinErrors = 10
	unhealthyErrorRate = 0.5
)

// Op is one unit of work run against a selected endpoint's connection
type Op func(ctx context.Context, conn Conn) error

// Options configure an Orchestrator
type Options struct {
	Policy         Policy
	AttemptTimeout time.Duration
	HealthInterval time.Duration
	Dialer         Dialer
	Clock          Clock
	Metrics        *metrics.Metrics
}

// Orchestrator owns the endpoint set
type Orchestrator struct {
	policy         Policy
	attemptTimeout time.Duration
	healthInterval time.Duration
	dial           Dialer
	clock          Clock
	metrics        *metrics.Metrics

	mu           sync.Mutex
	endpoints    []*endpointState // weight descending
	backoffUntil time.Time
}

// New builds an orchestrator over endpoints. Connections are dialed lazily.
func New(endpoints []Endpoint, opts Options) (*Orchestrator, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("rpcpool: no endpoints configured")
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultPolicy()
	}
	if opts.Dialer == nil {
		opts.Dialer = DialEth
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 15 * time.Second
	}

	o := &Orchestrator{
		policy:         opts.Policy,
		attemptTimeout: opts.AttemptTimeout,
		healthInterval: opts.HealthInterval,
		dial:           opts.Dialer,
		clock:          opts.Clock,
		metrics:        opts.Metrics,
	}

	for _, ep := range endpoints {
		if ep.URL == "" {
			return nil, errors.New("rpcpool: endpoint url is required")
		}
		if ep.Type == "" {
			ep.Type = TypeHTTP
		}
		o.endpoints = append(o.endpoints, &endpointState{stats: EndpointStats{Endpoint: ep, Healthy: true}})
		o.metrics.EndpointHealth(ep.URL, true)
	}
	sort.SliceStable(o.endpoints, func(i, j int) bool {
		return o.endpoints[i].stats.Weight > o.endpoints[j].stats.Weight
	})

	return o, nil
}

// FromConfig builds an orchestrator from the rpc config section
func FromConfig(cfg config.RPCConfig, m *metrics.Metrics) (*Orchestrator, error) {
	eps := make([]Endpoint, 0, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		eps = append(eps, Endpoint{URL: e.URL, Weight: e.Weight, Type: EndpointType(e.Type)})
	}

	p := DefaultPolicy()
	p.MaxAttempts = cfg.MaxAttempts
	if cfg.BaseBackoff > 0 {
		p.BaseBackoff = cfg.BaseBackoff
	}
	if cfg.RetryDelay > 0 {
		p.RetryDelay = cfg.RetryDelay
	}

	return New(eps, Options{
		Dialer:         CheckChain(DialEth, cfg.ChainID),
		Policy:         p,
		AttemptTimeout: cfg.AttemptTimeout,
		HealthInterval: cfg.HealthInterval,
		Metrics:        m,
	})
}

// Execute runs op against the best available endpoint, retrying per policy.
// After the last attempt it fails with ErrRPCPermanent wrapping the last cause.
func (o *Orchestrator) Execute(ctx context.Context, name string, op Op) error {
	return o.execute(ctx, name, "", op)
}

// ExecuteStreaming is Execute restricted to ws endpoints, for subscriptions
func (o *Orchestrator) ExecuteStreaming(ctx context.Context, name string, op Op) error {
	return o.execute(ctx, name, TypeWS, op)
}

func (o *Orchestrator) execute(ctx context.Context, name string, want EndpointType, op Op) error {
	var (
		lastErr error
		lastURL string
		tried   int
	)

	for attempt := 1; attempt <= o.policy.MaxAttempts; attempt++ {
		if err := o.waitBackoff(ctx); err != nil {
			return err
		}

		ep := o.selectEndpoint(want)
		if ep == nil {
			return fmt.Errorf("%w: %s: no %s endpoint configured", pkgtypes.ErrRPCPermanent, name, want)
		}
		tried = attempt

		start := o.clock.Now()
		err := o.attempt(ctx, ep, op)
		elapsed := o.clock.Now().Sub(start)

		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		kind := Classify(err)
		o.record(ep, kind, elapsed)
		if kind == KindNone {
			return nil
		}
		lastErr, lastURL = err, ep.stats.URL

		d := Decide(attempt, kind, o.policy)
		log.Warn().
			Err(err).
			Str("op", name).
			Str("endpoint", lastURL).
			Str("kind", kind.String()).
			Int("attempt", attempt).
			Dur("delay", d.Delay).
			Msg("RPC attempt failed")

		if !d.Retry {
			break
		}
		if kind == KindRateLimit {
			o.extendBackoff(o.clock.Now().Add(d.Delay))
			continue
		}
		if err := o.clock.Sleep(ctx, d.Delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: %s failed after %d attempts (last endpoint %s): %w",
		pkgtypes.ErrRPCPermanent, name, tried, lastURL, lastErr)
}

func (o *Orchestrator) attempt(ctx context.Context, ep *endpointState, op Op) error {
	actx := ctx
	if o.attemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, o.attemptTimeout)
		defer cancel()
	}

	conn, err := o.connFor(actx, ep)
	if err != nil {
		return err
	}
	return op(actx, conn)
}

// connFor dials the endpoint on first use
func (o *Orchestrator) connFor(ctx context.Context, ep *endpointState) (Conn, error) {
	ep.dialMu.Lock()
	defer ep.dialMu.Unlock()

	if ep.conn != nil {
		return ep.conn, nil
	}
	conn, err := o.dial(ctx, ep.stats.URL)
	if err != nil {
		return nil, err
	}
	ep.conn = conn
	return conn, nil
}

// selectEndpoint prefers the highest weight endpoint that is healthy and has
// not been rate limited recently, falling back to the highest weight overall.
func (o *Orchestrator) selectEndpoint(want EndpointType) *endpointState {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()
	var fallback *endpointState
	for _, ep := range o.endpoints {
		if want != "" && ep.stats.Type != want {
			continue
		}
		if fallback == nil {
			fallback = ep
		}
		if ep.stats.Healthy && !ep.rateLimitedWithin(now, rateLimitWindow) {
			return ep
		}
	}
	return fallback
}

func (o *Orchestrator) waitBackoff(ctx context.Context) error {
	o.mu.Lock()
	until := o.backoffUntil
	o.mu.Unlock()

	if wait := until.Sub(o.clock.Now()); wait > 0 {
		return o.clock.Sleep(ctx, wait)
	}
	return ctx.Err()
}

func (o *Orchestrator) extendBackoff(until time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if until.After(o.backoffUntil) {
		o.backoffUntil = until
	}
}

func (o *Orchestrator) record(ep *endpointState, kind ErrorKind, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := &ep.stats
	now := o.clock.Now()

	s.Requests++
	// running mean
	s.AvgResponseTime += (elapsed - s.AvgResponseTime) / time.Duration(s.Requests)
	o.metrics.RPCAttempt(s.URL, elapsed)

	switch kind {
	case KindNone:
		s.LastSuccess = now
		return
	case KindRateLimit:
		s.RateLimitHits++
		s.LastRateLimit = now
	case KindOther:
		s.Errors++
	}
	o.metrics.RPCError(s.URL, kind.String())

	if s.Healthy && s.Errors > unhealthyMinErrors && float64(s.Errors) > unhealthyErrorRate*float64(s.Requests) {
		s.Healthy = false
		o.metrics.EndpointHealth(s.URL, false)
		log.Warn().
			Str("endpoint", s.URL).
			Uint64("errors", s.Errors).
			Uint64("requests", s.Requests).
			Msg("Endpoint marked unhealthy")
	}
}

// Stats returns a snapshot of every endpoint's counters
func (o *Orchestrator) Stats() []EndpointStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]EndpointStats, len(o.endpoints))
	for i, ep := range o.endpoints {
		out[i] = ep.stats
	}
	return out
}

// Close drops every open connection
func (o *Orchestrator) Close() {
	for _, ep := range o.endpoints {
		ep.dialMu.Lock()
		if ep.conn != nil {
			ep.conn.Close()
			ep.conn = nil
		}
		ep.dialMu.Unlock()
	}
}

// Package metrics exposes Prometheus collectors for the RPC layer, market
// data ingestion and execution. Every method is safe on a nil *Metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics groups all collectors
type Metrics struct {
	rpcRequests     *prometheus.CounterVec
	rpcErrors       *prometheus.CounterVec
	rpcLatency      *prometheus.HistogramVec
	endpointHealthy *prometheus.GaugeVec
	priceUpdates    *prometheus.CounterVec
	pathsSimulated  *prometheus.CounterVec
	executions      *prometheus.CounterVec
	recoveryLoss    prometheus.Counter
	breakerOpen     prometheus.Gauge
	gatherer        prometheus.Gatherer
}

// New registers all collectors on reg
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexarb", Subsystem: "rpc", Name: "requests_total",
			Help: "RPC attempts per endpoint.",
		}, []string{"endpoint"}),
		rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexarb", Subsystem: "rpc", Name: "errors_total",
			Help: "RPC failures per endpoint and kind.",
		}, []string{"endpoint", "kind"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dexarb", Subsystem: "rpc", Name: "latency_seconds",
			Help:    "RPC attempt latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"endpoint"}),
		endpointHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dexarb", Subsystem: "rpc", Name: "endpoint_healthy",
			Help: "1 when the endpoint is marked healthy.",
		}, []string{"endpoint"}),
		priceUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexarb", Subsystem: "marketdata", Name: "price_updates_total",
			Help: "Pushed pool state changes.",
		}, []string{"pool"}),
		pathsSimulated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexarb", Subsystem: "arbitrage", Name: "paths_simulated_total",
			Help: "Simulated paths by failure kind (empty when executable).",
		}, []string{"failure"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dexarb", Subsystem: "execution", Name: "outcomes_total",
			Help: "Execution attempts by final state.",
		}, []string{"outcome"}),
		recoveryLoss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dexarb", Subsystem: "execution", Name: "recovery_loss_base_total",
			Help: "Bounded losses realised by recovered executions, in base token units.",
		}),
		breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dexarb", Subsystem: "execution", Name: "circuit_open",
			Help: "1 while new trades are halted.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.rpcRequests, m.rpcErrors, m.rpcLatency, m.endpointHealthy,
		m.priceUpdates, m.pathsSimulated, m.executions, m.recoveryLoss, m.breakerOpen,
	)
	return m
}

func (m *Metrics) RPCAttempt(endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(endpoint).Inc()
	m.rpcLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) RPCError(endpoint, kind string) {
	if m == nil {
		return
	}
	m.rpcErrors.WithLabelValues(endpoint, kind).Inc()
}

func (m *Metrics) EndpointHealth(endpoint string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.endpointHealthy.WithLabelValues(endpoint).Set(v)
}

func (m *Metrics) PriceUpdate(pool string) {
	if m == nil {
		return
	}
	m.priceUpdates.WithLabelValues(pool).Inc()
}

func (m *Metrics) PathSimulated(failure string) {
	if m == nil {
		return
	}
	m.pathsSimulated.WithLabelValues(failure).Inc()
}

func (m *Metrics) Execution(outcome string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecoveryLoss(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.recoveryLoss.Add(amount)
}

func (m *Metrics) CircuitOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.breakerOpen.Set(1)
	} else {
		m.breakerOpen.Set(0)
	}
}

// Serve exposes /metrics until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

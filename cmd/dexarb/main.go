package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/devlongs/dexarb/internal/arbitrage"
	s3blob "github.com/devlongs/dexarb/internal/blob/s3"
	"github.com/devlongs/dexarb/internal/config"
	"github.com/devlongs/dexarb/internal/decoder"
	"github.com/devlongs/dexarb/internal/engine"
	"github.com/devlongs/dexarb/internal/execution"
	"github.com/devlongs/dexarb/internal/marketdata"
	"github.com/devlongs/dexarb/internal/metrics"
	"github.com/devlongs/dexarb/internal/output"
	"github.com/devlongs/dexarb/internal/pathgen"
	"github.com/devlongs/dexarb/internal/registry"
	"github.com/devlongs/dexarb/internal/rpcpool"
	"github.com/devlongs/dexarb/internal/signal"
	"github.com/devlongs/dexarb/internal/store/postgres"
	redisstore "github.com/devlongs/dexarb/internal/store/redis"
)

// shutdownTimeout bounds the final audit flush
const shutdownTimeout = 15 * time.Second

// App wires the detector and the executor
type App struct {
	cfg         *config.Config
	metrics     *metrics.Metrics
	rpc         *rpcpool.Orchestrator
	registry    *registry.Registry
	stream      *marketdata.Stream
	engine      *engine.Engine
	coordinator *execution.Coordinator
	logger      *output.Logger
	sink        output.Sink

	closers []func()
}

// NewApp creates every component from cfg
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: metrics.New(prometheus.NewRegistry()),
		logger:  output.NewLogger(cfg.Logging),
	}

	reg, err := registry.FromConfig(cfg.Pools)
	if err != nil {
		return nil, err
	}
	a.registry = reg

	rpc, err := rpcpool.FromConfig(cfg.RPC, a.metrics)
	if err != nil {
		return nil, err
	}
	a.rpc = rpc
	a.closers = append(a.closers, rpc.Close)

	a.stream = marketdata.New(rpc, reg, decoder.Default(),
		marketdata.OptionsFromConfig(cfg.MarketData, cfg.Arbitrage.BaseToken, a.metrics))

	sinks := []output.Sink{a.logger}
	history := []signal.History{signal.NewMemoryHistory(1000)}
	var locks execution.PathLocks

	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pg, err := postgres.New(ctx, postgres.ClientConfig{DSN: dsn})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.RunMigrations(ctx); err != nil {
			a.Close()
			return nil, err
		}
		sinks = append(sinks, postgres.NewAuditStore(pg.Pool()))
		log.Info().Msg("Postgres audit store enabled")
	}

	if bucket := cfg.Storage.S3Bucket; bucket != "" {
		blob, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:  cfg.Storage.S3Endpoint,
			Region:    cfg.Storage.S3Region,
			Bucket:    bucket,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		sinks = append(sinks, s3blob.NewArchive(blob, cfg.Storage.S3Prefix, cfg.Storage.S3BatchSize))
		log.Info().Str("bucket", bucket).Msg("S3 audit archive enabled")
	}

	if addr := cfg.Storage.RedisAddr; addr != "" {
		rdb, err := redisstore.New(ctx, redisstore.ClientConfig{
			Addr:     addr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		history = append(history, redisstore.NewStreamHistory(rdb, cfg.Storage.HistoryStream))
		locks = redisstore.NewPathLocks(rdb, redisstore.DefaultLockTTL)
		log.Info().Str("addr", addr).Msg("Redis signal history and path locks enabled")
	}

	a.sink = output.Multi(sinks...)
	signals := signal.NewChannel(signal.LimitsFromConfig(cfg.Execution), signal.Tee(history...))

	var exclusion arbitrage.Exclusion
	if cfg.Execution.Enabled {
		if !cfg.Execution.DryRun {
			a.Close()
			return nil, errors.New("live execution needs an external trade executor; set execution.dry_run=true")
		}
		a.coordinator = execution.NewCoordinator(
			execution.NewPaperExecutor(a.stream),
			signals,
			locks,
			a.sink,
			execution.OptionsFromConfig(cfg.Execution, a.metrics),
		)
		exclusion = a.coordinator
	}

	paths := pathgen.New(reg.All()).Generate(cfg.Arbitrage.BaseToken, cfg.Arbitrage.MaxHops)
	a.engine = engine.New(engine.Deps{
		Paths:     paths,
		Simulator: arbitrage.NewSimulator(a.stream, arbitrage.ParamsFromConfig(cfg.Arbitrage, cfg.MarketData.MaxQuoteAge), a.metrics),
		Ranker:    arbitrage.NewRanker(cfg.Execution.SignalTTL),
		Signals:   signals,
		Exclusion: exclusion,
		Sink:      a.sink,
		Logger:    a.logger,
		Snapshots: a.stream,
	})

	return a, nil
}

// Run subscribes to every pool and runs detection and execution until ctx is
// cancelled. Shutdown unsubscribes first, then lets in-flight executions
// finish, then flushes stats and audit records.
func (a *App) Run(ctx context.Context) error {
	log.Info().
		Int("pools", a.registry.Len()).
		Str("base", a.cfg.Arbitrage.BaseToken).
		Bool("execution", a.coordinator != nil).
		Msg("Starting dexarb...")

	if err := a.stream.SubscribeAll(ctx, a.registry.IDs()); err != nil {
		// pools that failed stay out of scans as DataUnavailable
		log.Warn().Err(err).Msg("Some pools failed to subscribe")
	}
	updates, stopListening := a.stream.Listen(a.cfg.MarketData.ListenerBuffer)
	defer stopListening()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.rpc.Run(gctx) })
	if addr := a.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error { return a.metrics.Serve(gctx, addr) })
	}
	g.Go(func() error { return a.engine.Run(gctx, updates) })
	if a.coordinator != nil {
		g.Go(func() error { return a.coordinator.Run(gctx) })

		hup := make(chan os.Signal, 1)
		ossignal.Notify(hup, syscall.SIGHUP)
		defer ossignal.Stop(hup)
		g.Go(func() error { return resumeOnSignal(gctx, hup, a.coordinator) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Unsubscribing from all pools...")
		return a.stream.Close()
	})

	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.logger.LogStats()
	if cerr := a.sink.Close(flushCtx); cerr != nil {
		a.logger.LogError(cerr, "audit flush")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type resumer interface {
	Halted() bool
	Resume()
}

// resumeOnSignal closes an open circuit breaker each time hup fires
func resumeOnSignal(ctx context.Context, hup <-chan os.Signal, r resumer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if !r.Halted() {
				log.Info().Msg("SIGHUP received, trading is not halted")
				continue
			}
			log.Warn().Msg("SIGHUP received, resuming trading")
			r.Resume()
		}
	}
}

// Close releases connections in reverse order of creation
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}
	defer app.Close()

	return app.Run(ctx)
}

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("dexarb failed")
		os.Exit(1)
	}
	log.Info().Msg("dexarb stopped")
}

package soxfarm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soxfarm/soxfarm/internal/events"
)

const (
	shutdownGrace = 10 * time.Second
	dialTimeout   = 10 * time.Second
)

// Integrator is the top-level orchestrator: it wires PortAllocator,
// RelayDirectoryClient, PoolManager, HealthMonitor, BackendPool, and
// HTTPLoadBalancer together, runs the startup sequence, installs signal
// handlers, and performs graceful shutdown.
type Integrator struct {
	cfg    *Config
	logger *Logger

	pool        *BackendPool
	metrics     *Metrics
	poolManager *PoolManager
	health      *HealthMonitor
	balancer    *HTTPLoadBalancer
	scheduler   *RelayRefreshScheduler

	frontendSrv *http.Server
	metricsSrv  *http.Server
	adminSrv    *http.Server
}

// NewIntegrator wires every component from cfg. It performs no I/O.
func NewIntegrator(cfg *Config, logger *Logger) *Integrator {
	metrics := NewMetrics()
	pool := NewBackendPool(cfg.BackendPool.CooldownDuration, cfg.BackendPool.ProbeAnyOnExhaustion)
	poolManager := NewPoolManager(cfg, logger, pool, metrics)
	balancer := NewHTTPLoadBalancer(pool, logger, metrics, cfg.Frontend.RetryAttempts, dialTimeout)

	return &Integrator{
		cfg:         cfg,
		logger:      logger,
		pool:        pool,
		metrics:     metrics,
		poolManager: poolManager,
		balancer:    balancer,
	}
}

// Run executes the full startup sequence, serves until ctx is cancelled or
// a termination signal arrives, then shuts down gracefully. It returns an
// error suitable for soxfarm.ExitCode.
func (in *Integrator) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayClient := NewRelayDirectoryClient(in.cfg.ExitNodes.DirectoryURL, in.cfg.ExitNodes.FetchTimeout, in.logger)
	filter := RelayFilter{Max: in.cfg.ExitNodes.Max}
	if len(in.cfg.ExitNodes.Countries) > 0 {
		filter.Countries = make(map[string]struct{}, len(in.cfg.ExitNodes.Countries))
		for _, c := range in.cfg.ExitNodes.Countries {
			filter.Countries[c] = struct{}{}
		}
	}

	relays, err := relayClient.Fetch(ctx, filter)
	if err != nil {
		in.logger.Warn("exit-relay directory fetch failed, starting without pinning", "error", err)
		relays = nil
	}
	exitNodes := DistributeExitNodes(relays, in.cfg.Pool.WorkerCount, in.cfg.ExitNodes.PerWorker)

	if err := in.poolManager.Start(ctx, exitNodes); err != nil {
		return err
	}

	bus := events.NewBus(in.cfg.Pool.WorkerCount)
	in.health = NewHealthMonitor(in.cfg.Health, in.logger, bus, in.pool, in.metrics)
	go in.health.Run(ctx, in.poolManager.Workers)
	go in.drainEvents(ctx, bus)

	if in.cfg.RelayRefresh.Enabled {
		in.scheduler = NewRelayRefreshScheduler(relayClient, filter, in.logger, func(relays []RelayRecord) {
			// The refreshed list is only logged: running workers, and workers
			// restarted later, keep the exit-node assignment made at startup.
			in.logger.Info("relay refresh complete", "relay_count", len(relays))
		})
		if err := in.scheduler.Start(ctx, in.cfg.RelayRefresh.Cron); err != nil {
			in.logger.Warn("relay refresh scheduler not started", "error", err)
		}
	}

	if in.cfg.Metrics.Enabled {
		if err := in.startMetricsServer(); err != nil {
			in.poolManager.Shutdown()
			return err
		}
	}
	if in.cfg.Admin.Enabled {
		if err := in.startAdminServer(); err != nil {
			in.poolManager.Shutdown()
			return err
		}
	}

	ln, err := net.Listen("tcp", in.cfg.Frontend.Listen)
	if err != nil {
		in.poolManager.Shutdown()
		return newError(KindListenerBind, "failed to bind frontend listener", err)
	}

	in.frontendSrv = &http.Server{Handler: in.balancer}
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- in.frontendSrv.Serve(ln)
	}()
	in.logger.Info("soxfarm frontend listening", "addr", in.cfg.Frontend.Listen)

	select {
	case <-ctx.Done():
		in.logger.Info("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			in.logger.Error("frontend listener failed", "error", err)
		}
	}

	in.shutdown()
	return nil
}

func (in *Integrator) drainEvents(ctx context.Context, bus events.Bus) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-bus:
			in.poolManager.HandleEvent(ctx, ev)
		}
	}
}

func (in *Integrator) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle(in.cfg.Metrics.Path, promhttp.HandlerFor(in.metrics.Registry, promhttp.HandlerOpts{}))
	ln, err := net.Listen("tcp", in.cfg.Metrics.Endpoint)
	if err != nil {
		return newError(KindListenerBind, "failed to bind metrics listener", err)
	}
	in.metricsSrv = &http.Server{Handler: mux}
	go func() { _ = in.metricsSrv.Serve(ln) }()
	return nil
}

func (in *Integrator) startAdminServer() error {
	stats := NewStatsServer(in.pool, in.poolManager)
	ln, err := net.Listen("tcp", in.cfg.Admin.Listen)
	if err != nil {
		return newError(KindListenerBind, "failed to bind admin listener", err)
	}
	in.adminSrv = &http.Server{Handler: stats.Handler()}
	go func() { _ = in.adminSrv.Serve(ln) }()
	return nil
}

// shutdown runs the cancellation sequence: stop accepting new connections,
// allow in-flight requests a grace window, stop HealthMonitor, stop all
// workers concurrently, remove data directories.
func (in *Integrator) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if in.frontendSrv != nil {
		if err := in.frontendSrv.Shutdown(shutdownCtx); err != nil {
			in.logger.Warn("frontend shutdown did not complete cleanly", "error", err)
		}
	}
	if in.scheduler != nil {
		in.scheduler.Stop()
	}
	if in.metricsSrv != nil {
		_ = in.metricsSrv.Shutdown(shutdownCtx)
	}
	if in.adminSrv != nil {
		_ = in.adminSrv.Shutdown(shutdownCtx)
	}

	in.poolManager.Shutdown()
	in.logger.Info("shutdown complete")
}

package soxfarm

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/soxfarm/soxfarm/internal/events"
	"github.com/soxfarm/soxfarm/internal/socks5"
)

// HealthMonitor runs a single background loop probing each ready worker
// with an end-to-end HTTP GET through its SOCKS port. It never kills
// processes directly; it reports events for PoolManager to act on.
type HealthMonitor struct {
	cfg     HealthConfig
	logger  *Logger
	bus     events.Bus
	pool    *BackendPool
	metrics *Metrics

	mu         sync.Mutex
	failures   map[int]int
	skewOffset time.Duration
}

// NewHealthMonitor builds a monitor that publishes lifecycle events onto bus.
// pool and metrics may be nil; when both are set, the monitor refreshes the
// backends_eligible gauge once per probe cycle so it never lags the cooldown
// transitions MarkSuccess/MarkFailure make between cycles.
func NewHealthMonitor(cfg HealthConfig, logger *Logger, bus events.Bus, pool *BackendPool, metrics *Metrics) *HealthMonitor {
	return &HealthMonitor{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		pool:     pool,
		metrics:  metrics,
		failures: make(map[int]int),
	}
}

// Run starts the probe loop; it blocks until ctx is cancelled. workersFn is
// called fresh each cycle so the monitor always probes the current worker
// set (including ones added by a restart) without touching PoolManager's
// internal lock.
func (hm *HealthMonitor) Run(ctx context.Context, workersFn func() []*Worker) {
	ticker := time.NewTicker(hm.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.runCycle(ctx, workersFn())
		}
	}
}

// runCycle probes every ready worker with bounded concurrency (fan_out),
// skewing each probe's start slightly so probes for different workers don't
// all fire at once.
func (hm *HealthMonitor) runCycle(ctx context.Context, workers []*Worker) {
	fanOut := hm.cfg.FanOut
	if fanOut < 1 {
		fanOut = 1
	}

	p := pool.New().WithMaxGoroutines(fanOut)
	for i, w := range workers {
		i, w := i, w
		if w == nil || w.GetState() != StateReady {
			continue
		}
		p.Go(func() {
			skew := time.Duration(i%fanOut) * (hm.cfg.Interval / time.Duration(max(fanOut, 1)) / 4)
			select {
			case <-time.After(skew):
			case <-ctx.Done():
				return
			}
			hm.probe(ctx, w)
		})
	}
	p.Wait()

	if hm.pool != nil && hm.metrics != nil {
		hm.metrics.BackendsEligible.Set(float64(hm.pool.Eligible()))
	}
}

func (hm *HealthMonitor) probe(ctx context.Context, w *Worker) {
	probeCtx, cancel := context.WithTimeout(ctx, hm.cfg.Timeout)
	defer cancel()

	ok := hm.doProbe(probeCtx, w)

	hm.mu.Lock()
	defer hm.mu.Unlock()

	if ok {
		hm.failures[w.ID()] = 0
		return
	}

	hm.failures[w.ID()]++
	threshold := hm.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if hm.failures[w.ID()] >= threshold || !w.IsAlive() {
		hm.logger.Warn("worker failed health probe threshold", "worker_id", w.ID(), "consecutive_failures", hm.failures[w.ID()])
		hm.failures[w.ID()] = 0
		select {
		case hm.bus <- events.Unhealthy(w.ID()):
		case <-ctx.Done():
		}
	}
}

// doProbe performs a single HTTP GET of the configured health check URL
// tunneled through the worker's SOCKS port. Success is any 2xx status.
func (hm *HealthMonitor) doProbe(ctx context.Context, w *Worker) bool {
	if !w.IsAlive() {
		return false
	}

	dialer := socks5.NewDialer(w.SocksAddr(), hm.cfg.Timeout)
	client := &http.Client{
		Timeout: hm.cfg.Timeout,
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hm.cfg.CheckURL, nil)
	if err != nil {
		hm.logger.Error("invalid health_check_url", "error", err)
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}


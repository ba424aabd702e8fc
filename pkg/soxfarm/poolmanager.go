package soxfarm

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/soxfarm/soxfarm/internal/events"
)

// restartState tracks the backoff/quarantine bookkeeping for one worker id.
// Kept in a dense array indexed by worker id rather than a map, since worker
// ids are a known, fixed, contiguous range for the lifetime of the pool.
type restartState struct {
	consecutiveFailures int
	quarantined         bool
	restarting          bool
}

// PoolManager is the supervisor: owns the worker set, runs the startup
// sequence, and reacts to HealthMonitor's lifecycle events by restarting or
// quarantining workers.
type PoolManager struct {
	cfg     *Config
	logger  *Logger
	dataDir *DataDirManager
	pool    *BackendPool
	metrics *Metrics

	mu       sync.RWMutex
	workers  []*Worker
	restarts []restartState
}

// NewPoolManager builds a PoolManager for cfg. exitNodes and pool are
// resolved by the caller (Integrator) ahead of time since they come from
// RelayDirectoryClient/ExitNodeDistributor, which are not
// PoolManager's concern.
func NewPoolManager(cfg *Config, logger *Logger, pool *BackendPool, metrics *Metrics) *PoolManager {
	return &PoolManager{
		cfg:     cfg,
		logger:  logger,
		dataDir: NewDataDirManager(cfg.Worker.DataRoot),
		pool:    pool,
		metrics: metrics,
	}
}

// Start allocates ports, builds one Worker per configured slot, and starts
// them all via ParallelRunner bounded by start_batch. exitNodes maps worker
// index to its assigned relay ids (may be nil/empty for "no pinning").
// Returns ErrAllWorkersFailed if every worker failed to reach ready.
func (pm *PoolManager) Start(ctx context.Context, exitNodes map[int][]string) error {
	if err := pm.dataDir.EnsureRoot(); err != nil {
		return newError(KindConfigError, "failed to prepare data directory root", err)
	}

	ports, err := AllocatePorts(pm.cfg.Pool.WorkerCount, pm.cfg.Pool.BasePort, pm.cfg.Pool.MaxPort)
	if err != nil {
		return err
	}

	pm.mu.Lock()
	pm.restarts = make([]restartState, pm.cfg.Pool.WorkerCount)
	pm.workers = make([]*Worker, pm.cfg.Pool.WorkerCount)

	for i := 0; i < pm.cfg.Pool.WorkerCount; i++ {
		dir, err := pm.dataDir.Create(i)
		if err != nil {
			pm.mu.Unlock()
			return err
		}
		pm.workers[i] = pm.newWorkerLocked(i, ports[i], dir, exitNodes[i])
	}
	workers := append([]*Worker(nil), pm.workers...)
	pm.mu.Unlock()

	outcomes := ParallelRunner(ctx, workers, pm.cfg.Pool.StartBatch)

	readyCount := 0
	for _, o := range outcomes {
		if o.Err == nil {
			readyCount++
			w := pm.workerByID(o.WorkerID)
			pm.pool.Add(o.WorkerID, w.SocksAddr())
		} else {
			pm.logger.Error("worker failed to start", "worker_id", o.WorkerID, "error", o.Err)
		}
	}

	pm.logger.Info("pool startup complete", "ready", readyCount, "total", pm.cfg.Pool.WorkerCount)
	pm.refreshMetrics()

	if readyCount == 0 {
		return ErrAllWorkersFailed
	}
	return nil
}

func (pm *PoolManager) newWorkerLocked(id int, ports PortPair, dataDir string, exitNodeIDs []string) *Worker {
	return NewWorker(WorkerConfig{
		ID:               id,
		SocksPort:        ports.SocksPort,
		ControlPort:      ports.ControlPort,
		DataDir:          dataDir,
		ExitNodes:        exitNodeIDs,
		BinaryPath:       pm.cfg.Worker.BinaryPath,
		StartupTimeout:   pm.cfg.Worker.StartupTimeout,
		StopGrace:        pm.cfg.Worker.StopGrace,
		OnUnexpectedExit: pm.handleExited,
	}, pm.logger)
}

// refreshMetrics pushes the current worker/backend counts to the Prometheus
// gauges. Called after every topology change (startup, restart, quarantine)
// so soxfarm_workers_ready and soxfarm_backends_eligible never fall out of
// sync with the admin /stats view of the same in-memory counters.
func (pm *PoolManager) refreshMetrics() {
	if pm.metrics == nil {
		return
	}

	pm.mu.RLock()
	total := len(pm.workers)
	ready, failed := 0, 0
	for _, w := range pm.workers {
		if w == nil {
			continue
		}
		switch w.GetState() {
		case StateReady:
			ready++
		case StateFailed:
			failed++
		}
	}
	pm.mu.RUnlock()

	pm.metrics.WorkersTotal.Set(float64(total))
	pm.metrics.WorkersReady.Set(float64(ready))
	pm.metrics.WorkersFailed.Set(float64(failed))
	pm.metrics.BackendsEligible.Set(float64(pm.pool.Eligible()))
}

func (pm *PoolManager) workerByID(id int) *Worker {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if id < 0 || id >= len(pm.workers) {
		return nil
	}
	return pm.workers[id]
}

// HandleEvent applies a lifecycle event reported by HealthMonitor (or a
// worker's own exit monitor) to the canonical worker set, detaching the
// worker from the BackendPool before anything else so pick() stops
// returning it immediately. It runs on the single drainEvents goroutine, so
// it never calls restartWorker inline: that call runs its own
// backoff-then-Start sequence (up to startup_timeout), which would otherwise
// stall every other worker's events behind it.
func (pm *PoolManager) HandleEvent(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.WorkerUnhealthy:
		pm.pool.Remove(ev.WorkerID)
		pm.logger.Warn("worker marked unhealthy, restarting", "worker_id", ev.WorkerID)
		go pm.restartWorker(ctx, ev.WorkerID)
	case events.WorkerExited:
		pm.pool.Remove(ev.WorkerID)
		pm.logger.Warn("worker exited unexpectedly, restarting", "worker_id", ev.WorkerID)
		go pm.restartWorker(ctx, ev.WorkerID)
	case events.WorkerReady:
		w := pm.workerByID(ev.WorkerID)
		if w != nil {
			pm.pool.Add(ev.WorkerID, ev.Endpoint)
		}
	}
	pm.refreshMetrics()
}

func (pm *PoolManager) handleExited(workerID int) {
	pm.pool.Remove(workerID)
	pm.logger.Warn("worker process exited unexpectedly", "worker_id", workerID)
	pm.refreshMetrics()
	go pm.restartWorker(context.Background(), workerID)
}

// restartWorker applies a linear-backoff-then-quarantine policy and
// re-spawns the worker with its original id, ports, and exit-node
// assignment on success. A worker's own unexpected-exit callback and
// HealthMonitor's WorkerUnhealthy event can both name the same worker id in
// quick succession; the restarting flag collapses the second call into a
// no-op instead of racing two concurrent w.Start() calls against each other.
func (pm *PoolManager) restartWorker(ctx context.Context, workerID int) {
	pm.mu.Lock()
	if workerID < 0 || workerID >= len(pm.restarts) {
		pm.mu.Unlock()
		return
	}
	if pm.restarts[workerID].quarantined || pm.restarts[workerID].restarting {
		pm.mu.Unlock()
		return
	}
	pm.restarts[workerID].restarting = true
	attempt := pm.restarts[workerID].consecutiveFailures
	pm.mu.Unlock()

	defer func() {
		pm.mu.Lock()
		pm.restarts[workerID].restarting = false
		pm.mu.Unlock()
	}()

	backoff := pm.cfg.Worker.Restart.InitialBackoff * time.Duration(attempt+1)
	if backoff > pm.cfg.Worker.Restart.MaxBackoff {
		backoff = pm.cfg.Worker.Restart.MaxBackoff
	}
	if backoff > 0 {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}

	w := pm.workerByID(workerID)
	if w == nil {
		return
	}
	if pm.metrics != nil {
		pm.metrics.BackendRestart.WithLabelValues(strconv.Itoa(workerID)).Inc()
	}

	// A worker reported unhealthy may still be running in state ready; stop
	// it first so Start can respawn it. Stop is a no-op for a failed worker.
	_ = w.Stop()
	err := w.Start(ctx)

	pm.mu.Lock()
	if err != nil {
		pm.restarts[workerID].consecutiveFailures++
		if pm.restarts[workerID].consecutiveFailures >= pm.cfg.Worker.Restart.MaxConsecutiveFailures {
			pm.restarts[workerID].quarantined = true
			pm.logger.Error("worker quarantined after repeated restart failures", "worker_id", workerID)
		}
		pm.mu.Unlock()
		pm.refreshMetrics()
		return
	}
	pm.restarts[workerID].consecutiveFailures = 0
	pm.mu.Unlock()

	pm.pool.Add(workerID, w.SocksAddr())
	pm.refreshMetrics()
}

// Workers returns a read-only snapshot of the worker set, for HealthMonitor
// to iterate without touching PoolManager's internal lock on every probe.
func (pm *PoolManager) Workers() []*Worker {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]*Worker, len(pm.workers))
	copy(out, pm.workers)
	return out
}

// Shutdown stops every worker concurrently, each bounded by its configured
// stop grace, then removes all data directories.
func (pm *PoolManager) Shutdown() {
	workers := pm.Workers()

	var wg sync.WaitGroup
	for _, w := range workers {
		if w == nil {
			continue
		}
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			_ = w.Stop()
		}(w)
	}
	wg.Wait()

	for _, w := range workers {
		if w == nil {
			continue
		}
		if err := w.Remove(); err != nil {
			pm.logger.Warn("failed to remove worker data directory", "worker_id", w.ID(), "error", err)
		}
	}
}


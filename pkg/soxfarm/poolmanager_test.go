package soxfarm

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soxfarm/soxfarm/internal/events"
)

// nextTestPortBase hands out disjoint port ranges to successive tests in
// this file, since PoolManager.Start allocates a contiguous 2*worker_count
// window up front rather than asking the kernel for free ports one at a
// time.
var nextTestPortBase int64 = 31000

func testPortRange(span int) (base, max int) {
	b := atomic.AddInt64(&nextTestPortBase, int64(span))
	return int(b), int(b) + span - 1
}

func testPoolConfig(binary, dataRoot string, workerCount, startBatch int) *Config {
	base, max := testPortRange(workerCount * 4)
	return &Config{
		Pool: PoolConfig{
			WorkerCount: workerCount,
			BasePort:    base,
			MaxPort:     max,
			StartBatch:  startBatch,
		},
		Worker: WorkerBinaryConfig{
			BinaryPath:     binary,
			DataRoot:       dataRoot,
			StartupTimeout: 5 * time.Second,
			StopGrace:      2 * time.Second,
			Restart: RestartConfig{
				MaxConsecutiveFailures: 2,
				InitialBackoff:         10 * time.Millisecond,
				MaxBackoff:             20 * time.Millisecond,
			},
		},
	}
}

func TestPoolManagerStartBringsAllWorkersReady(t *testing.T) {
	dir := t.TempDir()
	binary := writeStubBinary(t, dir)
	cfg := testPoolConfig(binary, filepath.Join(dir, "data"), 3, 2)

	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	pool := NewBackendPool(30*time.Second, false)
	pm := NewPoolManager(cfg, logger, pool, nil)
	t.Cleanup(pm.Shutdown)

	if err := pm.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if got := len(pm.Workers()); got != 3 {
		t.Errorf("expected 3 workers, got %d", got)
	}
	if pool.Len() != 3 {
		t.Errorf("expected 3 backends registered, got %d", pool.Len())
	}
	for _, w := range pm.Workers() {
		if w.GetState() != StateReady {
			t.Errorf("worker %d: expected state ready, got %v", w.ID(), w.GetState())
		}
	}
}

func TestPoolManagerStartAllFailedReturnsErrAllWorkersFailed(t *testing.T) {
	dir := t.TempDir()
	cfg := testPoolConfig("/nonexistent/binary", filepath.Join(dir, "data"), 2, 2)

	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	pool := NewBackendPool(30*time.Second, false)
	pm := NewPoolManager(cfg, logger, pool, nil)

	err := pm.Start(context.Background(), nil)
	if err != ErrAllWorkersFailed {
		t.Fatalf("expected ErrAllWorkersFailed, got %v", err)
	}
	if pool.Len() != 0 {
		t.Errorf("expected no backends registered, got %d", pool.Len())
	}
}

func TestPoolManagerHandleEventWorkerExitedRestarts(t *testing.T) {
	dir := t.TempDir()
	binary := writeStubBinary(t, dir)
	cfg := testPoolConfig(binary, filepath.Join(dir, "data"), 1, 1)

	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	pool := NewBackendPool(30*time.Second, false)
	pm := NewPoolManager(cfg, logger, pool, nil)
	t.Cleanup(pm.Shutdown)

	if err := pm.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// HandleEvent hands the restart off to a goroutine so the drainEvents
	// loop never blocks on one worker's backoff+Start; poll for it to land.
	pm.HandleEvent(context.Background(), events.Exited(0))

	deadline := time.Now().Add(5 * time.Second)
	for {
		w := pm.workerByID(0)
		if w == nil {
			t.Fatal("expected worker 0 to still exist after restart")
		}
		if w.GetState() == StateReady && pool.Len() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected worker 0 restarted to state ready, got %v", w.GetState())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if pool.Len() != 1 {
		t.Errorf("expected worker 0 re-registered with the pool, got %d backends", pool.Len())
	}
}

func TestPoolManagerRestartQuarantinesAfterMaxConsecutiveFailures(t *testing.T) {
	dir := t.TempDir()
	binary := writeExitingStubBinary(t, dir)
	dataDir := filepath.Join(dir, "worker-0")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		t.Fatalf("failed to create data dir: %v", err)
	}

	cfg := testPoolConfig(binary, dir, 1, 1)
	cfg.Worker.StartupTimeout = 300 * time.Millisecond

	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	pool := NewBackendPool(30*time.Second, false)
	pm := NewPoolManager(cfg, logger, pool, nil)

	pm.mu.Lock()
	pm.restarts = make([]restartState, 1)
	pm.workers = []*Worker{pm.newWorkerLocked(0, PortPair{SocksPort: freePort(t), ControlPort: freePort(t)}, dataDir, nil)}
	pm.mu.Unlock()

	for i := 0; i < cfg.Worker.Restart.MaxConsecutiveFailures; i++ {
		pm.restartWorker(context.Background(), 0)
	}

	pm.mu.RLock()
	state := pm.restarts[0]
	pm.mu.RUnlock()

	if !state.quarantined {
		t.Errorf("expected worker 0 quarantined after %d consecutive failures, got state %+v", cfg.Worker.Restart.MaxConsecutiveFailures, state)
	}
}

package soxfarm

import (
	"sync"
	"time"
)

// Backend is the load balancer's view of one ready worker: its SOCKS
// endpoint plus health/cooldown state.
type Backend struct {
	WorkerID      int
	SocksEndpoint string

	healthy             bool
	cooldownUntil       time.Time
	consecutiveFailures int
	successCount        int64
	failureCount        int64
}

// Healthy reports the backend's liveness flag as last set by Add,
// MarkSuccess or SetHealthy. It does not itself check cooldown.
func (b *Backend) Healthy() bool { return b.healthy }

// CooldownUntil returns the time before which pick() will skip this backend.
func (b *Backend) CooldownUntil() time.Time { return b.cooldownUntil }

// Counts returns the success/failure counters for stats reporting.
func (b *Backend) Counts() (success, failure int64) { return b.successCount, b.failureCount }

// snapshot returns a value copy safe to hand outside the pool's lock.
func (b *Backend) snapshot() Backend {
	return *b
}

// BackendPool is the sole mutable cross-component state in the system: an
// ordered list of backends plus a round-robin cursor, guarded by a single
// mutex so pick/add/remove/mark_* are linearizable.
type BackendPool struct {
	mu               sync.Mutex
	backends         []*Backend
	cursor           int
	cooldownDuration time.Duration
	probeAnyOnEmpty  bool
}

// NewBackendPool creates an empty pool with the given cooldown policy.
func NewBackendPool(cooldownDuration time.Duration, probeAnyOnExhaustion bool) *BackendPool {
	return &BackendPool{
		cooldownDuration: cooldownDuration,
		probeAnyOnEmpty:  probeAnyOnExhaustion,
	}
}

// Add appends a backend for workerID; a repeat call for an already-present
// workerID is a no-op.
func (p *BackendPool) Add(workerID int, endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.backends {
		if b.WorkerID == workerID {
			return
		}
	}
	p.backends = append(p.backends, &Backend{
		WorkerID:      workerID,
		SocksEndpoint: endpoint,
		healthy:       true,
	})
}

// Remove drops workerID from the pool. A request already holding a
// reference to that Backend value may finish using it; this only affects
// future picks.
func (p *BackendPool) Remove(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range p.backends {
		if b.WorkerID == workerID {
			p.backends = append(p.backends[:i], p.backends[i+1:]...)
			if p.cursor > i {
				p.cursor--
			}
			return
		}
	}
}

// Pick returns the next eligible backend not in exclude, advancing the
// round-robin cursor by scanning forward from it. Returns nil if no
// eligible backend exists.
func (p *BackendPool) Pick(exclude map[int]struct{}) *Backend {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.backends)
	if n == 0 {
		return nil
	}

	now := time.Now()
	start := p.cursor % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		b := p.backends[idx]
		if _, excluded := exclude[b.WorkerID]; excluded {
			continue
		}
		if b.healthy && !now.Before(b.cooldownUntil) {
			p.cursor = (idx + 1) % n
			snap := b.snapshot()
			return &snap
		}
	}

	if p.probeAnyOnEmpty {
		// Every eligible backend is either unhealthy or cooling down; fall
		// back to the least-recently-failed excluded-aware candidate rather
		// than surfacing 502 outright. Opt-in, since it trades "never return
		// a known-bad backend" for "never return a hard failure."
		var best *Backend
		for _, b := range p.backends {
			if _, excluded := exclude[b.WorkerID]; excluded {
				continue
			}
			if best == nil || b.cooldownUntil.Before(best.cooldownUntil) {
				best = b
			}
		}
		if best != nil {
			snap := best.snapshot()
			return &snap
		}
	}

	return nil
}

// MarkSuccess resets the named backend's consecutive-failure counter and
// increments its success count.
func (p *BackendPool) MarkSuccess(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.backends {
		if b.WorkerID == workerID {
			b.consecutiveFailures = 0
			b.successCount++
			b.healthy = true
			return
		}
	}
}

// MarkFailure puts the named backend on cooldown and increments its
// consecutive-failure and failure counters.
func (p *BackendPool) MarkFailure(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.backends {
		if b.WorkerID == workerID {
			b.consecutiveFailures++
			b.failureCount++
			b.cooldownUntil = time.Now().Add(p.cooldownDuration)
			return
		}
	}
}

// SetHealthy sets a backend's healthy flag directly, without touching its
// cooldown or counters.
func (p *BackendPool) SetHealthy(workerID int, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.backends {
		if b.WorkerID == workerID {
			b.healthy = healthy
			return
		}
	}
}

// Len returns the number of backends currently in the pool.
func (p *BackendPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backends)
}

// Eligible returns the count of backends currently selectable by Pick,
// for the admin stats surface.
func (p *BackendPool) Eligible() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	count := 0
	for _, b := range p.backends {
		if b.healthy && !now.Before(b.cooldownUntil) {
			count++
		}
	}
	return count
}

// Snapshot returns a value-copy list of all backends, for stats reporting.
func (p *BackendPool) Snapshot() []Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Backend, len(p.backends))
	for i, b := range p.backends {
		out[i] = b.snapshot()
	}
	return out
}

package soxfarm

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// StatsServer exposes a read-only admin/stats JSON API: a snapshot of pool
// and backend state, plus a liveness probe. This is deliberately not an
// admin web UI — it returns JSON only, no HTML.
type StatsServer struct {
	engine *gin.Engine
	pool   *BackendPool
	poolMg *PoolManager
}

// NewStatsServer builds the gin engine and registers its routes.
func NewStatsServer(pool *BackendPool, poolMg *PoolManager) *StatsServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &StatsServer{engine: engine, pool: pool, poolMg: poolMg}
	engine.GET("/stats", s.handleStats)
	engine.GET("/healthz", s.handleHealthz)
	return s
}

// Handler returns the http.Handler to mount behind a listener.
func (s *StatsServer) Handler() http.Handler { return s.engine }

type backendStat struct {
	WorkerID      int       `json:"worker_id"`
	Endpoint      string    `json:"endpoint"`
	Healthy       bool      `json:"healthy"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	SuccessCount  int64     `json:"success_count"`
	FailureCount  int64     `json:"failure_count"`
}

type statsResponse struct {
	WorkersTotal     int           `json:"workers_total"`
	WorkersReady     int           `json:"workers_ready"`
	BackendsEligible int           `json:"backends_eligible"`
	Backends         []backendStat `json:"backends"`
}

func (s *StatsServer) handleStats(c *gin.Context) {
	workers := s.poolMg.Workers()
	ready := 0
	for _, w := range workers {
		if w != nil && w.GetState() == StateReady {
			ready++
		}
	}

	snap := s.pool.Snapshot()
	backends := make([]backendStat, 0, len(snap))
	for _, b := range snap {
		success, failure := b.Counts()
		backends = append(backends, backendStat{
			WorkerID:      b.WorkerID,
			Endpoint:      b.SocksEndpoint,
			Healthy:       b.Healthy(),
			CooldownUntil: b.CooldownUntil(),
			SuccessCount:  success,
			FailureCount:  failure,
		})
	}

	c.JSON(http.StatusOK, statsResponse{
		WorkersTotal:     len(workers),
		WorkersReady:     ready,
		BackendsEligible: s.pool.Eligible(),
		Backends:         backends,
	})
}

func (s *StatsServer) handleHealthz(c *gin.Context) {
	if s.pool.Eligible() == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "no_eligible_backends"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Package health provides liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/util/workerpool"
)

// TopologyChecker is the part of the topology service readiness depends on
type TopologyChecker interface {
	Ready() bool
	Ping(ctx context.Context) error
}

// PoolStats reports the async confirmation pool
type PoolStats func() workerpool.Stats

// HealthCheck manages health check functionality.
type HealthCheck struct {
	topology    TopologyChecker
	poolStats   PoolStats
	pingTimeout time.Duration
	logger      *zap.Logger
}

// NewHealthCheck creates a new HealthCheck. poolStats may be nil.
func NewHealthCheck(topology TopologyChecker, poolStats PoolStats, logger *zap.Logger) *HealthCheck {
	return &HealthCheck{
		topology:    topology,
		poolStats:   poolStats,
		pingTimeout: 2 * time.Second,
		logger:      logger,
	}
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Pool   *workerpool.Stats `json:"durability_pool,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health. It returns 200 while the process runs.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready. The locator is ready when every
// configured bucket has a snapshot and the topology store answers.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	resp, ready := hc.Check(r.Context())
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Check evaluates readiness
func (hc *HealthCheck) Check(ctx context.Context) (ReadinessResponse, bool) {
	resp := ReadinessResponse{Status: "ready", Checks: make(map[string]string)}
	ready := true

	if hc.topology.Ready() {
		resp.Checks["snapshots"] = "loaded"
	} else {
		resp.Checks["snapshots"] = "missing"
		ready = false
	}

	ctx, cancel := context.WithTimeout(ctx, hc.pingTimeout)
	defer cancel()
	if err := hc.topology.Ping(ctx); err != nil {
		hc.logger.Warn("Topology store health check failed", zap.Error(err))
		resp.Checks["topology_store"] = "unhealthy"
		resp.Error = err.Error()
		ready = false
	} else {
		resp.Checks["topology_store"] = "healthy"
	}

	if hc.poolStats != nil {
		stats := hc.poolStats()
		resp.Pool = &stats
		if stats.Saturated() {
			resp.Checks["durability_pool"] = "saturated"
		} else {
			resp.Checks["durability_pool"] = "ok"
		}
	}

	if !ready {
		resp.Status = "not_ready"
	}
	return resp, ready
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

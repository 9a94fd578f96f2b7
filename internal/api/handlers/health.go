package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/circuitbreaker"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/workerpool"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	service  string
	version  string
	checks   map[string]Check
	breakers *circuitbreaker.Manager
	sessions func() int
	pool     *workerpool.Pool
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHealthHandler creates a health handler. breakers and sessions may be nil.
func NewHealthHandler(service, version string, breakers *circuitbreaker.Manager, sessions func() int, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		service:  service,
		version:  version,
		checks:   make(map[string]Check),
		breakers: breakers,
		sessions: sessions,
		timeout:  2 * time.Second,
		logger:   logger,
	}
}

// AddCheck registers a readiness probe.
func (h *HealthHandler) AddCheck(name string, check Check) {
	h.checks[name] = check
}

// WatchPool reports the lookup pool's stats and fails readiness while its
// queue is saturated.
func (h *HealthHandler) WatchPool(pool *workerpool.Pool) {
	h.pool = pool
	h.AddCheck("lookup_pool", PoolCheck(pool))
}

// PoolCheck fails when the pool's queue is backing up.
func PoolCheck(pool *workerpool.Pool) Check {
	return func(context.Context) error {
		if pool.IsHealthy() {
			return nil
		}
		stats := pool.Stats()
		return fmt.Errorf("lookup queue saturated: %d/%d", stats.QueueDepth, stats.QueueCapacity)
	}
}

// Health answers as long as the process serves requests.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": h.service,
		"version": h.version,
	})
}

// ReadinessReport is the body of /ready.
type ReadinessReport struct {
	Status   string                        `json:"status"`
	Checks   map[string]string             `json:"checks"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers,omitempty"`
	Sessions int                           `json:"sessions"`
	Pool     *workerpool.Stats             `json:"lookupPool,omitempty"`
}

// Ready runs every check concurrently. Open breakers are reported but do not
// fail readiness: the form degrades to empty candidate lists.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	results := make([]error, len(names))
	var g errgroup.Group
	for i, name := range names {
		check := h.checks[name]
		g.Go(func() error {
			results[i] = check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	report := ReadinessReport{Status: "ready", Checks: make(map[string]string, len(names))}
	for i, name := range names {
		if results[i] != nil {
			report.Status = "not ready"
			report.Checks[name] = results[i].Error()
			h.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(results[i]))
			continue
		}
		report.Checks[name] = "ok"
	}
	if h.breakers != nil {
		report.Breakers = h.breakers.GetHealthStatus()
	}
	if h.sessions != nil {
		report.Sessions = h.sessions()
	}
	if h.pool != nil {
		stats := h.pool.Stats()
		report.Pool = &stats
	}

	code := http.StatusOK
	if report.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

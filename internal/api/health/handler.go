package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"volsurface/internal/workers"
	"volsurface/pkg/errors"
	"volsurface/pkg/logger"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// Checker probes one dependency
type Checker func(ctx context.Context) error

// WorkerSource reports worker health, normally the scheduler
type WorkerSource interface {
	Health() map[string]workers.WorkerHealth
}

// Handler provides health check endpoints
type Handler struct {
	log         *logger.Logger
	required    map[string]Checker
	optional    map[string]Checker
	workers     WorkerSource
	maxStale    time.Duration
	startTime   time.Time
	serviceName string
	version     string
}

// New creates a new health check handler
func New(log *logger.Logger, serviceName, version string) *Handler {
	return &Handler{
		log:         log.Component("health"),
		required:    make(map[string]Checker),
		optional:    make(map[string]Checker),
		startTime:   time.Now(),
		serviceName: serviceName,
		version:     version,
	}
}

// Require adds a check that makes the service unready when it fails
func (h *Handler) Require(name string, c Checker) *Handler {
	h.required[name] = c
	return h
}

// Optional adds a check that only degrades the service when it fails
func (h *Handler) Optional(name string, c Checker) *Handler {
	h.optional[name] = c
	return h
}

// WithWorkers reports enabled workers that have not run within maxStale as degraded
func (h *Handler) WithWorkers(src WorkerSource, maxStale time.Duration) *Handler {
	h.workers = src
	h.maxStale = maxStale
	return h
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                          `json:"status"` // "healthy", "degraded", "unhealthy"
	Service   string                          `json:"service"`
	Version   string                          `json:"version"`
	Uptime    string                          `json:"uptime"`
	Timestamp string                          `json:"timestamp"`
	Checks    map[string]ComponentHealth      `json:"checks"`
	Workers   map[string]workers.WorkerHealth `json:"workers,omitempty"`
	Stale     []string                        `json:"stale_workers,omitempty"`
}

// ComponentHealth represents health of a single component
type ComponentHealth struct {
	Status       string `json:"status"`
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HandleLiveness returns 200 OK if service is running
func (h *Handler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleHealth runs every check. Required failures are unhealthy (503);
// optional failures and stale workers are degraded (200).
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := h.Check(ctx)

	code := http.StatusOK
	if status.Status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	if status.Status != statusHealthy {
		h.log.Warnw("Health check not healthy", "status", status.Status, "checks", status.Checks, "stale_workers", status.Stale)
	}

	writeJSON(w, code, status)
}

// Check evaluates all checks and worker freshness
func (h *Handler) Check(ctx context.Context) HealthStatus {
	now := time.Now()
	status := HealthStatus{
		Status:    statusHealthy,
		Service:   h.serviceName,
		Version:   h.version,
		Uptime:    now.Sub(h.startTime).Round(time.Second).String(),
		Timestamp: now.UTC().Format(time.RFC3339),
		Checks:    make(map[string]ComponentHealth, len(h.required)+len(h.optional)),
	}

	for name, c := range h.optional {
		res := h.run(ctx, name, c)
		status.Checks[name] = res
		if res.Status != statusHealthy {
			status.Status = statusDegraded
		}
	}

	if h.workers != nil {
		status.Workers = h.workers.Health()
		for name, wh := range status.Workers {
			if wh.Stale(now, h.maxStale) {
				status.Stale = append(status.Stale, name)
			}
		}
		sort.Strings(status.Stale)
		if len(status.Stale) > 0 {
			status.Status = statusDegraded
		}
	}

	for name, c := range h.required {
		res := h.run(ctx, name, c)
		status.Checks[name] = res
		if res.Status != statusHealthy {
			status.Status = statusUnhealthy
		}
	}

	return status
}

func (h *Handler) run(ctx context.Context, name string, c Checker) ComponentHealth {
	start := time.Now()
	err := c(ctx)
	elapsed := time.Since(start)

	if err != nil {
		h.log.Debugw("Health check failed", "check", name, "error", err, "elapsed", elapsed)
		return ComponentHealth{
			Status:       statusUnhealthy,
			ResponseTime: elapsed.String(),
			Error:        err.Error(),
		}
	}

	return ComponentHealth{
		Status:       statusHealthy,
		ResponseTime: elapsed.String(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Unavailable is a checker for a dependency that failed to initialise
func Unavailable(err error) Checker {
	return func(context.Context) error {
		return errors.Wrap(errors.ErrUnavailable, err.Error())
	}
}

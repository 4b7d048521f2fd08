package api

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// handleHealth handles GET /health: the unauthenticated liveness probe.
// Reports per-dependency health; degraded dependencies flip the status and
// the HTTP code to 503 so load balancers stop routing here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "version": s.Version}

	if err := s.DB.HealthCheck(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = "unhealthy"
	} else {
		status["database"] = "healthy"
	}

	if s.Bus != nil {
		if err := s.Bus.HealthCheck(r.Context()); err != nil {
			status["status"] = "degraded"
			status["nats"] = "unhealthy"
		} else {
			status["nats"] = "healthy"
		}
	}

	code := http.StatusOK
	if status["status"] != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// dependencyHealth is one entry in the admin health diagnostics.
type dependencyHealth struct {
	Status  string `json:"status"` // "healthy", "unhealthy", "disabled"
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
	Details any    `json:"details,omitempty"`
}

// handleAdminHealth handles GET /api/v1/admin/health: the deep diagnostics
// behind the admin key, with pool statistics and runtime numbers the public
// probe deliberately omits.
func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	deps := make(map[string]dependencyHealth)
	overall := "ok"

	db := checkDependency(5*time.Second, s.DB.HealthCheck)
	if s.DB.Pool != nil {
		stat := s.DB.Pool.Stat()
		db.Details = map[string]any{
			"total_conns":    stat.TotalConns(),
			"idle_conns":     stat.IdleConns(),
			"acquired_conns": stat.AcquiredConns(),
			"max_conns":      stat.MaxConns(),
		}
	}
	deps["database"] = db
	if db.Status == "unhealthy" {
		overall = "unhealthy"
	}

	if s.Bus != nil {
		nats := checkDependency(5*time.Second, s.Bus.HealthCheck)
		deps["nats"] = nats
		if nats.Status == "unhealthy" && overall == "ok" {
			overall = "degraded"
		}
	} else {
		deps["nats"] = dependencyHealth{Status: "disabled"}
	}

	if s.Federation != nil {
		deps["federation"] = dependencyHealth{Status: "healthy"}
	} else {
		deps["federation"] = dependencyHealth{Status: "disabled"}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	code := http.StatusOK
	if overall != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":       overall,
		"version":      s.Version,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"dependencies": deps,
		"gateway": map[string]any{
			"online_agents": s.Gateway.Count(),
		},
		"runtime": map[string]any{
			"go_version":    runtime.Version(),
			"num_goroutine": runtime.NumGoroutine(),
			"mem_alloc_mb":  float64(mem.Alloc) / 1024 / 1024,
			"gc_cycles":     mem.NumGC,
		},
	})
}

// checkDependency runs one health check under a timeout and reports its
// outcome with latency.
func checkDependency(timeout time.Duration, check func(context.Context) error) dependencyHealth {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	latency := time.Since(start)

	if err != nil {
		return dependencyHealth{Status: "unhealthy", Latency: latency.String(), Error: err.Error()}
	}
	return dependencyHealth{Status: "healthy", Latency: latency.String()}
}

package core

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout is the maximum time allowed for all health probes to
// complete before the endpoint reports unhealthy.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a subsystem health check. Each probe represents a critical
// dependency (database, upstream billing API) that must be operational.
type HealthProbe interface {
	// Name returns a stable identifier for the probe, e.g. "database".
	Name() string

	// Check performs the health check. It must respect the context
	// deadline and return an error when the subsystem is unreachable.
	Check(ctx context.Context) error
}

// HealthProbeFunc adapts a function to the HealthProbe interface.
type HealthProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p HealthProbeFunc) Name() string                    { return p.ProbeName }
func (p HealthProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth executes all registered health probes concurrently with a
// short timeout. Returns 200 when every probe reports healthy, 503 when any
// fails or the deadline expires first. Mounted unauthenticated at
// GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(s.HealthProbes))
		wg      sync.WaitGroup
	)

	for _, probe := range s.HealthProbes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()
			err := p.Check(ctx)
			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Deadline hit; probes still missing from results are reported as
		// timed out below.
	}

	mu.Lock()
	defer mu.Unlock()

	components := make(map[string]componentStatus, len(s.HealthProbes))
	allHealthy := true

	for _, probe := range s.HealthProbes {
		name := probe.Name()
		err, completed := results[name]
		switch {
		case !completed:
			allHealthy = false
			components[name] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			allHealthy = false
			components[name] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			components[name] = componentStatus{Status: "healthy"}
		}
	}

	resp := healthResponse{Status: "healthy", Components: components}
	status := http.StatusOK
	if !allHealthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}

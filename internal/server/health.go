package server

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger is implemented by backends that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

const (
	healthTimeout = 3 * time.Second
	slowPing      = time.Second
)

// Health represents the complete health check response
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Records    int                        `json:"records"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	health := s.checkHealth(ctx)

	status := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// checkHealth pings every configured component concurrently.
func (s *Server) checkHealth(ctx context.Context) Health {
	health := Health{
		Timestamp:  time.Now().UTC(),
		Records:    s.registry.Len(),
		Components: make(map[string]ComponentHealth, len(s.checks)),
	}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]ComponentHealth, len(names))
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, p Pinger) {
			defer wg.Done()
			results[i], errs[i] = pingComponent(ctx, p)
		}(i, s.checks[name])
	}
	wg.Wait()

	for i, name := range names {
		health.Components[name] = results[i]
		if results[i].Status == ComponentStatusDown {
			s.log.Warn("health check failed",
				zap.String("rid", RequestIDFromContext(ctx)),
				zap.String("check", name),
				zap.Error(errs[i]),
			)
		}
	}
	health.Status = determineOverallHealth(health.Components)
	return health
}

// pingComponent never reports backend error text to the client.
func pingComponent(ctx context.Context, p Pinger) (ComponentHealth, error) {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)

	ch := ComponentHealth{LatencyMs: float64(latency.Microseconds()) / 1000}
	switch {
	case err != nil:
		ch.Status = ComponentStatusDown
		ch.Message = "unreachable"
	case latency > slowPing:
		ch.Status = ComponentStatusDegraded
		ch.Message = "latency high"
	default:
		ch.Status = ComponentStatusUp
	}
	return ch, err
}

// determineOverallHealth calculates overall health from component statuses
func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	var downCount, degradedCount int
	for _, component := range components {
		switch component.Status {
		case ComponentStatusDown:
			downCount++
		case ComponentStatusDegraded:
			degradedCount++
		}
	}

	if downCount > 0 {
		return HealthStatusUnhealthy
	}
	if degradedCount > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

package health

import (
	"sync"
	"time"

	"github.com/dd0wney/cluso-pixmem/pkg/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Worse returns the more severe of s and other.
func (s Status) Worse(other Status) Status {
	if other.severity() > s.severity() {
		return other
	}
	return s
}

// Probe selects which set of checks a request runs.
type Probe int

const (
	// ProbeHealth runs the full set; degraded still answers 200.
	ProbeHealth Probe = iota
	// ProbeReadiness answers 503 unless every check is healthy.
	ProbeReadiness
	// ProbeLiveness answers 503 unless every check is healthy.
	ProbeLiveness

	probeCount
)

// String returns the probe name used in logs.
func (p Probe) String() string {
	switch p {
	case ProbeHealth:
		return "health"
	case ProbeReadiness:
		return "readiness"
	case ProbeLiveness:
		return "liveness"
	default:
		return "unknown"
	}
}

// Check is the outcome of one health check
type Check struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	DurationMS  float64        `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check
type CheckFunc func() Check

// HealthChecker runs registered checks per probe. Overall status changes
// are logged once per transition.
type HealthChecker struct {
	mu      sync.RWMutex
	probes  [probeCount]map[string]CheckFunc
	last    [probeCount]Status
	started time.Time
	logger  logging.Logger
}

// Response is the aggregated result of one probe
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks"`
	UptimeSeconds float64          `json:"uptime_seconds"`
}

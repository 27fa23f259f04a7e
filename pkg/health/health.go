// Package health aggregates pool and process checks into the status served
// on the health endpoints.
package health

import (
	"time"

	"github.com/dd0wney/cluso-pixmem/pkg/logging"
)

// NewHealthChecker creates a checker logging through the default logger.
func NewHealthChecker() *HealthChecker {
	return NewHealthCheckerWithLogger(logging.DefaultLogger())
}

// NewHealthCheckerWithLogger creates a checker that logs status changes to
// logger.
func NewHealthCheckerWithLogger(logger logging.Logger) *HealthChecker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	hc := &HealthChecker{
		started: time.Now(),
		logger:  logger.With(logging.Component("health")),
	}
	for i := range hc.probes {
		hc.probes[i] = make(map[string]CheckFunc)
		hc.last[i] = StatusHealthy
	}
	return hc
}

// Register adds check under name to probe, replacing any check of the same
// name.
func (hc *HealthChecker) Register(probe Probe, name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.probes[probe][name] = check
}

// RegisterCheck registers a check on the health probe.
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.Register(ProbeHealth, name, check)
}

// RegisterReadinessCheck registers a check on the readiness probe.
func (hc *HealthChecker) RegisterReadinessCheck(name string, check CheckFunc) {
	hc.Register(ProbeReadiness, name, check)
}

// RegisterLivenessCheck registers a check on the liveness probe.
func (hc *HealthChecker) RegisterLivenessCheck(name string, check CheckFunc) {
	hc.Register(ProbeLiveness, name, check)
}

// Check runs the health probe.
func (hc *HealthChecker) Check() Response { return hc.Run(ProbeHealth) }

// CheckReadiness runs the readiness probe.
func (hc *HealthChecker) CheckReadiness() Response { return hc.Run(ProbeReadiness) }

// CheckLiveness runs the liveness probe.
func (hc *HealthChecker) CheckLiveness() Response { return hc.Run(ProbeLiveness) }

// Run executes every check registered on probe. The worst status wins.
func (hc *HealthChecker) Run(probe Probe) Response {
	hc.mu.RLock()
	checks := make(map[string]CheckFunc, len(hc.probes[probe]))
	for name, fn := range hc.probes[probe] {
		checks[name] = fn
	}
	hc.mu.RUnlock()

	now := time.Now()
	response := Response{
		Status:        StatusHealthy,
		Timestamp:     now,
		Checks:        make(map[string]Check, len(checks)),
		UptimeSeconds: now.Sub(hc.started).Seconds(),
	}
	for name, fn := range checks {
		start := time.Now()
		check := fn()
		check.LastChecked = start
		check.DurationMS = float64(time.Since(start)) / float64(time.Millisecond)
		if check.Name == "" {
			check.Name = name
		}
		response.Checks[name] = check
		response.Status = response.Status.Worse(check.Status)
	}

	hc.noteTransition(probe, response)
	return response
}

func (hc *HealthChecker) noteTransition(probe Probe, r Response) {
	hc.mu.Lock()
	prev := hc.last[probe]
	hc.last[probe] = r.Status
	hc.mu.Unlock()

	if prev == r.Status {
		return
	}
	fields := []logging.Field{
		logging.String("probe", probe.String()),
		logging.String("from", string(prev)),
		logging.String("to", string(r.Status)),
	}
	for name, c := range r.Checks {
		if c.Status != StatusHealthy {
			fields = append(fields, logging.String(name, c.Message))
		}
	}
	if r.Status == StatusHealthy {
		hc.logger.Info("health recovered", fields...)
	} else {
		hc.logger.Warn("health changed", fields...)
	}
}

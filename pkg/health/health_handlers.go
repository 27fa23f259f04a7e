package health

import (
	"encoding/json"
	"net/http"
)

// HTTPHandler serves the health probe. Degraded answers 200 so that
// elevated pressure does not take the process out of rotation.
func (hc *HealthChecker) HTTPHandler() http.HandlerFunc {
	return hc.handler(ProbeHealth, false)
}

// ReadinessHandler serves the readiness probe.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return hc.handler(ProbeReadiness, true)
}

// LivenessHandler serves the liveness probe.
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return hc.handler(ProbeLiveness, true)
}

// handler answers 503 when unhealthy, and also when degraded if strict.
func (hc *HealthChecker) handler(probe Probe, strict bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hc.Run(probe)

		code := http.StatusOK
		switch response.Status {
		case StatusUnhealthy:
			code = http.StatusServiceUnavailable
		case StatusDegraded:
			if strict {
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		if r.Method == http.MethodHead {
			return
		}
		_ = json.NewEncoder(w).Encode(response)
	}
}

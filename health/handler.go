package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the monitor's aggregate as JSON. Healthy and degraded
// answer 200, unhealthy answers 503. ?verbose=false drops sub-statuses.
func Handler(m *Monitor, systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := m.AggregateHealth(systemName)
		if r.URL.Query().Get("verbose") == "false" {
			status.SubStatuses = nil
		}

		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}

package observability

import (
	"encoding/json"
	"net/http"
)

// Handler serves the step metrics snapshot (per-queue step counters, signal
// totals, lifecycle) as one JSON document.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := metrics.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
}

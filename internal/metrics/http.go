package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// Register mounts /metrics and /health on the router. checks run with a
// shared 2-second budget; any failure turns the health status to degraded
// with a 503.
func Register(r *mux.Router, checks map[string]Check) {
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", healthHandler(checks)).Methods(http.MethodGet)
}

func healthHandler(checks map[string]Check) http.HandlerFunc {
	started := time.Now()
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		deps := make(map[string]string, len(checks))
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				deps[name] = err.Error()
				healthy = false
			} else {
				deps[name] = "ok"
			}
		}

		status := "ok"
		code := http.StatusOK
		if !healthy {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":         status,
			"uptime_seconds": int64(time.Since(started).Seconds()),
			"dependencies":   deps,
		})
	}
}

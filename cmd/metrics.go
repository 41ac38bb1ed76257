package cmd

import (
	"encoding/json"
	"net/http"

	"sshlink/internal/metrics"
	"sshlink/tunnel"
)

// state is the /api/state document.
type state struct {
	Metrics metrics.Snapshot `json:"metrics"`
	Tunnels []tunnel.Status  `json:"tunnels"`
}

// metricsMux serves Prometheus metrics, a JSON state document and a
// liveness check.
func metricsMux(m *metrics.Collector, tunnels func() []tunnel.Status) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(m))
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st := state{Metrics: m.Snapshot(), Tunnels: []tunnel.Status{}}
		if tunnels != nil {
			if ts := tunnels(); ts != nil {
				st.Tunnels = ts
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Package httpapi exposes /healthz, /metrics, and /alerts over a
// gorilla/mux router, following the router-construction idiom in
// ClusterCockpit-cc-backend's server.go (mux.NewRouter, Handle,
// HandleFunc, Methods).
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowsentry/flowsentry/internal/detector"
	"github.com/flowsentry/flowsentry/internal/store"
)

// NewRouter builds the detector's HTTP surface. state is read for
// /healthz; alertStore (may be nil, in which case /alerts returns an
// empty list) backs /alerts.
func NewRouter(state *detector.State, alertStore *store.Store) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", handleHealthz(state)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/alerts", handleAlerts(alertStore)).Methods(http.MethodGet)

	return r
}

func handleHealthz(state *detector.State) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]string{
			"status":      "ok",
			"alert_level": state.CurrentAlert.Level.String(),
		})
	}
}

func handleAlerts(alertStore *store.Store) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if alertStore == nil {
			_ = json.NewEncoder(rw).Encode([]store.AlertRow{})
			return
		}

		limit := 50
		rows, err := alertStore.RecentAlerts(limit)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(rw).Encode(rows)
	}
}

package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cellsd/internal/executable"
	"cellsd/internal/registry"
)

// serveDebugMux runs the introspection surface: healthz, cell/
// executable snapshots, and Prometheus metrics. It never touches
// cell-service request handling, so a failure here cannot affect
// Allocate/Free/Start/Stop.
func serveDebugMux(addr string, reg *registry.Registry, execs *executable.Supervisor, gatherer prometheus.Gatherer, log hclog.Logger) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	r.Get("/debug/cells", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, reg.Snapshot())
	})
	r.Get("/debug/executables", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, execs.Snapshot())
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("debug endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("debug server error", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

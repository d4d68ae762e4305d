// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package statushttp serves the scheduler's status page and metrics.
package statushttp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"farm.256lights.llc/pkg/internal/scheduler"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"zombiezen.com/go/log"
)

// A Server reports on a running scheduler.
type Server struct {
	// Scheduler is the scheduler being observed.
	Scheduler *scheduler.Scheduler
	// RunID identifies this scheduler process.
	RunID string
	// StartedAt is when the scheduler process started.
	StartedAt time.Time
}

// NewHandler returns the server's HTTP handler:
// a JSON status dump at /status,
// Prometheus metrics at /metrics,
// and a queue monitor trigger at /trigger.
func (srv *Server) NewHandler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&collector{sch: srv.Scheduler})

	mux := http.NewServeMux()
	mux.Handle("/status", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.showStatus),
		http.MethodHead: http.HandlerFunc(srv.showStatus),
	})
	mux.Handle("/metrics", handlers.MethodHandler{
		http.MethodGet: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	mux.Handle("/trigger", handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(srv.trigger),
	})
	return mux
}

func (srv *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	stats := srv.Scheduler.Stats()
	payload := struct {
		RunID     string           `json:"runID"`
		StartedAt time.Time        `json:"startedAt"`
		Uptime    string           `json:"uptime"`
		Stats     *scheduler.Stats `json:"stats"`
	}{
		RunID:     srv.RunID,
		StartedAt: srv.StartedAt.UTC(),
		Uptime:    time.Since(srv.StartedAt).Truncate(time.Second).String(),
		Stats:     stats,
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		log.Debugf(r.Context(), "Writing status response: %v", err)
	}
}

func (srv *Server) trigger(w http.ResponseWriter, r *http.Request) {
	srv.Scheduler.WakeQueueMonitor()
	w.WriteHeader(http.StatusNoContent)
}

// Serve runs the status server on addr until ctx is done.
func Serve(ctx context.Context, addr string, srv *Server) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handlers.LoggingHandler(logWriter{ctx: ctx}, srv.NewHandler()),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()
	log.Infof(ctx, "Status server listening on %s", addr)
	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// logWriter routes gorilla's access log lines to the context logger.
type logWriter struct {
	ctx context.Context
}

func (w logWriter) Write(p []byte) (int, error) {
	log.Debugf(w.ctx, "%s", p)
	return len(p), nil
}

// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package statushttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"farm.256lights.llc/pkg/internal/buildremote"
	"farm.256lights.llc/pkg/internal/farmtest"
	"farm.256lights.llc/pkg/internal/scheduler"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	sch, err := scheduler.New(&scheduler.Options{
		Store: farmtest.NewStore(t),
		DB:    farmtest.NewDB(t),
		BuildRemote: func(ctx context.Context, host, sshKey string, req *buildremote.BuildRequest) (*buildremote.Result, error) {
			return &buildremote.Result{Status: buildremote.Success}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &Server{
		Scheduler: sch,
		RunID:     "a1b2c3",
		StartedAt: time.Date(2026, time.August, 6, 12, 0, 0, 0, time.UTC),
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.NewHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /status = %d; want 200", rec.Code)
	}
	var payload struct {
		RunID string `json:"runID"`
		Stats struct {
			NrBuilds int `json:"NrBuilds"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.RunID != "a1b2c3" {
		t.Errorf("runID = %q; want a1b2c3", payload.RunID)
	}
}

func TestTriggerEndpoint(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.NewHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/trigger", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("POST /trigger = %d; want 204", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trigger", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /trigger = %d; want 405", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.NewHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d; want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, metric := range []string{"farm_queued_builds", "farm_runnable_steps", "farm_builds_done_total"} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output is missing %s", metric)
		}
	}
}

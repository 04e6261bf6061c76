/*
handlers_test.go - Tests for the ops endpoints

Tests for:
- Liveness and readiness (store ping)
- Metrics exposition through the router
- Sweep status and manual trigger
*/
package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/obs"
	"github.com/warp/points-ledger/scheduler"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type fakeSweeper struct {
	runs int
	last scheduler.Report
	next time.Time
}

func (s *fakeSweeper) RunNow(context.Context) scheduler.Report {
	s.runs++
	s.last = scheduler.Report{At: s.next, Expired: 2, Unlocked: 1}
	return s.last
}
func (s *fakeSweeper) LastReport() scheduler.Report { return s.last }
func (s *fakeSweeper) NextRunTime() time.Time       { return s.next }

func serve(t *testing.T, h *api.Handler, metrics *obs.Metrics, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := api.NewRouter(h, metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	rec := serve(t, api.NewHandler(pinger{err: errors.New("down")}, nil, false), nil, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code, "liveness ignores the store")
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		store      api.Pinger
		wantStatus int
	}{
		{"store reachable", pinger{}, http.StatusOK},
		{"store down", pinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable},
		{"no store", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, api.NewHandler(tt.store, nil, false), nil, http.MethodGet, "/readyz")
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	// GIVEN: one recorded command
	m := obs.NewMetrics()
	m.ObserveCommand("add_points", obs.OutcomeOK, time.Millisecond)

	// WHEN
	rec := serve(t, api.NewHandler(pinger{}, nil, false), m, http.MethodGet, "/metrics")

	// THEN
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `points_commands_total{command="add_points",outcome="ok"} 1`)
}

func TestSweepStatus(t *testing.T) {
	next := time.Date(2025, time.March, 1, 11, 0, 0, 0, time.UTC)
	sw := &fakeSweeper{next: next}

	rec := serve(t, api.NewHandler(pinger{}, sw, true), nil, http.MethodGet, "/ops/sweep")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.SweepStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Enabled)
	require.NotNil(t, resp.NextRun)
	assert.True(t, resp.NextRun.Equal(next))
	assert.Nil(t, resp.Last.At, "no sweep has run yet")
	assert.Zero(t, sw.runs)
}

func TestTriggerSweep(t *testing.T) {
	sw := &fakeSweeper{next: time.Date(2025, time.March, 1, 11, 0, 0, 0, time.UTC)}

	rec := serve(t, api.NewHandler(pinger{}, sw, false), nil, http.MethodPost, "/ops/sweep")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sw.runs)
	var resp api.SweepReportDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Expired)
	assert.Equal(t, 1, resp.Unlocked)
}

func TestSweep_NotConfigured(t *testing.T) {
	rec := serve(t, api.NewHandler(pinger{}, nil, false), nil, http.MethodPost, "/ops/sweep")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

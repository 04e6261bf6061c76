/*
handlers.go - Ops HTTP handlers

PURPOSE:
  Health, readiness and sweep control endpoints for operators and the
  orchestrator. Responses are JSON.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 503: Store unreachable, or sweeps not configured
  - 500: Internal errors

SEE ALSO:
  - server.go: Router setup and middleware
  - scheduler/scheduler.go: Sweep implementation
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/warp/points-ledger/scheduler"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sweeper is the part of the scheduler the ops endpoints drive.
type Sweeper interface {
	RunNow(ctx context.Context) scheduler.Report
	LastReport() scheduler.Report
	NextRunTime() time.Time
}

// Handler holds the dependencies of the ops endpoints.
type Handler struct {
	Store        Pinger
	Sweeper      Sweeper
	PingTimeout  time.Duration
	SweepEnabled bool
}

func NewHandler(store Pinger, sweeper Sweeper, sweepEnabled bool) *Handler {
	return &Handler{
		Store:        store,
		Sweeper:      sweeper,
		PingTimeout:  2 * time.Second,
		SweepEnabled: sweepEnabled,
	}
}

// =============================================================================
// RESPONSES
// =============================================================================

type StatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type SweepReportDTO struct {
	At       *time.Time `json:"at,omitempty"`
	Expired  int        `json:"expired"`
	Unlocked int        `json:"unlocked"`
	Skipped  int        `json:"skipped"`
	Failed   int        `json:"failed"`
}

type SweepStatusResponse struct {
	Enabled bool           `json:"enabled"`
	NextRun *time.Time     `json:"next_run,omitempty"`
	Last    SweepReportDTO `json:"last"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toSweepReportDTO(r scheduler.Report) SweepReportDTO {
	dto := SweepReportDTO{
		Expired:  r.Expired,
		Unlocked: r.Unlocked,
		Skipped:  r.Skipped,
		Failed:   r.Failed,
	}
	if !r.At.IsZero() {
		at := r.At
		dto.At = &at
	}
	return dto
}

// =============================================================================
// HEALTH
// =============================================================================

// Health answers while the process is serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// Ready answers 200 only when the event store responds.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.PingTimeout)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, StatusResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// =============================================================================
// SWEEPS
// =============================================================================

func (h *Handler) SweepStatus(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeps not configured", nil)
		return
	}
	resp := SweepStatusResponse{
		Enabled: h.SweepEnabled,
		Last:    toSweepReportDTO(h.Sweeper.LastReport()),
	}
	if h.SweepEnabled {
		next := h.Sweeper.NextRunTime()
		resp.NextRun = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// TriggerSweep runs one expiry and unlock sweep synchronously.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeps not configured", nil)
		return
	}
	report := h.Sweeper.RunNow(r.Context())
	writeJSON(w, http.StatusOK, toSweepReportDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

package httpx

import (
	"errors"
	"net/http"

	"github.com/parleyhq/dispatch-api/internal/domain/model"
	apperrors "github.com/parleyhq/dispatch-api/internal/errors"
	"github.com/parleyhq/dispatch-api/internal/service"
)

// JobHandlers provides HTTP handlers for job submission and status.
type JobHandlers struct {
	Dispatch *service.DispatchService
	Jobs     *service.JobService
}

// Submit handles POST /api/jobs. A fresh logical key is accepted with 202; a
// key already in flight answers 200 with the same body shape so callers can
// treat both as success.
func (h *JobHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	result, err := h.Dispatch.Submit(r.Context(), req)
	if err != nil {
		if apperrors.IsValidation(err) {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "validation_failed", Err: err})
			return
		}
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "submit_failed", Err: err})
		return
	}

	code := http.StatusAccepted
	if result.Outcome == model.SubmitAlreadyInFlight {
		code = http.StatusOK
	}
	WriteJSON(w, code, result)
}

// Status handles GET /api/jobs/{key}/status, the idempotent completion poll.
// An unknown key is not an error; it answers exists=false.
func (h *JobHandlers) Status(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("logical key is required")},
		)
		return
	}

	status, err := h.Dispatch.Status(r.Context(), key)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// Cleanup handles DELETE /api/jobs/{key}, removing a consumed completion
// record. A key still in flight is refused with 409.
func (h *JobHandlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("logical key is required")},
		)
		return
	}

	if err := h.Dispatch.Cleanup(r.Context(), key); err != nil {
		WriteAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /api/jobs/{kind}/stats, answering queue counts per state.
func (h *JobHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	kind := model.JobKind(r.PathValue("kind"))
	if !kind.Valid() {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("unknown job kind")},
		)
		return
	}

	stats, err := h.Jobs.Stats(r.Context(), kind)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "stats_failed", Err: err})
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

package handlers

import (
	"errors"
	"net/http"

	"github.com/iago/dispatch-sla-back/internal/dispatch"
	"github.com/iago/dispatch-sla-back/internal/domain"
)

type manualDispatchRequest struct {
	WorkerID string `json:"worker_id" validate:"required,max=64"`
	Note     string `json:"note,omitempty" validate:"max=2000"`
}

type overrideRequest struct {
	Action   string `json:"action" validate:"required,oneof=resolve reassign cancel escalate_further"`
	WorkerID string `json:"worker_id,omitempty" validate:"max=64"`
	Note     string `json:"note,omitempty" validate:"max=2000"`
}

type noteRequest struct {
	Body string `json:"body" validate:"required,max=2000"`
}

// manualDispatch serves POST /v1/jobs/{id}/dispatch: an operator sends a
// dispatchable job straight to a chosen contractor.
func (api *API) manualDispatch(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	operatorID, ok := requireOperator(w, r)
	if !ok {
		return
	}

	var request manualDispatchRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if err := api.validate.Struct(request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	attempt, err := api.gateway.ManualDispatch(r.Context(), jobID, operatorID, request.WorkerID, request.Note)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAttemptViews([]domain.Attempt{*attempt})[0])
}

// override serves POST /v1/jobs/{id}/override: resolve, reassign, cancel, or
// escalate-further by an operator.
func (api *API) override(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	operatorID, ok := requireOperator(w, r)
	if !ok {
		return
	}

	var request overrideRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if err := api.validate.Struct(request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	err := api.gateway.Apply(r.Context(), dispatch.OverrideRequest{
		JobID:      jobID,
		OperatorID: operatorID,
		Action:     dispatch.OverrideAction(request.Action),
		WorkerID:   request.WorkerID,
		Note:       request.Note,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": jobID,
		"action": request.Action,
		"status": "applied",
	})
}

// notes serves POST and GET /v1/jobs/{id}/notes.
func (api *API) notes(w http.ResponseWriter, r *http.Request, jobID string) {
	switch r.Method {
	case http.MethodGet:
		notes, err := api.queries.ListNotes(r.Context(), jobID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": toNoteViews(notes)})
	case http.MethodPost:
		operatorID, ok := requireOperator(w, r)
		if !ok {
			return
		}
		var request noteRequest
		if err := decodeJSON(r, &request); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
			return
		}
		if err := api.validate.Struct(request); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		note, err := api.gateway.AddNote(r.Context(), jobID, operatorID, request.Body)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidState) {
				writeError(w, r, http.StatusBadRequest, "invalid_request", "note body is required")
				return
			}
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toNoteViews([]domain.Note{*note})[0])
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/iago/dispatch-sla-back/internal/dispatch"
	"github.com/iago/dispatch-sla-back/internal/domain"
)

type respondRequest struct {
	WorkerID string `json:"worker_id" validate:"required,max=64"`
	Outcome  string `json:"outcome" validate:"required,oneof=accepted declined"`
	Reason   string `json:"reason,omitempty" validate:"max=500"`
}

// AttemptSubroutes dispatches /v1/attempts/{id}/respond.
func (api *API) AttemptSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/attempts/")
	attemptID, sub, _ := strings.Cut(rest, "/")
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "attempt_id is required")
		return
	}
	if sub != "respond" {
		writeError(w, r, http.StatusNotFound, "not_found", "unknown attempt resource")
		return
	}
	api.respond(w, r, attemptID)
}

// respond records a contractor's accept or decline. A response that loses the
// race against the deadline (or a cancellation) is acknowledged as a no-op
// rather than an error: from the contractor's side the outcome is simply that
// the offer is no longer theirs.
func (api *API) respond(w http.ResponseWriter, r *http.Request, attemptID string) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request respondRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if err := api.validate.Struct(request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	outcome := domain.AttemptStatusAccepted
	if request.Outcome == "declined" {
		outcome = domain.AttemptStatusDeclined
	}

	err := api.engine.ResolveAttempt(r.Context(), attemptID, outcome, request.Reason, dispatch.WorkerActor(request.WorkerID))
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyResolved) {
			writeJSON(w, http.StatusOK, map[string]any{
				"attempt_id": attemptID,
				"status":     "already_resolved",
			})
			return
		}
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"attempt_id": attemptID,
		"status":     string(outcome),
	})
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iago/dispatch-sla-back/internal/dispatch"
	"github.com/iago/dispatch-sla-back/internal/domain"
	"github.com/iago/dispatch-sla-back/internal/http/middleware"
	"github.com/iago/dispatch-sla-back/internal/service"
)

var errInvalidPayload = errors.New("invalid payload")

type API struct {
	engine   *dispatch.Engine
	gateway  *dispatch.Gateway
	queries  *service.JobQueryService
	validate *requestValidator
}

func NewAPI(engine *dispatch.Engine, gateway *dispatch.Gateway, queries *service.JobQueryService) *API {
	return &API{
		engine:   engine,
		gateway:  gateway,
		queries:  queries,
		validate: newRequestValidator(),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeDomainError maps the dispatch error taxonomy onto HTTP statuses.
// ErrAlreadyResolved is not handled here: callers that can observe it treat
// it as success.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var stateErr *domain.StateError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	case errors.As(err, &stateErr):
		writeError(w, r, http.StatusConflict, "invalid_state", stateErr.Reason)
	case errors.Is(err, domain.ErrInvalidState):
		writeError(w, r, http.StatusConflict, "invalid_state", "operation not legal for current status")
	case errors.Is(err, domain.ErrDependencyFailure):
		writeError(w, r, http.StatusServiceUnavailable, "dependency_failure", "a backing dependency failed")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "unexpected failure")
	}
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

// requireOperator extracts the operator identity from a JWT-authenticated
// request. Operator-only endpoints reject service-token callers.
func requireOperator(w http.ResponseWriter, r *http.Request) (string, bool) {
	operatorID := middleware.GetOperatorID(r.Context())
	if operatorID == "" {
		writeError(w, r, http.StatusUnauthorized, "operator_token_required", "an operator token is required for this action")
		return "", false
	}
	return operatorID, true
}

func parseOptionalDateTime(value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, errInvalidPayload
	}
	return &parsed, nil
}

func parsePageParams(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

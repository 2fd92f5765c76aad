package handlers

import (
	"net/http"
	"time"
)

type createWorkerRequest struct {
	Name   string  `json:"name" validate:"required,max=100"`
	Phone  string  `json:"phone,omitempty" validate:"max=32"`
	Rating float64 `json:"rating,omitempty" validate:"gte=0,lte=5"`
}

// Workers serves the contractor roster: POST /v1/workers registers a
// contractor, GET /v1/workers lists active ones in candidate order.
func (api *API) Workers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if _, ok := requireOperator(w, r); !ok {
			return
		}

		var request createWorkerRequest
		if err := decodeJSON(r, &request); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
			return
		}
		if err := api.validate.Struct(request); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		worker, err := api.queries.CreateWorker(r.Context(), request.Name, request.Phone, request.Rating)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"worker_id":  worker.ID,
			"name":       worker.Name,
			"rating":     worker.Rating,
			"active":     worker.Active,
			"created_at": worker.CreatedAt.Format(time.RFC3339),
		})
	case http.MethodGet:
		workers, err := api.queries.ListWorkers(r.Context())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		views := make([]map[string]any, 0, len(workers))
		for _, worker := range workers {
			views = append(views, map[string]any{
				"worker_id": worker.ID,
				"name":      worker.Name,
				"rating":    worker.Rating,
				"active":    worker.Active,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": views})
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/iago/dispatch-sla-back/internal/domain"
)

type createJobRequest struct {
	CustomerID  string `json:"customer_id" validate:"required,max=64"`
	ServiceType string `json:"service_type" validate:"required,max=64"`
	Title       string `json:"title" validate:"required,max=200"`
}

type jobView struct {
	JobID            string `json:"job_id"`
	CustomerID       string `json:"customer_id"`
	ServiceType      string `json:"service_type"`
	Title            string `json:"title"`
	Status           string `json:"status"`
	AssignedWorkerID string `json:"assigned_worker_id,omitempty"`
	Escalated        bool   `json:"escalated"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

type attemptView struct {
	AttemptID     string `json:"attempt_id"`
	JobID         string `json:"job_id"`
	WorkerID      string `json:"worker_id"`
	Sequence      int    `json:"sequence"`
	Status        string `json:"status"`
	Deadline      string `json:"deadline"`
	OpenedAt      string `json:"opened_at"`
	ResolvedAt    string `json:"resolved_at,omitempty"`
	DeclineReason string `json:"decline_reason,omitempty"`
	IsManual      bool   `json:"is_manual"`
}

// JobsCollection serves POST /v1/jobs (create + first dispatch) and
// GET /v1/jobs (operator list with filters).
func (api *API) JobsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		api.createJob(w, r)
	case http.MethodGet:
		api.listJobs(w, r)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (api *API) createJob(w http.ResponseWriter, r *http.Request) {
	var request createJobRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if err := api.validate.Struct(request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	job, err := api.engine.CreateJob(r.Context(), request.CustomerID, request.ServiceType, request.Title)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobView(job))
}

func (api *API) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, pageSize := parsePageParams(r)

	from, err := parseOptionalDateTime(query.Get("from"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "from must be RFC3339")
		return
	}
	to, err := parseOptionalDateTime(query.Get("to"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "to must be RFC3339")
		return
	}

	sort := domain.JobSortCreatedDesc
	if query.Get("sort") == "created_asc" {
		sort = domain.JobSortCreatedAsc
	}

	filter := domain.JobListFilter{
		Status:        domain.JobStatus(query.Get("status")),
		EscalatedOnly: query.Get("escalated") == "true",
		BreachedOnly:  query.Get("breached") == "true",
		From:          from,
		To:            to,
		Page:          page,
		PageSize:      pageSize,
		Sort:          sort,
	}

	items, total, err := api.queries.ListJobs(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJobList(w, items, total, page, pageSize)
}

// JobSubroutes dispatches /v1/jobs/{id} and its nested paths.
func (api *API) JobSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	jobID, sub, _ := strings.Cut(rest, "/")
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}

	switch sub {
	case "":
		api.jobDetail(w, r, jobID)
	case "dispatch":
		api.manualDispatch(w, r, jobID)
	case "override":
		api.override(w, r, jobID)
	case "notes":
		api.notes(w, r, jobID)
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "unknown job resource")
	}
}

func (api *API) jobDetail(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	detail, err := api.queries.GetJobDetail(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	response := map[string]any{
		"job":      toJobView(detail.Job),
		"attempts": toAttemptViews(detail.Attempts),
		"notes":    toNoteViews(detail.Notes),
		"escalation": map[string]any{
			"escalated": detail.Escalation.Escalated,
			"step":      detail.Escalation.Step,
			"reason":    detail.Escalation.Reason,
		},
		"history": toAuditViews(detail.Audit),
	}
	if detail.Assignment != nil {
		response["assignment"] = map[string]any{
			"worker_id":   detail.Assignment.WorkerID,
			"assigned_by": detail.Assignment.AssignedBy,
			"is_manual":   detail.Assignment.IsManual,
			"assigned_at": detail.Assignment.AssignedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// Breaches serves GET /v1/breaches: jobs holding a pending attempt past its
// deadline.
func (api *API) Breaches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	page, pageSize := parsePageParams(r)
	items, total, err := api.queries.ListBreaches(r.Context(), page, pageSize)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJobList(w, items, total, page, pageSize)
}

// Escalations serves GET /v1/escalations: jobs requiring operator attention.
func (api *API) Escalations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	page, pageSize := parsePageParams(r)
	items, total, err := api.queries.ListEscalations(r.Context(), page, pageSize)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJobList(w, items, total, page, pageSize)
}

func writeJobList(w http.ResponseWriter, items []domain.JobListItem, total, page, pageSize int) {
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, map[string]any{
			"job_id":             item.JobID,
			"customer_id":        item.CustomerID,
			"service_type":       item.ServiceType,
			"title":              item.Title,
			"status":             string(item.Status),
			"assigned_worker_id": item.AssignedWorkerID,
			"escalated":          item.Escalated,
			"escalation_step":    item.EscalationStep,
			"sla_breached":       item.Breached,
			"created_at":         item.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     views,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func toJobView(job *domain.Job) jobView {
	return jobView{
		JobID:            job.ID,
		CustomerID:       job.CustomerID,
		ServiceType:      job.ServiceType,
		Title:            job.Title,
		Status:           string(job.Status),
		AssignedWorkerID: job.AssignedWorkerID,
		Escalated:        job.Escalated,
		CreatedAt:        job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        job.UpdatedAt.Format(time.RFC3339),
	}
}

func toAttemptViews(attempts []domain.Attempt) []attemptView {
	views := make([]attemptView, 0, len(attempts))
	for _, attempt := range attempts {
		view := attemptView{
			AttemptID:     attempt.ID,
			JobID:         attempt.JobID,
			WorkerID:      attempt.WorkerID,
			Sequence:      attempt.Sequence,
			Status:        string(attempt.Status),
			Deadline:      attempt.Deadline.Format(time.RFC3339),
			OpenedAt:      attempt.OpenedAt.Format(time.RFC3339),
			DeclineReason: attempt.DeclineReason,
			IsManual:      attempt.IsManual,
		}
		if attempt.ResolvedAt != nil {
			view.ResolvedAt = attempt.ResolvedAt.Format(time.RFC3339)
		}
		views = append(views, view)
	}
	return views
}

func toNoteViews(notes []domain.Note) []map[string]any {
	views := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		views = append(views, map[string]any{
			"note_id":    note.ID,
			"author":     note.Author,
			"body":       note.Body,
			"created_at": note.CreatedAt.Format(time.RFC3339),
		})
	}
	return views
}

func toAuditViews(records []domain.AuditRecord) []map[string]any {
	views := make([]map[string]any, 0, len(records))
	for _, record := range records {
		views = append(views, map[string]any{
			"actor_type":  string(record.ActorType),
			"actor_id":    record.ActorID,
			"action":      record.Action,
			"prev_status": record.PrevStatus,
			"next_status": record.NextStatus,
			"details":     record.Details,
			"created_at":  record.CreatedAt.Format(time.RFC3339),
		})
	}
	return views
}

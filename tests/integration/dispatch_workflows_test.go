package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iago/dispatch-sla-back/internal/candidates"
	"github.com/iago/dispatch-sla-back/internal/clock"
	"github.com/iago/dispatch-sla-back/internal/dispatch"
	httpserver "github.com/iago/dispatch-sla-back/internal/http"
	"github.com/iago/dispatch-sla-back/internal/http/handlers"
	"github.com/iago/dispatch-sla-back/internal/notify"
	"github.com/iago/dispatch-sla-back/internal/repository"
	"github.com/iago/dispatch-sla-back/internal/service"
)

const (
	serviceToken = "integration-service-token"
	jwtSecret    = "integration-jwt-secret"
)

type integrationRuntime struct {
	server *httptest.Server
	store  *repository.MemoryStore
	clock  *clock.FakeClock
	close  func()
}

// startIntegrationRuntime wires the full API over the memory store with a
// manually advanced clock, so response deadlines elapse only when a test says
// so. withMonitor=false leaves pending attempts untimed, which is how breach
// views become observable.
func startIntegrationRuntime(t *testing.T, withMonitor bool) integrationRuntime {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	store := repository.NewMemoryStore()
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	store.SetNowFunc(clk.Now)
	notifier := notify.NewLogNotifier(logger)
	provider := candidates.NewRosterProvider(store)

	engine := dispatch.NewEngine(store, provider, notifier, clk, logger, dispatch.Config{
		ResponseDeadline: 15 * time.Minute,
		MaxAutoAttempts:  3,
	})
	if withMonitor {
		monitor := dispatch.NewMonitor(store, engine, clk, logger, time.Minute)
		engine.SetScheduler(monitor)
	}
	gateway := dispatch.NewGateway(engine, store, notifier, logger)
	queries := service.NewJobQueryService(store)

	api := handlers.NewAPI(engine, gateway, queries)
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		ServiceToken:   serviceToken,
		JWTSecret:      jwtSecret,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	server := httptest.NewServer(router)
	return integrationRuntime{
		server: server,
		store:  store,
		clock:  clk,
		close:  server.Close,
	}
}

func operatorToken(t *testing.T, operatorID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   operatorID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("sign operator token: %v", err)
	}
	return signed
}

func serviceHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + serviceToken}
}

func operatorHeaders(t *testing.T, operatorID string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + operatorToken(t, operatorID)}
}

func postJSON(
	t *testing.T,
	client *http.Client,
	url string,
	payload any,
	headers map[string]string,
) (int, map[string]any) {
	t.Helper()

	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("execute request: %v", err)
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(response.Body)
	if len(raw) == 0 {
		return response.StatusCode, map[string]any{}
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode response body (%d): %s", response.StatusCode, string(raw))
	}
	return response.StatusCode, decoded
}

func getJSON(t *testing.T, client *http.Client, url string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build get request: %v", err)
	}
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("execute get request: %v", err)
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(response.Body)
	if len(raw) == 0 {
		return response.StatusCode, map[string]any{}
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode get response body (%d): %s", response.StatusCode, string(raw))
	}
	return response.StatusCode, decoded
}

func registerWorker(t *testing.T, client *http.Client, baseURL, name string, rating float64) string {
	t.Helper()
	status, body := postJSON(t, client, baseURL+"/v1/workers", map[string]any{
		"name":   name,
		"phone":  "+5531990000000",
		"rating": rating,
	}, operatorHeaders(t, "op-setup"))
	if status != http.StatusCreated {
		t.Fatalf("expected 201 registering worker, got %d body=%+v", status, body)
	}
	workerID, _ := body["worker_id"].(string)
	if workerID == "" {
		t.Fatalf("worker registration returned no id: %+v", body)
	}
	return workerID
}

func createJob(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	status, body := postJSON(t, client, baseURL+"/v1/jobs", map[string]any{
		"customer_id":  "cust-42",
		"service_type": "plumbing",
		"title":        "Burst pipe under kitchen sink",
	}, serviceHeaders())
	if status != http.StatusCreated {
		t.Fatalf("expected 201 creating job, got %d body=%+v", status, body)
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("job creation returned no id: %+v", body)
	}
	return jobID
}

func jobDetail(t *testing.T, client *http.Client, baseURL, jobID string) map[string]any {
	t.Helper()
	status, body := getJSON(t, client, fmt.Sprintf("%s/v1/jobs/%s", baseURL, jobID), serviceHeaders())
	if status != http.StatusOK {
		t.Fatalf("expected 200 from job detail, got %d body=%+v", status, body)
	}
	return body
}

func pendingAttemptID(t *testing.T, detail map[string]any) (string, string) {
	t.Helper()
	attempts, _ := detail["attempts"].([]any)
	for _, item := range attempts {
		attempt, _ := item.(map[string]any)
		if attempt["status"] == "pending" {
			return attempt["attempt_id"].(string), attempt["worker_id"].(string)
		}
	}
	t.Fatalf("no pending attempt in detail: %+v", detail)
	return "", ""
}

func TestAcceptFlowAssignsContractor(t *testing.T) {
	runtime := startIntegrationRuntime(t, true)
	defer runtime.close()
	client := runtime.server.Client()
	baseURL := runtime.server.URL

	best := registerWorker(t, client, baseURL, "Helena", 4.9)
	registerWorker(t, client, baseURL, "Marcos", 4.1)

	jobID := createJob(t, client, baseURL)

	detail := jobDetail(t, client, baseURL, jobID)
	job, _ := detail["job"].(map[string]any)
	if job["status"] != "dispatching" {
		t.Fatalf("expected dispatching job, got %+v", job)
	}
	attemptID, workerID := pendingAttemptID(t, detail)
	if workerID != best {
		t.Fatalf("first offer went to %s, want the top-rated contractor %s", workerID, best)
	}

	status, body := postJSON(t, client, fmt.Sprintf("%s/v1/attempts/%s/respond", baseURL, attemptID), map[string]any{
		"worker_id": workerID,
		"outcome":   "accepted",
	}, serviceHeaders())
	if status != http.StatusOK || body["status"] != "accepted" {
		t.Fatalf("expected accepted response, got %d body=%+v", status, body)
	}

	detail = jobDetail(t, client, baseURL, jobID)
	job, _ = detail["job"].(map[string]any)
	if job["status"] != "assigned" || job["assigned_worker_id"] != best {
		t.Fatalf("job not assigned to acceptor: %+v", job)
	}
	assignment, ok := detail["assignment"].(map[string]any)
	if !ok || assignment["worker_id"] != best || assignment["assigned_by"] != "system" {
		t.Fatalf("unexpected assignment: %+v", detail["assignment"])
	}
	escalation, _ := detail["escalation"].(map[string]any)
	if escalated, _ := escalation["escalated"].(bool); escalated {
		t.Fatalf("assigned job must not be escalated: %+v", escalation)
	}

	// A second response for the same attempt is acknowledged as a no-op.
	status, body = postJSON(t, client, fmt.Sprintf("%s/v1/attempts/%s/respond", baseURL, attemptID), map[string]any{
		"worker_id": workerID,
		"outcome":   "declined",
		"reason":    "changed my mind",
	}, serviceHeaders())
	if status != http.StatusOK || body["status"] != "already_resolved" {
		t.Fatalf("expected already_resolved, got %d body=%+v", status, body)
	}
}

func TestDeclineTimeoutEscalationAndReassign(t *testing.T) {
	runtime := startIntegrationRuntime(t, true)
	defer runtime.close()
	client := runtime.server.Client()
	baseURL := runtime.server.URL

	registerWorker(t, client, baseURL, "Helena", 4.9)
	registerWorker(t, client, baseURL, "Marcos", 4.1)

	jobID := createJob(t, client, baseURL)
	attemptID, workerID := pendingAttemptID(t, jobDetail(t, client, baseURL, jobID))

	status, body := postJSON(t, client, fmt.Sprintf("%s/v1/attempts/%s/respond", baseURL, attemptID), map[string]any{
		"worker_id": workerID,
		"outcome":   "declined",
		"reason":    "too far from my area",
	}, serviceHeaders())
	if status != http.StatusOK {
		t.Fatalf("expected 200 declining, got %d body=%+v", status, body)
	}

	// The fallback contractor never answers; both candidates are now spent.
	runtime.clock.Advance(16 * time.Minute)

	detail := jobDetail(t, client, baseURL, jobID)
	escalation, _ := detail["escalation"].(map[string]any)
	if escalated, _ := escalation["escalated"].(bool); !escalated {
		t.Fatalf("expected escalated job, got %+v", escalation)
	}
	if step, _ := escalation["step"].(float64); step != 2 {
		t.Fatalf("escalation step = %v, want 2", escalation["step"])
	}

	status, body = getJSON(t, client, baseURL+"/v1/escalations", serviceHeaders())
	if status != http.StatusOK {
		t.Fatalf("expected 200 from escalations, got %d", status)
	}
	items, _ := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("escalation queue = %+v, want exactly this job", body)
	}

	// The operator forces the job onto a fresh contractor.
	rescueWorker := registerWorker(t, client, baseURL, "Paula", 3.8)
	status, body = postJSON(t, client, fmt.Sprintf("%s/v1/jobs/%s/override", baseURL, jobID), map[string]any{
		"action":    "reassign",
		"worker_id": rescueWorker,
		"note":      "customer called, needs someone today",
	}, operatorHeaders(t, "op-9"))
	if status != http.StatusOK || body["status"] != "applied" {
		t.Fatalf("expected applied override, got %d body=%+v", status, body)
	}

	detail = jobDetail(t, client, baseURL, jobID)
	escalation, _ = detail["escalation"].(map[string]any)
	if escalated, _ := escalation["escalated"].(bool); escalated {
		t.Fatalf("reassignment must clear escalation: %+v", escalation)
	}
	manualID, manualWorker := pendingAttemptID(t, detail)
	if manualWorker != rescueWorker {
		t.Fatalf("manual attempt went to %s, want %s", manualWorker, rescueWorker)
	}
	assignment, _ := detail["assignment"].(map[string]any)
	if assignment["assigned_by"] != "op-9" || assignment["is_manual"] != true {
		t.Fatalf("unexpected assignment attribution: %+v", assignment)
	}

	status, body = postJSON(t, client, fmt.Sprintf("%s/v1/attempts/%s/respond", baseURL, manualID), map[string]any{
		"worker_id": rescueWorker,
		"outcome":   "accepted",
	}, serviceHeaders())
	if status != http.StatusOK || body["status"] != "accepted" {
		t.Fatalf("expected accepted, got %d body=%+v", status, body)
	}

	detail = jobDetail(t, client, baseURL, jobID)
	assignment, _ = detail["assignment"].(map[string]any)
	if assignment["assigned_by"] != "op-9" {
		t.Fatalf("acceptance dropped operator attribution: %+v", assignment)
	}

	notes, _ := detail["notes"].([]any)
	if len(notes) == 0 {
		t.Fatalf("expected operator note on the job, got %+v", detail["notes"])
	}
}

func TestBreachListShowsOverduePendingAttempts(t *testing.T) {
	// No monitor: the pending attempt stays past its deadline instead of
	// being timed out, which is what the breach view reports.
	runtime := startIntegrationRuntime(t, false)
	defer runtime.close()
	client := runtime.server.Client()
	baseURL := runtime.server.URL

	registerWorker(t, client, baseURL, "Helena", 4.9)
	jobID := createJob(t, client, baseURL)

	status, body := getJSON(t, client, baseURL+"/v1/breaches", serviceHeaders())
	if status != http.StatusOK {
		t.Fatalf("expected 200 from breaches, got %d", status)
	}
	if items, _ := body["items"].([]any); len(items) != 0 {
		t.Fatalf("no breach expected before the deadline: %+v", body)
	}

	runtime.clock.Advance(16 * time.Minute)

	status, body = getJSON(t, client, baseURL+"/v1/breaches", serviceHeaders())
	if status != http.StatusOK {
		t.Fatalf("expected 200 from breaches, got %d", status)
	}
	items, _ := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("breach list = %+v, want exactly one entry", body)
	}
	item, _ := items[0].(map[string]any)
	if item["job_id"] != jobID || item["sla_breached"] != true {
		t.Fatalf("unexpected breach entry: %+v", item)
	}
}

func TestOperatorResolveAndManualDispatchGuards(t *testing.T) {
	runtime := startIntegrationRuntime(t, true)
	defer runtime.close()
	client := runtime.server.Client()
	baseURL := runtime.server.URL

	worker := registerWorker(t, client, baseURL, "Helena", 4.9)
	jobID := createJob(t, client, baseURL)

	// Operator-only endpoints reject the service token.
	status, body := postJSON(t, client, fmt.Sprintf("%s/v1/jobs/%s/override", baseURL, jobID), map[string]any{
		"action": "resolve",
	}, serviceHeaders())
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for service-token override, got %d body=%+v", status, body)
	}

	status, body = postJSON(t, client, fmt.Sprintf("%s/v1/jobs/%s/override", baseURL, jobID), map[string]any{
		"action": "resolve",
		"note":   "handled offline",
	}, operatorHeaders(t, "op-3"))
	if status != http.StatusOK {
		t.Fatalf("expected 200 resolving, got %d body=%+v", status, body)
	}

	detail := jobDetail(t, client, baseURL, jobID)
	job, _ := detail["job"].(map[string]any)
	if job["status"] != "completed" {
		t.Fatalf("expected completed job, got %+v", job)
	}

	// Terminal jobs cannot be dispatched again.
	status, body = postJSON(t, client, fmt.Sprintf("%s/v1/jobs/%s/dispatch", baseURL, jobID), map[string]any{
		"worker_id": worker,
	}, operatorHeaders(t, "op-3"))
	if status != http.StatusConflict || body["error"].(map[string]any)["code"] != "invalid_state" {
		t.Fatalf("expected 409 invalid_state, got %d body=%+v", status, body)
	}

	status, body = getJSON(t, client, baseURL+"/v1/jobs/does-not-exist", serviceHeaders())
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d body=%+v", status, body)
	}

	status, body = postJSON(t, client, baseURL+"/v1/jobs", map[string]any{
		"customer_id": "cust-42",
	}, serviceHeaders())
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete payload, got %d body=%+v", status, body)
	}
}

func TestJobListFiltersByStatus(t *testing.T) {
	runtime := startIntegrationRuntime(t, true)
	defer runtime.close()
	client := runtime.server.Client()
	baseURL := runtime.server.URL

	worker := registerWorker(t, client, baseURL, "Helena", 4.9)

	assignedJob := createJob(t, client, baseURL)
	attemptID, _ := pendingAttemptID(t, jobDetail(t, client, baseURL, assignedJob))
	status, _ := postJSON(t, client, fmt.Sprintf("%s/v1/attempts/%s/respond", baseURL, attemptID), map[string]any{
		"worker_id": worker,
		"outcome":   "accepted",
	}, serviceHeaders())
	if status != http.StatusOK {
		t.Fatalf("accept failed with %d", status)
	}

	openJob := createJob(t, client, baseURL)

	status, body := getJSON(t, client, baseURL+"/v1/jobs?status=assigned", serviceHeaders())
	if status != http.StatusOK {
		t.Fatalf("expected 200 listing, got %d", status)
	}
	items, _ := body["items"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["job_id"] != assignedJob {
		t.Fatalf("status filter returned %+v", body)
	}
	if total, _ := body["total"].(float64); total != 1 {
		t.Fatalf("total = %v, want 1", body["total"])
	}

	status, body = getJSON(t, client, baseURL+"/v1/jobs", serviceHeaders())
	if status != http.StatusOK {
		t.Fatalf("expected 200 listing all, got %d", status)
	}
	if total, _ := body["total"].(float64); total != 2 {
		t.Fatalf("total = %v, want 2 (jobs %s and %s)", body["total"], assignedJob, openJob)
	}
}

// Command load benchmarks the dispatch API against an in-process server over
// the memory store, reporting latency percentiles per scenario and an SLO
// verdict. No external dependencies are needed; run it directly with go run.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"sync/atomic"
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

const benchJWTSecret = "load-bench-secret"

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server *httptest.Server
}

func main() {
	createTotal := flag.Int("create-total", 300, "total job creation requests")
	createConcurrency := flag.Int("create-concurrency", 24, "concurrency for job creation")
	respondTotal := flag.Int("respond-total", 300, "total worker response requests")
	respondConcurrency := flag.Int("respond-concurrency", 24, "concurrency for worker responses")
	listTotal := flag.Int("list-total", 200, "total operator list requests")
	listConcurrency := flag.Int("list-concurrency", 20, "concurrency for operator list requests")
	detailTotal := flag.Int("detail-total", 200, "total job detail requests")
	detailConcurrency := flag.Int("detail-concurrency", 20, "concurrency for job detail requests")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env, err := startBenchmarkEnvironment()
	if err != nil {
		log.Fatalf("failed to start local benchmark environment: %v", err)
	}
	defer env.server.Close()

	client := &http.Client{Timeout: 10 * time.Second}
	opToken, err := signOperatorToken("op-load")
	if err != nil {
		log.Fatalf("failed to sign operator token: %v", err)
	}
	authHeader := map[string]string{"Authorization": "Bearer " + opToken}

	// Contractor roster shared by every scenario. Enough contractors that
	// dispatch keeps finding fresh candidates under concurrent declines.
	workerIDs := make([]string, 0, 48)
	for i := 0; i < 48; i++ {
		workerID, err := registerWorker(client, env.server.URL, fmt.Sprintf("Bench Worker %02d", i), authHeader)
		if err != nil {
			log.Fatalf("failed to register bench worker: %v", err)
		}
		workerIDs = append(workerIDs, workerID)
	}

	createScenario := runScenario("jobs_create", *createTotal, *createConcurrency, func(index int) error {
		payload := map[string]any{
			"customer_id":  fmt.Sprintf("cust-%d", index%64),
			"service_type": []string{"plumbing", "electrical", "hvac", "painting"}[index%4],
			"title":        fmt.Sprintf("Benchmark job %d", index),
		}
		_, err := postJSON(client, env.server.URL+"/v1/jobs", payload, authHeader, http.StatusCreated)
		return err
	})

	// Pre-create a batch of jobs and answer each one's pending attempt.
	type target struct {
		jobID     string
		attemptID string
		workerID  string
	}
	targets := make([]target, 0, *respondTotal)
	for i := 0; i < *respondTotal; i++ {
		body, err := postJSON(client, env.server.URL+"/v1/jobs", map[string]any{
			"customer_id":  fmt.Sprintf("respond-cust-%d", i),
			"service_type": "plumbing",
			"title":        fmt.Sprintf("Respond target %d", i),
		}, authHeader, http.StatusCreated)
		if err != nil {
			log.Fatalf("failed to seed respond target: %v", err)
		}
		jobID, _ := body["job_id"].(string)
		attemptID, workerID, err := pendingAttempt(client, env.server.URL, jobID, authHeader)
		if err != nil {
			log.Fatalf("failed to find pending attempt for %s: %v", jobID, err)
		}
		targets = append(targets, target{jobID: jobID, attemptID: attemptID, workerID: workerID})
	}

	var respondIndex int64
	respondScenario := runScenario("attempts_respond", *respondTotal, *respondConcurrency, func(int) error {
		i := atomic.AddInt64(&respondIndex, 1) - 1
		item := targets[i]
		outcome := "accepted"
		if i%3 == 0 {
			outcome = "declined"
		}
		payload := map[string]any{
			"worker_id": item.workerID,
			"outcome":   outcome,
			"reason":    "benchmark",
		}
		_, err := postJSON(client, env.server.URL+"/v1/attempts/"+item.attemptID+"/respond", payload, authHeader, http.StatusOK)
		return err
	})

	listScenario := runScenario("jobs_list", *listTotal, *listConcurrency, func(index int) error {
		url := fmt.Sprintf("%s/v1/jobs?page=%d&page_size=20", env.server.URL, (index%8)+1)
		if index%4 == 0 {
			url += "&escalated=true"
		}
		return getJSON(client, url, authHeader, http.StatusOK)
	})

	detailScenario := runScenario("jobs_detail", *detailTotal, *detailConcurrency, func(index int) error {
		item := targets[index%len(targets)]
		return getJSON(client, env.server.URL+"/v1/jobs/"+item.jobID, authHeader, http.StatusOK)
	})

	results := []scenarioResult{createScenario, respondScenario, listScenario, detailScenario}
	slo := map[string]bool{
		"job_create_p95_le_250ms":     createScenario.P95MS <= 250,
		"worker_respond_p95_le_250ms": respondScenario.P95MS <= 250,
		"operator_list_p95_le_500ms":  listScenario.P95MS <= 500,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        results,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startBenchmarkEnvironment() (*benchmarkEnv, error) {
	logger := log.New(io.Discard, "", 0)
	store := repository.NewMemoryStore()
	clk := clock.NewSystemClock()
	notifier := notify.NewLogNotifier(logger)
	provider := candidates.NewRosterProvider(store)

	engine := dispatch.NewEngine(store, provider, notifier, clk, logger, dispatch.Config{
		ResponseDeadline: time.Hour,
		MaxAutoAttempts:  3,
	})
	monitor := dispatch.NewMonitor(store, engine, clk, logger, time.Minute)
	engine.SetScheduler(monitor)
	gateway := dispatch.NewGateway(engine, store, notifier, logger)
	queries := service.NewJobQueryService(store)

	api := handlers.NewAPI(engine, gateway, queries)
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		JWTSecret:      benchJWTSecret,
		RateLimitRPS:   100000,
		RateLimitBurst: 100000,
	})

	return &benchmarkEnv{server: httptest.NewServer(router)}, nil
}

func signOperatorToken(operatorID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   operatorID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(2 * time.Hour)),
	})
	return token.SignedString([]byte(benchJWTSecret))
}

func registerWorker(client *http.Client, baseURL, name string, headers map[string]string) (string, error) {
	body, err := postJSON(client, baseURL+"/v1/workers", map[string]any{
		"name":   name,
		"rating": 4.0,
	}, headers, http.StatusCreated)
	if err != nil {
		return "", err
	}
	workerID, _ := body["worker_id"].(string)
	if workerID == "" {
		return "", fmt.Errorf("registration returned no worker id: %+v", body)
	}
	return workerID, nil
}

func pendingAttempt(client *http.Client, baseURL, jobID string, headers map[string]string) (string, string, error) {
	request, err := http.NewRequest(http.MethodGet, baseURL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return "", "", err
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	response, err := client.Do(request)
	if err != nil {
		return "", "", err
	}
	defer response.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", "", err
	}
	attempts, _ := decoded["attempts"].([]any)
	for _, item := range attempts {
		attempt, _ := item.(map[string]any)
		if attempt["status"] == "pending" {
			return attempt["attempt_id"].(string), attempt["worker_id"].(string), nil
		}
	}
	return "", "", fmt.Errorf("job %s has no pending attempt", jobID)
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{
					durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0,
				}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postJSON(
	client *http.Client,
	url string,
	payload any,
	headers map[string]string,
	expectedStatus int,
) (map[string]any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if response.StatusCode != expectedStatus {
		return nil, fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(raw))
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded, nil
}

func getJSON(client *http.Client, url string, headers map[string]string, expectedStatus int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

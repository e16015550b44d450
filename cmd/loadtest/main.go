package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iago/lesson-pipeline/internal/app"
	"github.com/iago/lesson-pipeline/internal/config"
	httpserver "github.com/iago/lesson-pipeline/internal/http"
	"github.com/iago/lesson-pipeline/internal/http/handlers"
	"github.com/iago/lesson-pipeline/internal/logging"
	"github.com/iago/lesson-pipeline/internal/service"
	"github.com/rs/zerolog"
)

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
	server     *httptest.Server
	components *app.Components
	cancel     context.CancelFunc
	workerDone chan struct{}
}

func (e *benchmarkEnv) Close() {
	e.server.Close()
	e.cancel()
	<-e.workerDone
	e.components.Close()
}

var specificQueries = []string{
	"explain how volcanoes erupt at plate boundaries",
	"how does photosynthesis turn sunlight into sugar in leaves",
	"why do the phases of the moon change during a month",
	"how do vaccines train the immune system to fight viruses",
	"what causes ocean tides along the coast every day",
}

var vagueQueries = []string{
	"tell me about stuff",
	"something about science",
	"teach me",
}

func main() {
	acceptTotal := flag.Int("accept-total", 240, "total specific lesson requests")
	acceptConcurrency := flag.Int("accept-concurrency", 24, "concurrency for specific lesson requests")
	clarifyTotal := flag.Int("clarify-total", 120, "total vague lesson requests")
	clarifyConcurrency := flag.Int("clarify-concurrency", 16, "concurrency for vague lesson requests")
	statusTotal := flag.Int("status-total", 240, "total status polls")
	statusConcurrency := flag.Int("status-concurrency", 24, "concurrency for status polls")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	logger := logging.New("test", "lesson-loadtest")

	env, err := startBenchmarkEnvironment()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start local benchmark environment")
	}
	defer env.Close()

	client := &http.Client{Timeout: 10 * time.Second}
	var idCounter int64
	var acceptedMu sync.Mutex
	accepted := make([]string, 0, *acceptTotal)

	acceptScenario := runScenario("lessons_accept", *acceptTotal, *acceptConcurrency, func(index int) error {
		n := atomic.AddInt64(&idCounter, 1)
		payload := map[string]any{
			"student_id": fmt.Sprintf("student-%d", index%50),
			"query":      specificQueries[index%len(specificQueries)],
			"interest":   "space exploration",
			"modality":   "text_audio",
		}
		headers := map[string]string{
			"Idempotency-Key": fmt.Sprintf("loadtest-%08d-%d", n, time.Now().UnixNano()),
		}
		body, err := postJSON(client, env.server.URL+"/v1/lessons", payload, headers, http.StatusAccepted)
		if err != nil {
			return err
		}
		var decoded struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(body, &decoded); err != nil {
			return fmt.Errorf("decode accepted body: %w", err)
		}
		acceptedMu.Lock()
		accepted = append(accepted, decoded.RequestID)
		acceptedMu.Unlock()
		return nil
	})

	clarifyScenario := runScenario("lessons_clarify", *clarifyTotal, *clarifyConcurrency, func(index int) error {
		payload := map[string]any{
			"student_id": fmt.Sprintf("student-%d", index%50),
			"query":      vagueQueries[index%len(vagueQueries)],
		}
		_, err := postJSON(client, env.server.URL+"/v1/lessons", payload, nil, http.StatusOK)
		return err
	})

	statusScenario := runScenario("lessons_status", *statusTotal, *statusConcurrency, func(index int) error {
		acceptedMu.Lock()
		count := len(accepted)
		var id string
		if count > 0 {
			id = accepted[index%count]
		}
		acceptedMu.Unlock()
		if id == "" {
			return fmt.Errorf("no accepted lessons to poll")
		}
		return getJSON(client, env.server.URL+"/v1/lessons/"+id, http.StatusOK)
	})

	results := []scenarioResult{acceptScenario, clarifyScenario, statusScenario}
	slo := map[string]bool{
		"generate_accept_p95_le_500ms":  acceptScenario.P95MS <= 500,
		"generate_clarify_p95_le_200ms": clarifyScenario.P95MS <= 200,
		"status_poll_p95_le_100ms":      statusScenario.P95MS <= 100,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        results,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to marshal benchmark report")
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			logger.Fatal().Err(err).Msg("failed to write output file")
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

// startBenchmarkEnvironment assembles the API and an in-process worker over
// local backends. Without provider keys every lesson fails at topic
// extraction, which keeps the run offline while exercising the full path.
func startBenchmarkEnvironment() (*benchmarkEnv, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := zerolog.Nop()

	storagePath, err := os.MkdirTemp("", "lesson-loadtest-*")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	cfg := config.Config{
		AppEnv:             "test",
		QueueBackend:       "local",
		QueueMaxDeliveries: 3,
		ObjectStore:        "filesystem",
		StoragePath:        storagePath,
		TextProvider:       "openrouter",
	}
	components, err := app.Build(ctx, cfg, config.DefaultTuning(), logger)
	if err != nil {
		cancel()
		return nil, err
	}

	intake := service.NewIntakeService(service.IntakeDependencies{
		Requests: components.Requests,
		Producer: components.Producer,
		Screener: components.Screener,
		Similar:  components.Lessons,
		Catalog:  components.Catalog,
		Logger:   logger,
	})
	router := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            handlers.NewAPI(intake, nil, logger),
		Logger:         logger,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w := components.Worker()
		for ctx.Err() == nil {
			w.Run(ctx, 30*time.Second, 200*time.Millisecond)
		}
	}()

	return &benchmarkEnv{
		server:     httptest.NewServer(router),
		components: components,
		cancel:     cancel,
		workerDone: workerDone,
	}, nil
}

func runScenario(name string, total int, concurrency int, requestFn func(index int) error) scenarioResult {
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
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
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

func postJSON(client *http.Client, url string, payload any, headers map[string]string, expectedStatus int) ([]byte, error) {
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

	body, _ := io.ReadAll(io.LimitReader(response.Body, 64<<10))
	if response.StatusCode != expectedStatus {
		return nil, fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, truncate(body, 1024))
	}
	return body, nil
}

func getJSON(client *http.Client, url string, expectedStatus int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

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

func truncate(body []byte, limit int) string {
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
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

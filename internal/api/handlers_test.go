package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"salesflow/services/dealflow/internal/flow"
	"salesflow/services/dealflow/internal/store"
	"salesflow/services/dealflow/internal/syncer"
)

type stubStore struct {
	healthErr   error
	definitions map[string]flow.MetricDefinition
	segments    map[int][]flow.StageSegment
	objectKeys  map[int]string
	createErr   error
}

func newStubStore() *stubStore {
	return &stubStore{
		definitions: map[string]flow.MetricDefinition{},
		segments:    map[int][]flow.StageSegment{},
		objectKeys:  map[int]string{},
	}
}

func (s *stubStore) Health(context.Context) error {
	return s.healthErr
}

func (s *stubStore) SegmentsForDeal(_ context.Context, dealID int) ([]flow.StageSegment, error) {
	return s.segments[dealID], nil
}

func (s *stubStore) RawObjectKeyForDeal(_ context.Context, dealID int) (string, error) {
	key, ok := s.objectKeys[dealID]
	if !ok {
		return "", store.ErrNotFound
	}
	return key, nil
}

func (s *stubStore) CreateMetricDefinition(_ context.Context, metric flow.MetricDefinition) (flow.MetricDefinition, error) {
	if s.createErr != nil {
		return flow.MetricDefinition{}, s.createErr
	}
	if _, exists := s.definitions[metric.MetricKey]; exists {
		return flow.MetricDefinition{}, store.ErrDuplicateKey
	}
	s.definitions[metric.MetricKey] = metric
	return metric, nil
}

func (s *stubStore) UpdateMetricDefinition(_ context.Context, metric flow.MetricDefinition) (flow.MetricDefinition, error) {
	if _, exists := s.definitions[metric.MetricKey]; !exists {
		return flow.MetricDefinition{}, store.ErrNotFound
	}
	s.definitions[metric.MetricKey] = metric
	return metric, nil
}

func (s *stubStore) DeleteMetricDefinition(_ context.Context, metricKey string) error {
	if _, exists := s.definitions[metricKey]; !exists {
		return store.ErrNotFound
	}
	delete(s.definitions, metricKey)
	return nil
}

func (s *stubStore) GetMetricDefinition(_ context.Context, metricKey string) (flow.MetricDefinition, error) {
	definition, ok := s.definitions[metricKey]
	if !ok {
		return flow.MetricDefinition{}, store.ErrNotFound
	}
	return definition, nil
}

func (s *stubStore) ListMetricDefinitions(_ context.Context, activeOnly bool) ([]flow.MetricDefinition, error) {
	definitions := []flow.MetricDefinition{}
	for _, definition := range s.definitions {
		if activeOnly && !definition.IsActive {
			continue
		}
		definitions = append(definitions, definition)
	}
	return definitions, nil
}

type stubComputer struct {
	mu        sync.Mutex
	summaries map[string]flow.MetricSummary
	err       error
	calls     int
}

func (c *stubComputer) ComputeMetric(_ context.Context, metric flow.MetricDefinition, periodDays int) (flow.MetricSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return flow.MetricSummary{}, c.err
	}
	if summary, ok := c.summaries[metric.MetricKey]; ok {
		summary.PeriodDays = periodDays
		return summary, nil
	}
	return flow.MetricSummary{MetricKey: metric.MetricKey, PeriodDays: periodDays}, nil
}

type stubRunner struct {
	run         syncer.Run
	opts        syncer.Options
	deadline    time.Time
	hadDeadline bool
	err         error
}

func (r *stubRunner) Run(ctx context.Context, opts syncer.Options) (syncer.Run, error) {
	r.opts = opts
	r.deadline, r.hadDeadline = ctx.Deadline()
	if r.err != nil {
		return syncer.Run{}, r.err
	}
	return r.run, nil
}

const testAdminKey = "test-admin-key"

func newTestHandler(apiStore Store, computer MetricComputer, runner SyncRunner) *Handler {
	return NewHandler(
		apiStore,
		computer,
		runner,
		nil,
		nil,
		[]string{"*"},
		testAdminKey,
		0,
		0,
		syncer.Options{Mode: syncer.ModeIncremental},
		0,
		"",
		"",
		0,
	)
}

func testMetricDefinition(key string) flow.MetricDefinition {
	return flow.MetricDefinition{
		MetricKey:    key,
		DisplayTitle: "Lead to won",
		StartStage:   flow.StageRef{StageID: 1, PipelineID: 1},
		EndStage:     flow.StageRef{StageID: 5, PipelineID: 1},
		IsActive:     true,
	}
}

func TestHealthzReportsStoreStatus(t *testing.T) {
	apiStore := newStubStore()
	handler := newTestHandler(apiStore, &stubComputer{}, &stubRunner{})
	router := handler.Router()

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	apiStore.healthErr = errors.New("db down")
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when store is down, got %d", recorder.Code)
	}
}

func TestListFlowMetricsReturnsSummaries(t *testing.T) {
	apiStore := newStubStore()
	apiStore.definitions["lead-to-won"] = testMetricDefinition("lead-to-won")
	inactive := testMetricDefinition("shelved")
	inactive.IsActive = false
	apiStore.definitions["shelved"] = inactive

	computer := &stubComputer{summaries: map[string]flow.MetricSummary{
		"lead-to-won": {MetricKey: "lead-to-won", Count: 3, AverageDays: 5},
	}}
	handler := newTestHandler(apiStore, computer, &stubRunner{})

	request := httptest.NewRequest(http.MethodGet, "/v1/flow-metrics?periodDays=30", nil)
	recorder := httptest.NewRecorder()
	handler.Router().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}

	response := struct {
		PeriodDays int              `json:"periodDays"`
		Metrics    []flowMetricItem `json:"metrics"`
	}{}
	if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.PeriodDays != 30 {
		t.Fatalf("expected periodDays echoed, got %d", response.PeriodDays)
	}
	if len(response.Metrics) != 1 {
		t.Fatalf("expected only active metrics listed, got %d", len(response.Metrics))
	}
	if response.Metrics[0].Summary.Count != 3 || response.Metrics[0].Summary.PeriodDays != 30 {
		t.Fatalf("unexpected summary: %+v", response.Metrics[0].Summary)
	}
}

func TestListFlowMetricsRejectsBadPeriod(t *testing.T) {
	handler := newTestHandler(newStubStore(), &stubComputer{}, &stubRunner{})

	request := httptest.NewRequest(http.MethodGet, "/v1/flow-metrics?periodDays=soon", nil)
	recorder := httptest.NewRecorder()
	handler.Router().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestGetFlowMetricUnknownKey(t *testing.T) {
	handler := newTestHandler(newStubStore(), &stubComputer{}, &stubRunner{})

	request := httptest.NewRequest(http.MethodGet, "/v1/flow-metrics/nope", nil)
	recorder := httptest.NewRecorder()
	handler.Router().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestGetDealSegments(t *testing.T) {
	apiStore := newStubStore()
	apiStore.segments[42] = []flow.StageSegment{{DealID: 42, StageID: 1, PipelineID: 1, SourceEventID: "ev-1"}}
	handler := newTestHandler(apiStore, &stubComputer{}, &stubRunner{})
	router := handler.Router()

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/deals/42/segments", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	response := struct {
		DealID   int                 `json:"dealId"`
		Segments []flow.StageSegment `json:"segments"`
	}{}
	if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.DealID != 42 || len(response.Segments) != 1 {
		t.Fatalf("unexpected response: %+v", response)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/deals/abc/segments", nil))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad deal id, got %d", recorder.Code)
	}
}

func TestGetDealRawEventsNotArchived(t *testing.T) {
	apiStore := newStubStore()
	apiStore.objectKeys[7] = ""
	handler := newTestHandler(apiStore, &stubComputer{}, &stubRunner{})

	recorder := httptest.NewRecorder()
	handler.Router().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/deals/7/raw-events", nil))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when deal has no archived payload, got %d", recorder.Code)
	}
}

func TestGetDealRawEventsArchiveDisabled(t *testing.T) {
	apiStore := newStubStore()
	apiStore.objectKeys[7] = "deal-events/7/latest.json"
	handler := newTestHandler(apiStore, &stubComputer{}, &stubRunner{})

	recorder := httptest.NewRecorder()
	handler.Router().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/deals/7/raw-events", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when archive is not configured, got %d", recorder.Code)
	}
}

func TestTriggerSyncRequiresAdminKey(t *testing.T) {
	handler := newTestHandler(newStubStore(), &stubComputer{}, &stubRunner{})
	router := handler.Router()

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/sync", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin key, got %d", recorder.Code)
	}

	request := httptest.NewRequest(http.MethodPost, "/v1/sync", nil)
	request.Header.Set("X-Dealflow-Admin", "wrong")
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong admin key, got %d", recorder.Code)
	}
}

func TestTriggerSyncAppliesOverrides(t *testing.T) {
	runner := &stubRunner{run: syncer.Run{RunID: "run-1", Mode: syncer.ModeFull, SuccessfulDeals: 4, FailedDeals: []syncer.DealFailure{}}}
	handler := newTestHandler(newStubStore(), &stubComputer{}, runner)

	body, _ := json.Marshal(map[string]any{"mode": "full", "batchSize": 5, "maxRetries": 1})
	request := httptest.NewRequest(http.MethodPost, "/v1/sync", bytes.NewReader(body))
	request.Header.Set("X-Dealflow-Admin", testAdminKey)
	recorder := httptest.NewRecorder()
	handler.Router().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	if runner.opts.Mode != syncer.ModeFull || runner.opts.BatchSize != 5 || runner.opts.MaxRetries != 1 {
		t.Fatalf("overrides not applied: %+v", runner.opts)
	}

	response := struct {
		Run syncer.Run `json:"run"`
	}{}
	if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Run.RunID != "run-1" {
		t.Fatalf("expected run summary in response, got %+v", response.Run)
	}
}

func TestTriggerSyncGetsSyncDeadline(t *testing.T) {
	runner := &stubRunner{run: syncer.Run{RunID: "run-2", FailedDeals: []syncer.DealFailure{}}}
	handler := newTestHandler(newStubStore(), &stubComputer{}, runner)

	request := httptest.NewRequest(http.MethodPost, "/v1/sync", nil)
	request.Header.Set("X-Dealflow-Admin", testAdminKey)
	recorder := httptest.NewRecorder()
	handler.Router().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	if !runner.hadDeadline {
		t.Fatal("expected sync run to carry a deadline")
	}
	// The sync budget, not the ordinary request timeout, bounds the run.
	if remaining := time.Until(runner.deadline); remaining <= requestTimeout {
		t.Fatalf("expected sync deadline beyond the request timeout, got %v", remaining)
	}
}

func TestTriggerSyncRejectsUnknownMode(t *testing.T) {
	handler := newTestHandler(newStubStore(), &stubComputer{}, &stubRunner{})

	request := httptest.NewRequest(http.MethodPost, "/v1/sync", bytes.NewReader([]byte(`{"mode":"sideways"}`)))
	request.Header.Set("X-Dealflow-Admin", testAdminKey)
	recorder := httptest.NewRecorder()
	handler.Router().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d", recorder.Code)
	}
}

func TestCreateMetricDefinitionValidationError(t *testing.T) {
	handler := newTestHandler(newStubStore(), &stubComputer{}, &stubRunner{})

	body, _ := json.Marshal(map[string]any{
		"metricKey":    "Bad Key!",
		"displayTitle": "",
	})
	request := httptest.NewRequest(http.MethodPost, "/v1/admin/metric-definitions/", bytes.NewReader(body))
	request.Header.Set("X-Dealflow-Admin", testAdminKey)
	recorder := httptest.NewRecorder()
	handler.Router().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", recorder.Code, recorder.Body.String())
	}

	response := struct {
		Fields map[string]string `json:"fields"`
	}{}
	if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	for _, field := range []string{"metricKey", "displayTitle", "startStage", "endStage"} {
		if response.Fields[field] == "" {
			t.Fatalf("expected field error for %s, got %+v", field, response.Fields)
		}
	}
}

func TestCreateMetricDefinitionDuplicateKey(t *testing.T) {
	apiStore := newStubStore()
	apiStore.definitions["lead-to-won"] = testMetricDefinition("lead-to-won")
	handler := newTestHandler(apiStore, &stubComputer{}, &stubRunner{})

	body, _ := json.Marshal(testMetricDefinition("lead-to-won"))
	request := httptest.NewRequest(http.MethodPost, "/v1/admin/metric-definitions/", bytes.NewReader(body))
	request.Header.Set("X-Dealflow-Admin", testAdminKey)
	recorder := httptest.NewRecorder()
	handler.Router().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
}

func TestMetricDefinitionLifecycle(t *testing.T) {
	apiStore := newStubStore()
	handler := newTestHandler(apiStore, &stubComputer{}, &stubRunner{})
	router := handler.Router()

	body, _ := json.Marshal(testMetricDefinition("qualify-to-close"))
	request := httptest.NewRequest(http.MethodPost, "/v1/admin/metric-definitions/", bytes.NewReader(body))
	request.Header.Set("X-Dealflow-Admin", testAdminKey)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", recorder.Code, recorder.Body.String())
	}

	updated := testMetricDefinition("qualify-to-close")
	updated.DisplayTitle = "Qualify to close (renamed)"
	body, _ = json.Marshal(updated)
	request = httptest.NewRequest(http.MethodPut, "/v1/admin/metric-definitions/qualify-to-close", bytes.NewReader(body))
	request.Header.Set("X-Dealflow-Admin", testAdminKey)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d body=%s", recorder.Code, recorder.Body.String())
	}

	request = httptest.NewRequest(http.MethodDelete, "/v1/admin/metric-definitions/qualify-to-close", nil)
	request.Header.Set("X-Dealflow-Admin", testAdminKey)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", recorder.Code)
	}

	request = httptest.NewRequest(http.MethodDelete, "/v1/admin/metric-definitions/qualify-to-close", nil)
	request.Header.Set("X-Dealflow-Admin", testAdminKey)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting twice, got %d", recorder.Code)
	}
}

func TestCrossPipelineAdvisoryInResponse(t *testing.T) {
	apiStore := newStubStore()
	handler := newTestHandler(apiStore, &stubComputer{}, &stubRunner{})

	definition := testMetricDefinition("cross-pipe")
	definition.EndStage = flow.StageRef{StageID: 9, PipelineID: 2}
	body, _ := json.Marshal(definition)
	request := httptest.NewRequest(http.MethodPost, "/v1/admin/metric-definitions/", bytes.NewReader(body))
	request.Header.Set("X-Dealflow-Admin", testAdminKey)
	recorder := httptest.NewRecorder()
	handler.Router().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected cross-pipeline definition accepted, got %d body=%s", recorder.Code, recorder.Body.String())
	}

	response := metricDefinitionResponse{}
	if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !response.CrossPipeline {
		t.Fatal("expected crossPipeline advisory to be set")
	}
}

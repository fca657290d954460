package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"

	"salesflow/services/dealflow/internal/archive"
	"salesflow/services/dealflow/internal/cache"
	"salesflow/services/dealflow/internal/flow"
	"salesflow/services/dealflow/internal/store"
	"salesflow/services/dealflow/internal/syncer"
)

const (
	computeConcurrency = 4

	requestTimeout     = 30 * time.Second
	defaultSyncTimeout = 10 * time.Minute
)

// Store is the persistence surface the API needs. *store.Postgres satisfies
// it; tests substitute fakes.
type Store interface {
	Health(ctx context.Context) error
	SegmentsForDeal(ctx context.Context, dealID int) ([]flow.StageSegment, error)
	RawObjectKeyForDeal(ctx context.Context, dealID int) (string, error)
	CreateMetricDefinition(ctx context.Context, metric flow.MetricDefinition) (flow.MetricDefinition, error)
	UpdateMetricDefinition(ctx context.Context, metric flow.MetricDefinition) (flow.MetricDefinition, error)
	DeleteMetricDefinition(ctx context.Context, metricKey string) error
	GetMetricDefinition(ctx context.Context, metricKey string) (flow.MetricDefinition, error)
	ListMetricDefinitions(ctx context.Context, activeOnly bool) ([]flow.MetricDefinition, error)
}

type MetricComputer interface {
	ComputeMetric(ctx context.Context, metric flow.MetricDefinition, periodDays int) (flow.MetricSummary, error)
}

type SyncRunner interface {
	Run(ctx context.Context, opts syncer.Options) (syncer.Run, error)
}

type Handler struct {
	store              Store
	computer           MetricComputer
	syncRunner         SyncRunner
	metricCache        cache.MetricCache
	eventArchive       archive.Store
	corsAllowedOrigins []string
	adminAPIKey        string
	rateLimiter        *apiRateLimiter
	alerts             *thresholdAlertNotifier
	metrics            *apiMetrics
	syncDefaults       syncer.Options
	syncTimeout        time.Duration
}

func NewHandler(
	store Store,
	computer MetricComputer,
	syncRunner SyncRunner,
	metricCache cache.MetricCache,
	eventArchive archive.Store,
	corsAllowedOrigins []string,
	adminAPIKey string,
	rateLimitRequestsPerSec float64,
	rateLimitBurst int,
	syncDefaults syncer.Options,
	syncTimeout time.Duration,
	alertWebhookURL string,
	alertAuthHeader string,
	alertCooldownMinutes int,
) *Handler {
	if metricCache == nil {
		metricCache = cache.NewNoopCache()
	}
	if eventArchive == nil {
		eventArchive = archive.NewNoopStore()
	}
	if syncTimeout <= 0 {
		syncTimeout = defaultSyncTimeout
	}

	metrics := newAPIMetrics()

	return &Handler{
		store:              store,
		computer:           computer,
		syncRunner:         syncRunner,
		metricCache:        metricCache,
		eventArchive:       eventArchive,
		corsAllowedOrigins: corsAllowedOrigins,
		adminAPIKey:        adminAPIKey,
		rateLimiter: newAPIRateLimiter(rateLimitRequestsPerSec, rateLimitBurst, func() {
			metrics.rateLimitedTotal.Add(1)
		}),
		alerts:       newThresholdAlertNotifier(alertWebhookURL, alertAuthHeader, alertCooldownMinutes),
		metrics:      metrics,
		syncDefaults: syncDefaults,
		syncTimeout:  syncTimeout,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if h.rateLimiter != nil {
		r.Use(h.rateLimiter.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Dealflow-Admin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.With(middleware.Timeout(requestTimeout)).Get("/healthz", h.healthz)
	r.With(middleware.Timeout(requestTimeout)).Get("/metricsz", h.metrics.handleMetrics)
	r.Route("/v1", func(r chi.Router) {
		// A manual backfill runs far longer than any ordinary request, so
		// the sync route carries the sync deadline, not the request one.
		r.With(h.requireAdminAccess, middleware.Timeout(h.syncTimeout)).Post("/sync", h.triggerSync)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Get("/flow-metrics", h.listFlowMetrics)
			r.Get("/flow-metrics/{metricKey}", h.getFlowMetric)
			r.Get("/deals/{dealID}/segments", h.getDealSegments)
			r.Get("/deals/{dealID}/raw-events", h.getDealRawEvents)

			r.Route("/admin/metric-definitions", func(r chi.Router) {
				r.Use(h.requireAdminAccess)
				r.Get("/", h.listMetricDefinitions)
				r.Post("/", h.createMetricDefinition)
				r.Get("/{metricKey}", h.getMetricDefinition)
				r.Put("/{metricKey}", h.updateMetricDefinition)
				r.Delete("/{metricKey}", h.deleteMetricDefinition)
			})
		})
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type flowMetricItem struct {
	Definition    flow.MetricDefinition `json:"definition"`
	CrossPipeline bool                  `json:"crossPipeline"`
	Summary       flow.MetricSummary    `json:"summary"`
}

func (h *Handler) listFlowMetrics(w http.ResponseWriter, r *http.Request) {
	periodDays, ok := parsePeriodDays(w, r)
	if !ok {
		return
	}

	definitions, err := h.store.ListMetricDefinitions(r.Context(), true)
	if err != nil {
		log.Printf("list metric definitions failed err=%v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load metric definitions"})
		return
	}

	items := make([]flowMetricItem, len(definitions))
	group, ctx := errgroup.WithContext(r.Context())
	group.SetLimit(computeConcurrency)

	for i, definition := range definitions {
		i, definition := i, definition
		group.Go(func() error {
			summary, err := h.computeSummary(ctx, definition, periodDays)
			if err != nil {
				return err
			}
			items[i] = flowMetricItem{
				Definition:    definition,
				CrossPipeline: definition.CrossPipeline(),
				Summary:       summary,
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		log.Printf("compute flow metrics failed err=%v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to compute flow metrics"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"periodDays": periodDays,
		"metrics":    items,
	})
}

func (h *Handler) getFlowMetric(w http.ResponseWriter, r *http.Request) {
	periodDays, ok := parsePeriodDays(w, r)
	if !ok {
		return
	}

	definition, err := h.store.GetMetricDefinition(r.Context(), chi.URLParam(r, "metricKey"))
	if err != nil {
		writeLookupError(w, err)
		return
	}

	summary, err := h.computeSummary(r.Context(), definition, periodDays)
	if err != nil {
		log.Printf("compute flow metric failed metric=%s err=%v", definition.MetricKey, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to compute flow metric"})
		return
	}

	writeJSON(w, http.StatusOK, flowMetricItem{
		Definition:    definition,
		CrossPipeline: definition.CrossPipeline(),
		Summary:       summary,
	})
}

// computeSummary is the read-through path: cache first, aggregator on a
// miss, then an async threshold check so a slow webhook never delays the
// response.
func (h *Handler) computeSummary(ctx context.Context, definition flow.MetricDefinition, periodDays int) (flow.MetricSummary, error) {
	h.metrics.metricQueriesTotal.Add(1)

	cached, found, err := h.metricCache.GetSummary(ctx, definition.MetricKey, periodDays)
	if err != nil {
		log.Printf("metric cache read failed metric=%s err=%v", definition.MetricKey, err)
	} else if found {
		h.metrics.cacheHitsTotal.Add(1)
		return cached, nil
	}
	h.metrics.cacheMissesTotal.Add(1)

	summary, err := h.computer.ComputeMetric(ctx, definition, periodDays)
	if err != nil {
		return flow.MetricSummary{}, err
	}

	if err := h.metricCache.SetSummary(ctx, summary); err != nil {
		log.Printf("metric cache write failed metric=%s err=%v", definition.MetricKey, err)
	}

	if h.alerts.enabled() {
		go h.checkThreshold(definition, summary)
	}

	return summary, nil
}

func (h *Handler) checkThreshold(definition flow.MetricDefinition, summary flow.MetricSummary) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sent, err := h.alerts.notifyBreach(ctx, definition, summary)
	if err != nil {
		log.Printf("threshold alert failed metric=%s err=%v", definition.MetricKey, err)
		return
	}
	if sent {
		h.metrics.thresholdAlertsTotal.Add(1)
		log.Printf("threshold alert sent metric=%s averageDays=%.2f", definition.MetricKey, summary.AverageDays)
	}
}

func (h *Handler) getDealSegments(w http.ResponseWriter, r *http.Request) {
	dealID, ok := parseDealID(w, r)
	if !ok {
		return
	}

	segments, err := h.store.SegmentsForDeal(r.Context(), dealID)
	if err != nil {
		log.Printf("load segments failed dealId=%d err=%v", dealID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load segments"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dealId":   dealID,
		"segments": segments,
	})
}

func (h *Handler) getDealRawEvents(w http.ResponseWriter, r *http.Request) {
	dealID, ok := parseDealID(w, r)
	if !ok {
		return
	}

	objectKey, err := h.store.RawObjectKeyForDeal(r.Context(), dealID)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	if objectKey == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no archived events for deal"})
		return
	}

	payload, err := h.eventArchive.LoadJSON(r.Context(), objectKey)
	if err != nil {
		if errors.Is(err, archive.ErrNotConfigured) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event archive not configured"})
			return
		}
		log.Printf("load raw events failed dealId=%d key=%s err=%v", dealID, objectKey, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load raw events"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dealId":    dealID,
		"objectKey": objectKey,
		"events":    json.RawMessage(payload),
	})
}

type syncRequest struct {
	Mode        string `json:"mode"`
	BatchSize   *int   `json:"batchSize"`
	MaxRetries  *int   `json:"maxRetries"`
	Concurrency *int   `json:"concurrency"`
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	request := syncRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
	}

	opts := h.syncDefaults
	switch syncer.Mode(strings.TrimSpace(request.Mode)) {
	case "":
		// keep the configured default
	case syncer.ModeIncremental:
		opts.Mode = syncer.ModeIncremental
	case syncer.ModeFull:
		opts.Mode = syncer.ModeFull
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "mode must be incremental or full"})
		return
	}
	if request.BatchSize != nil {
		opts.BatchSize = *request.BatchSize
	}
	if request.MaxRetries != nil {
		opts.MaxRetries = *request.MaxRetries
	}
	if request.Concurrency != nil {
		opts.Concurrency = *request.Concurrency
	}

	run, err := h.syncRunner.Run(r.Context(), opts)
	if err != nil {
		log.Printf("sync trigger failed err=%v", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "sync failed to start"})
		return
	}

	h.metrics.recordRun(run)
	h.bustAllMetricSummaries(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

// bustAllMetricSummaries drops cached summaries after a sync so reads see
// fresh segment data. Best-effort; the TTL bounds staleness anyway.
func (h *Handler) bustAllMetricSummaries(ctx context.Context) {
	definitions, err := h.store.ListMetricDefinitions(ctx, false)
	if err != nil {
		log.Printf("cache bust skipped err=%v", err)
		return
	}
	for _, definition := range definitions {
		if err := h.metricCache.BustMetric(ctx, definition.MetricKey); err != nil {
			log.Printf("cache bust failed metric=%s err=%v", definition.MetricKey, err)
		}
	}
}

type metricDefinitionPayload struct {
	MetricKey    string          `json:"metricKey"`
	DisplayTitle string          `json:"displayTitle"`
	StartStage   flow.StageRef   `json:"startStage"`
	EndStage     flow.StageRef   `json:"endStage"`
	Thresholds   flow.Thresholds `json:"thresholds"`
	Comment      string          `json:"comment"`
	SortOrder    int             `json:"sortOrder"`
	IsActive     *bool           `json:"isActive"`
}

func (p metricDefinitionPayload) toDefinition() flow.MetricDefinition {
	isActive := true
	if p.IsActive != nil {
		isActive = *p.IsActive
	}

	return flow.MetricDefinition{
		MetricKey:    strings.TrimSpace(p.MetricKey),
		DisplayTitle: strings.TrimSpace(p.DisplayTitle),
		StartStage:   p.StartStage,
		EndStage:     p.EndStage,
		Thresholds:   p.Thresholds,
		Comment:      strings.TrimSpace(p.Comment),
		SortOrder:    p.SortOrder,
		IsActive:     isActive,
	}
}

type metricDefinitionResponse struct {
	MetricDefinition flow.MetricDefinition `json:"metricDefinition"`
	CrossPipeline    bool                  `json:"crossPipeline"`
}

func (h *Handler) listMetricDefinitions(w http.ResponseWriter, r *http.Request) {
	definitions, err := h.store.ListMetricDefinitions(r.Context(), false)
	if err != nil {
		log.Printf("list metric definitions failed err=%v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load metric definitions"})
		return
	}

	items := make([]metricDefinitionResponse, 0, len(definitions))
	for _, definition := range definitions {
		items = append(items, metricDefinitionResponse{
			MetricDefinition: definition,
			CrossPipeline:    definition.CrossPipeline(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"metricDefinitions": items})
}

func (h *Handler) createMetricDefinition(w http.ResponseWriter, r *http.Request) {
	payload := metricDefinitionPayload{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	definition := payload.toDefinition()
	if err := flow.ValidateMetricDefinition(definition); err != nil {
		writeValidationError(w, err)
		return
	}

	created, err := h.store.CreateMetricDefinition(r.Context(), definition)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "metric key already exists"})
			return
		}
		log.Printf("create metric definition failed metric=%s err=%v", definition.MetricKey, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create metric definition"})
		return
	}

	if err := h.metricCache.BustMetric(r.Context(), created.MetricKey); err != nil {
		log.Printf("cache bust failed metric=%s err=%v", created.MetricKey, err)
	}

	writeJSON(w, http.StatusCreated, metricDefinitionResponse{
		MetricDefinition: created,
		CrossPipeline:    created.CrossPipeline(),
	})
}

func (h *Handler) getMetricDefinition(w http.ResponseWriter, r *http.Request) {
	definition, err := h.store.GetMetricDefinition(r.Context(), chi.URLParam(r, "metricKey"))
	if err != nil {
		writeLookupError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, metricDefinitionResponse{
		MetricDefinition: definition,
		CrossPipeline:    definition.CrossPipeline(),
	})
}

func (h *Handler) updateMetricDefinition(w http.ResponseWriter, r *http.Request) {
	payload := metricDefinitionPayload{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	definition := payload.toDefinition()
	definition.MetricKey = chi.URLParam(r, "metricKey")
	if err := flow.ValidateMetricDefinition(definition); err != nil {
		writeValidationError(w, err)
		return
	}

	updated, err := h.store.UpdateMetricDefinition(r.Context(), definition)
	if err != nil {
		writeLookupError(w, err)
		return
	}

	if err := h.metricCache.BustMetric(r.Context(), updated.MetricKey); err != nil {
		log.Printf("cache bust failed metric=%s err=%v", updated.MetricKey, err)
	}

	writeJSON(w, http.StatusOK, metricDefinitionResponse{
		MetricDefinition: updated,
		CrossPipeline:    updated.CrossPipeline(),
	})
}

func (h *Handler) deleteMetricDefinition(w http.ResponseWriter, r *http.Request) {
	metricKey := chi.URLParam(r, "metricKey")
	if err := h.store.DeleteMetricDefinition(r.Context(), metricKey); err != nil {
		writeLookupError(w, err)
		return
	}

	if err := h.metricCache.BustMetric(r.Context(), metricKey); err != nil {
		log.Printf("cache bust failed metric=%s err=%v", metricKey, err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requireAdminAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(h.adminAPIKey) == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin endpoints disabled"})
			return
		}

		provided := strings.TrimSpace(r.Header.Get("X-Dealflow-Admin"))
		if provided == h.adminAPIKey {
			next.ServeHTTP(w, r)
			return
		}

		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	})
}

func parseDealID(w http.ResponseWriter, r *http.Request) (int, bool) {
	dealID, err := strconv.Atoi(chi.URLParam(r, "dealID"))
	if err != nil || dealID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dealID must be a positive integer"})
		return 0, false
	}
	return dealID, true
}

func parsePeriodDays(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("periodDays"))
	if raw == "" {
		return 0, true
	}

	periodDays, err := strconv.Atoi(raw)
	if err != nil || periodDays < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "periodDays must be a non-negative integer"})
		return 0, false
	}
	return periodDays, true
}

func writeValidationError(w http.ResponseWriter, err error) {
	validationErr := &flow.ValidationError{}
	if errors.As(err, &validationErr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "invalid metric definition",
			"fields": validationErr.Fields,
		})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	log.Printf("lookup failed err=%v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

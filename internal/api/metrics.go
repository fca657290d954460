package api

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"salesflow/services/dealflow/internal/syncer"
)

type apiMetrics struct {
	startedAtUnix         int64
	syncRunsTotal         atomic.Int64
	syncDealsOkTotal      atomic.Int64
	syncDealsFailedTotal  atomic.Int64
	segmentsInsertedTotal atomic.Int64
	metricQueriesTotal    atomic.Int64
	cacheHitsTotal        atomic.Int64
	cacheMissesTotal      atomic.Int64
	thresholdAlertsTotal  atomic.Int64
	rateLimitedTotal      atomic.Int64
}

func newAPIMetrics() *apiMetrics {
	return &apiMetrics{
		startedAtUnix: time.Now().Unix(),
	}
}

func (m *apiMetrics) recordRun(run syncer.Run) {
	m.syncRunsTotal.Add(1)
	m.syncDealsOkTotal.Add(int64(run.SuccessfulDeals))
	m.syncDealsFailedTotal.Add(int64(len(run.FailedDeals)))
	m.segmentsInsertedTotal.Add(int64(run.InsertedSegments))
}

func (m *apiMetrics) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	uptimeSeconds := time.Now().Unix() - m.startedAtUnix
	_, _ = fmt.Fprintf(w, "# HELP dealflow_uptime_seconds Process uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE dealflow_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "dealflow_uptime_seconds %d\n", uptimeSeconds)

	_, _ = fmt.Fprintf(w, "# HELP dealflow_sync_runs_total Sync runs executed.\n")
	_, _ = fmt.Fprintf(w, "# TYPE dealflow_sync_runs_total counter\n")
	_, _ = fmt.Fprintf(w, "dealflow_sync_runs_total %d\n", m.syncRunsTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP dealflow_sync_deals_ok_total Deals synchronized successfully.\n")
	_, _ = fmt.Fprintf(w, "# TYPE dealflow_sync_deals_ok_total counter\n")
	_, _ = fmt.Fprintf(w, "dealflow_sync_deals_ok_total %d\n", m.syncDealsOkTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP dealflow_sync_deals_failed_total Deals that exhausted their retry budget.\n")
	_, _ = fmt.Fprintf(w, "# TYPE dealflow_sync_deals_failed_total counter\n")
	_, _ = fmt.Fprintf(w, "dealflow_sync_deals_failed_total %d\n", m.syncDealsFailedTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP dealflow_segments_inserted_total Stage segments newly inserted by sync runs.\n")
	_, _ = fmt.Fprintf(w, "# TYPE dealflow_segments_inserted_total counter\n")
	_, _ = fmt.Fprintf(w, "dealflow_segments_inserted_total %d\n", m.segmentsInsertedTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP dealflow_metric_queries_total Flow metric computations requested.\n")
	_, _ = fmt.Fprintf(w, "# TYPE dealflow_metric_queries_total counter\n")
	_, _ = fmt.Fprintf(w, "dealflow_metric_queries_total %d\n", m.metricQueriesTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP dealflow_cache_hits_total Metric summaries served from cache.\n")
	_, _ = fmt.Fprintf(w, "# TYPE dealflow_cache_hits_total counter\n")
	_, _ = fmt.Fprintf(w, "dealflow_cache_hits_total %d\n", m.cacheHitsTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP dealflow_cache_misses_total Metric summaries computed fresh.\n")
	_, _ = fmt.Fprintf(w, "# TYPE dealflow_cache_misses_total counter\n")
	_, _ = fmt.Fprintf(w, "dealflow_cache_misses_total %d\n", m.cacheMissesTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP dealflow_threshold_alerts_total Threshold breach notifications delivered.\n")
	_, _ = fmt.Fprintf(w, "# TYPE dealflow_threshold_alerts_total counter\n")
	_, _ = fmt.Fprintf(w, "dealflow_threshold_alerts_total %d\n", m.thresholdAlertsTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP dealflow_rate_limited_total Requests rejected due to rate limiting.\n")
	_, _ = fmt.Fprintf(w, "# TYPE dealflow_rate_limited_total counter\n")
	_, _ = fmt.Fprintf(w, "dealflow_rate_limited_total %d\n", m.rateLimitedTotal.Load())
}

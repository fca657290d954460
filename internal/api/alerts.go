package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"salesflow/services/dealflow/internal/flow"
)

// thresholdAlertNotifier posts a webhook when a metric's average lead time
// breaches its configured maxDays threshold. A per-metric cooldown keeps a
// slow funnel from paging on every dashboard refresh.
type thresholdAlertNotifier struct {
	webhookURL string
	authHeader string
	cooldown   time.Duration
	client     *http.Client

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func newThresholdAlertNotifier(webhookURL, authHeader string, cooldownMinutes int) *thresholdAlertNotifier {
	if cooldownMinutes < 0 {
		cooldownMinutes = 0
	}

	return &thresholdAlertNotifier{
		webhookURL: strings.TrimSpace(webhookURL),
		authHeader: strings.TrimSpace(authHeader),
		cooldown:   time.Duration(cooldownMinutes) * time.Minute,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		lastSent: map[string]time.Time{},
	}
}

func (n *thresholdAlertNotifier) enabled() bool {
	return n != nil && n.webhookURL != ""
}

func (n *thresholdAlertNotifier) notifyBreach(
	ctx context.Context,
	metric flow.MetricDefinition,
	summary flow.MetricSummary,
) (bool, error) {
	if !n.enabled() {
		return false, nil
	}
	if metric.Thresholds.MaxDays == nil || summary.Count == 0 {
		return false, nil
	}
	if summary.AverageDays <= *metric.Thresholds.MaxDays {
		return false, nil
	}

	if n.cooldown > 0 {
		n.mu.Lock()
		lastSentAt, seen := n.lastSent[metric.MetricKey]
		if seen && time.Since(lastSentAt) < n.cooldown {
			n.mu.Unlock()
			return false, nil
		}
		n.lastSent[metric.MetricKey] = time.Now()
		n.mu.Unlock()
	}

	payload := map[string]any{
		"event":   "flow_metric_threshold_breached",
		"sentAt":  time.Now().UTC().Format(time.RFC3339),
		"metric":  metric.MetricKey,
		"title":   metric.DisplayTitle,
		"maxDays": *metric.Thresholds.MaxDays,
		"summary": summary,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	request.Header.Set("Content-Type", "application/json")
	if n.authHeader != "" {
		request.Header.Set("Authorization", n.authHeader)
	}

	response, err := n.client.Do(request)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		rawBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return false, fmt.Errorf("webhook status=%d body=%s", response.StatusCode, strings.TrimSpace(string(rawBody)))
	}

	return true, nil
}

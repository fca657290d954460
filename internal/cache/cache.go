// Package cache is a read-through cache for computed metric summaries,
// keyed by (metricKey, periodDays). Staleness is advisory: every miss or
// cache failure falls back to a fresh computation, so nothing here is a
// correctness requirement.
package cache

import (
	"context"
	"fmt"

	"salesflow/services/dealflow/internal/flow"
)

type MetricCache interface {
	GetSummary(ctx context.Context, metricKey string, periodDays int) (flow.MetricSummary, bool, error)
	SetSummary(ctx context.Context, summary flow.MetricSummary) error
	BustMetric(ctx context.Context, metricKey string) error
	Close() error
}

func summaryKey(metricKey string, periodDays int) string {
	return fmt.Sprintf("flow-metrics:%s:%d", metricKey, periodDays)
}

func metricPattern(metricKey string) string {
	return fmt.Sprintf("flow-metrics:%s:*", metricKey)
}

// NoopCache serves a deployment without Redis: every read is a miss and
// writes vanish.
type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) GetSummary(_ context.Context, _ string, _ int) (flow.MetricSummary, bool, error) {
	return flow.MetricSummary{}, false, nil
}

func (c *NoopCache) SetSummary(_ context.Context, _ flow.MetricSummary) error {
	return nil
}

func (c *NoopCache) BustMetric(_ context.Context, _ string) error {
	return nil
}

func (c *NoopCache) Close() error {
	return nil
}

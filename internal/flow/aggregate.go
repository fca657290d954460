package flow

import (
	"context"
	"math"
)

const secondsPerDay = 86400.0

// SegmentSource is the read side of the segment store the aggregator
// depends on. Implementations decide what "updated within periodDays"
// means; periodDays <= 0 selects the whole deal population.
type SegmentSource interface {
	DealIDsForWindow(ctx context.Context, periodDays int) ([]int, error)
	SegmentsForDeal(ctx context.Context, dealID int) ([]StageSegment, error)
}

type Aggregator struct {
	source SegmentSource
}

func NewAggregator(source SegmentSource) *Aggregator {
	return &Aggregator{source: source}
}

// ComputeMetric aggregates one metric's lead time over all eligible deals.
// Deals that never complete the stage pair are excluded, not counted as
// zero. Per-deal durations are rounded to two-decimal days before the mean
// is taken, and the mean itself is rounded to whole days; both rounding
// steps match the dashboard's historical display and must stay as-is.
// An empty result set yields a zero summary, not an error.
func (a *Aggregator) ComputeMetric(ctx context.Context, metric MetricDefinition, periodDays int) (MetricSummary, error) {
	summary := MetricSummary{
		MetricKey:  metric.MetricKey,
		PeriodDays: periodDays,
	}

	dealIDs, err := a.source.DealIDsForWindow(ctx, periodDays)
	if err != nil {
		return MetricSummary{}, err
	}

	sum := 0.0
	for _, dealID := range dealIDs {
		segments, err := a.source.SegmentsForDeal(ctx, dealID)
		if err != nil {
			return MetricSummary{}, err
		}

		result, matched := MatchDuration(segments, metric)
		if !matched {
			continue
		}

		days := roundTwoDecimals(float64(result.DurationSeconds) / secondsPerDay)
		if summary.Count == 0 || days < summary.MinDays {
			summary.MinDays = days
		}
		if days > summary.MaxDays {
			summary.MaxDays = days
		}
		sum += days
		summary.Count++
	}

	if summary.Count > 0 {
		summary.AverageDays = math.Round(sum / float64(summary.Count))
	}

	return summary, nil
}

func roundTwoDecimals(value float64) float64 {
	return math.Round(value*100) / 100
}

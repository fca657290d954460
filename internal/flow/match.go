package flow

import "time"

// MatchDuration scans a deal's segments, ordered by entry time, for the
// metric's start/end stage pair and returns the lead time between them.
// The earliest start occurrence wins, then the earliest end occurrence
// strictly after it: deals can bounce back through the funnel, and the
// first forward transition is the lead time we report. Both lookups match
// on (pipelineID, stageID), since stage IDs alone collide across pipelines.
//
// The second return value is false when the deal never completes the pair.
func MatchDuration(segments []StageSegment, metric MetricDefinition) (DealMetricResult, bool) {
	start, found := earliestMatch(segments, metric.StartStage, time.Time{})
	if !found {
		return DealMetricResult{}, false
	}

	end, found := earliestMatch(segments, metric.EndStage, start.EnteredAt)
	if !found {
		return DealMetricResult{}, false
	}

	duration := int64(end.EnteredAt.Sub(start.EnteredAt) / time.Second)
	if duration <= 0 {
		return DealMetricResult{}, false
	}

	return DealMetricResult{
		DealID:          start.DealID,
		StartTimestamp:  start.EnteredAt,
		EndTimestamp:    end.EnteredAt,
		DurationSeconds: duration,
	}, true
}

// earliestMatch returns the first segment matching ref entered strictly
// after the cutoff. A zero cutoff accepts any segment.
func earliestMatch(segments []StageSegment, ref StageRef, after time.Time) (StageSegment, bool) {
	best := StageSegment{}
	found := false

	for _, segment := range segments {
		if !ref.Matches(segment) {
			continue
		}
		if !after.IsZero() && !segment.EnteredAt.After(after) {
			continue
		}
		if !found || segment.EnteredAt.Before(best.EnteredAt) {
			best = segment
			found = true
		}
	}

	return best, found
}

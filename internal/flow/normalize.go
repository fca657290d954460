package flow

import (
	"sort"
	"time"
)

// Normalize turns a deal's raw flow history into ordered stage-occupancy
// segments. Non-stage-change records are discarded, the remainder is sorted
// ascending by timestamp, and each segment except the last is closed with
// the next segment's entry time. The CRM does not guarantee delivery order,
// so sorting here is load-bearing; ties keep arrival order (stable sort).
func Normalize(dealID int, events []RawStageChangeEvent) []StageSegment {
	changes := make([]RawStageChangeEvent, 0, len(events))
	for _, event := range events {
		if !event.IsStageChange() {
			continue
		}
		changes = append(changes, event)
	}

	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].OccurredAt.Before(changes[j].OccurredAt)
	})

	segments := make([]StageSegment, 0, len(changes))
	for _, change := range changes {
		segments = append(segments, StageSegment{
			DealID:        dealID,
			PipelineID:    change.PipelineID,
			StageID:       change.StageID,
			StageName:     change.StageName,
			EnteredAt:     change.OccurredAt,
			SourceEventID: change.EventID,
		})
	}

	for i := 0; i < len(segments)-1; i++ {
		leftAt := segments[i+1].EnteredAt
		duration := int64(leftAt.Sub(segments[i].EnteredAt) / time.Second)
		segments[i].LeftAt = &leftAt
		segments[i].DurationSeconds = &duration
	}

	return segments
}

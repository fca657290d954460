package flow

import "time"

// FieldKeyStageID marks a raw CRM change record as a pipeline stage change.
// Pipedrive flow updates carry many field changes; only these become segments.
const FieldKeyStageID = "stage_id"

// RawStageChangeEvent is one CRM activity record from a deal's flow history.
// EventID is CRM-assigned and globally unique; it is the deduplication key
// for the segment derived from this event.
type RawStageChangeEvent struct {
	EventID    string    `json:"eventId"`
	DealID     int       `json:"dealId"`
	FieldKey   string    `json:"fieldKey"`
	StageID    int       `json:"stageId"`
	PipelineID int       `json:"pipelineId"`
	StageName  string    `json:"stageName"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (e RawStageChangeEvent) IsStageChange() bool {
	return e.FieldKey == FieldKeyStageID
}

// StageSegment is one continuous interval a deal spent in one pipeline stage.
// LeftAt and DurationSeconds are nil for the deal's current (open) stage.
type StageSegment struct {
	DealID          int        `json:"dealId"`
	PipelineID      int        `json:"pipelineId"`
	StageID         int        `json:"stageId"`
	StageName       string     `json:"stageName"`
	EnteredAt       time.Time  `json:"enteredAt"`
	LeftAt          *time.Time `json:"leftAt"`
	DurationSeconds *int64     `json:"durationSeconds"`
	SourceEventID   string     `json:"sourceEventId"`
}

// StageRef identifies a stage. Stage IDs are only unique within a pipeline,
// so a bare stage ID is never enough to address a stage.
type StageRef struct {
	StageID    int `json:"stageId"`
	PipelineID int `json:"pipelineId"`
}

func (r StageRef) Matches(segment StageSegment) bool {
	return segment.StageID == r.StageID && segment.PipelineID == r.PipelineID
}

type Thresholds struct {
	MinDays *float64 `json:"minDays,omitempty"`
	MaxDays *float64 `json:"maxDays,omitempty"`
}

// MetricDefinition is a named lead-time metric between two pipeline stages.
// The stages may belong to different pipelines (cross-pipeline metric).
type MetricDefinition struct {
	MetricKey    string     `json:"metricKey"`
	DisplayTitle string     `json:"displayTitle"`
	StartStage   StageRef   `json:"startStage"`
	EndStage     StageRef   `json:"endStage"`
	Thresholds   Thresholds `json:"thresholds"`
	Comment      string     `json:"comment,omitempty"`
	SortOrder    int        `json:"sortOrder"`
	IsActive     bool       `json:"isActive"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func (m MetricDefinition) CrossPipeline() bool {
	return m.StartStage.PipelineID != m.EndStage.PipelineID
}

// DealMetricResult is one deal's lead time for one metric. Derived on read,
// never persisted.
type DealMetricResult struct {
	DealID          int       `json:"dealId"`
	StartTimestamp  time.Time `json:"startTimestamp"`
	EndTimestamp    time.Time `json:"endTimestamp"`
	DurationSeconds int64     `json:"durationSeconds"`
}

// MetricSummary aggregates lead times across deals. AverageDays is rounded
// to whole days for display; MinDays and MaxDays keep two decimals.
type MetricSummary struct {
	MetricKey   string  `json:"metricKey"`
	PeriodDays  int     `json:"periodDays"`
	Count       int     `json:"count"`
	AverageDays float64 `json:"averageDays"`
	MinDays     float64 `json:"minDays"`
	MaxDays     float64 `json:"maxDays"`
}

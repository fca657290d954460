package flow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var metricKeyPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidationError reports why a metric definition was rejected, keyed by
// field. Definitions failing validation are never persisted.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", key, e.Fields[key]))
	}
	return "invalid metric definition: " + strings.Join(parts, "; ")
}

// ValidateMetricDefinition enforces the structural rules for a metric:
// slug-shaped key, both stages fully qualified and distinct by stage ID,
// and ordered thresholds. A cross-pipeline stage pair is valid; callers
// surface it as an advisory, not an error.
func ValidateMetricDefinition(metric MetricDefinition) error {
	fields := map[string]string{}

	if !metricKeyPattern.MatchString(metric.MetricKey) {
		fields["metricKey"] = "must match ^[a-z0-9-]+$"
	}
	if strings.TrimSpace(metric.DisplayTitle) == "" {
		fields["displayTitle"] = "is required"
	}
	if metric.StartStage.StageID <= 0 || metric.StartStage.PipelineID <= 0 {
		fields["startStage"] = "stageId and pipelineId are required"
	}
	if metric.EndStage.StageID <= 0 || metric.EndStage.PipelineID <= 0 {
		fields["endStage"] = "stageId and pipelineId are required"
	}
	if fields["startStage"] == "" && fields["endStage"] == "" &&
		metric.StartStage.StageID == metric.EndStage.StageID {
		fields["endStage"] = "must differ from startStage by stage id"
	}
	if metric.Thresholds.MinDays != nil && metric.Thresholds.MaxDays != nil &&
		*metric.Thresholds.MinDays > *metric.Thresholds.MaxDays {
		fields["thresholds"] = "minDays must not exceed maxDays"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

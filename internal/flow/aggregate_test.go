package flow

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSegmentSource struct {
	deals      map[int][]StageSegment
	windowed   map[int][]int
	listErr    error
	segmentErr error
}

func (f *fakeSegmentSource) DealIDsForWindow(_ context.Context, periodDays int) ([]int, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if ids, ok := f.windowed[periodDays]; ok {
		return ids, nil
	}
	ids := make([]int, 0, len(f.deals))
	for dealID := range f.deals {
		ids = append(ids, dealID)
	}
	return ids, nil
}

func (f *fakeSegmentSource) SegmentsForDeal(_ context.Context, dealID int) ([]StageSegment, error) {
	if f.segmentErr != nil {
		return nil, f.segmentErr
	}
	return f.deals[dealID], nil
}

func dealSegments(dealID int, startEntered, endEntered time.Time) []StageSegment {
	return []StageSegment{
		segmentAt(dealID, 1, 1, startEntered),
		segmentAt(dealID, 2, 1, endEntered),
	}
}

func TestComputeMetricEmptySetReturnsZeros(t *testing.T) {
	aggregator := NewAggregator(&fakeSegmentSource{deals: map[int][]StageSegment{}})
	metric := pairMetric(StageRef{StageID: 1, PipelineID: 1}, StageRef{StageID: 2, PipelineID: 1})

	summary, err := aggregator.ComputeMetric(context.Background(), metric, 0)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if summary.Count != 0 || summary.AverageDays != 0 || summary.MinDays != 0 || summary.MaxDays != 0 {
		t.Fatalf("expected zero summary, got %+v", summary)
	}
}

func TestComputeMetricExcludesUnmatchedDeals(t *testing.T) {
	base := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSegmentSource{deals: map[int][]StageSegment{
		1: dealSegments(1, base, base.Add(2*24*time.Hour)),
		2: {segmentAt(2, 1, 1, base)}, // never reaches the end stage
		3: dealSegments(3, base, base.Add(4*24*time.Hour)),
	}}
	aggregator := NewAggregator(source)
	metric := pairMetric(StageRef{StageID: 1, PipelineID: 1}, StageRef{StageID: 2, PipelineID: 1})

	summary, err := aggregator.ComputeMetric(context.Background(), metric, 0)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if summary.Count != 2 {
		t.Fatalf("expected 2 matched deals, got %d", summary.Count)
	}
	if summary.MinDays != 2 || summary.MaxDays != 4 {
		t.Fatalf("expected min 2 / max 4 days, got %v / %v", summary.MinDays, summary.MaxDays)
	}
	if summary.AverageDays != 3 {
		t.Fatalf("expected average 3 days, got %v", summary.AverageDays)
	}
}

func TestComputeMetricTwoStepRounding(t *testing.T) {
	base := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	// 1.004 days and 2.006 days: per-deal rounding to 1.0 and 2.01 happens
	// before the mean, which then rounds to 2 whole days.
	source := &fakeSegmentSource{deals: map[int][]StageSegment{
		1: dealSegments(1, base, base.Add(time.Duration(1.004*secondsPerDay*float64(time.Second)))),
		2: dealSegments(2, base, base.Add(time.Duration(2.006*secondsPerDay*float64(time.Second)))),
	}}
	aggregator := NewAggregator(source)
	metric := pairMetric(StageRef{StageID: 1, PipelineID: 1}, StageRef{StageID: 2, PipelineID: 1})

	summary, err := aggregator.ComputeMetric(context.Background(), metric, 0)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if summary.MinDays != 1.0 {
		t.Fatalf("expected per-deal rounding to 1.0, got %v", summary.MinDays)
	}
	if summary.MaxDays != 2.01 {
		t.Fatalf("expected per-deal rounding to 2.01, got %v", summary.MaxDays)
	}
	if summary.AverageDays != 2 {
		t.Fatalf("expected whole-day average 2, got %v", summary.AverageDays)
	}
}

func TestComputeMetricHonorsWindow(t *testing.T) {
	base := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSegmentSource{
		deals: map[int][]StageSegment{
			1: dealSegments(1, base, base.Add(24*time.Hour)),
			2: dealSegments(2, base, base.Add(72*time.Hour)),
		},
		windowed: map[int][]int{30: {1}},
	}
	aggregator := NewAggregator(source)
	metric := pairMetric(StageRef{StageID: 1, PipelineID: 1}, StageRef{StageID: 2, PipelineID: 1})

	summary, err := aggregator.ComputeMetric(context.Background(), metric, 30)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if summary.Count != 1 || summary.MaxDays != 1 {
		t.Fatalf("expected only deal 1 inside the window, got %+v", summary)
	}
	if summary.PeriodDays != 30 {
		t.Fatalf("expected periodDays echoed, got %d", summary.PeriodDays)
	}
}

func TestComputeMetricPropagatesStoreErrors(t *testing.T) {
	wantErr := errors.New("store down")
	aggregator := NewAggregator(&fakeSegmentSource{listErr: wantErr})
	metric := pairMetric(StageRef{StageID: 1, PipelineID: 1}, StageRef{StageID: 2, PipelineID: 1})

	if _, err := aggregator.ComputeMetric(context.Background(), metric, 0); !errors.Is(err, wantErr) {
		t.Fatalf("expected store error to propagate, got %v", err)
	}
}

// Package syncer reconciles the local segment store with the CRM's deal
// flow history. Runs are periodic (incremental) or on-demand (full);
// per-deal failures are isolated and reported, never fatal to the run.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"salesflow/services/dealflow/internal/archive"
	"salesflow/services/dealflow/internal/flow"
	"salesflow/services/dealflow/internal/store"
)

type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
)

const (
	defaultBatchSize         = 50
	defaultMaxRetries        = 2
	defaultConcurrency       = 4
	defaultIncrementalWindow = 6 * time.Hour
)

// CRM is the external deal source. Transport-level rate limiting and
// timeouts are the client's concern, not the engine's.
type CRM interface {
	FetchStageHistory(ctx context.Context, dealID int) ([]flow.RawStageChangeEvent, error)
	ListDealsUpdatedSince(ctx context.Context, since time.Time) ([]int, error)
	ListAllDealIDs(ctx context.Context) ([]int, error)
}

// Store is the write side of the segment store. Upserts are idempotent by
// source event ID, which is what makes concurrent or repeated runs over
// the same deal safe.
type Store interface {
	UpsertSegments(ctx context.Context, segments []flow.StageSegment) (store.UpsertResult, error)
	RecordDealSynced(ctx context.Context, dealID int, syncedAt time.Time, rawObjectKey string) error
}

type Options struct {
	Mode              Mode          `json:"mode"`
	BatchSize         int           `json:"batchSize"`
	MaxRetries        int           `json:"maxRetries"`
	Concurrency       int           `json:"concurrency"`
	IncrementalWindow time.Duration `json:"-"`
}

type DealFailure struct {
	DealID int    `json:"dealId"`
	Error  string `json:"error"`
}

// Run is the report of one engine invocation. Held in memory and returned
// to the trigger; not persisted.
type Run struct {
	RunID            string        `json:"runId"`
	Mode             Mode          `json:"mode"`
	StartedAt        time.Time     `json:"startedAt"`
	TotalDeals       int           `json:"totalDeals"`
	ProcessedDeals   int           `json:"processedDeals"`
	SuccessfulDeals  int           `json:"successfulDeals"`
	FailedDeals      []DealFailure `json:"failedDeals"`
	InsertedSegments int           `json:"insertedSegments"`
	SkippedSegments  int           `json:"skippedSegments"`
	DurationMs       int64         `json:"durationMs"`
}

type Engine struct {
	crm     CRM
	store   Store
	archive archive.Store
	backoff BackoffPolicy
}

func New(crm CRM, segmentStore Store, eventArchive archive.Store, backoff BackoffPolicy) *Engine {
	if eventArchive == nil {
		eventArchive = archive.NewNoopStore()
	}
	if backoff == nil {
		backoff = NoBackoff{}
	}

	return &Engine{
		crm:     crm,
		store:   segmentStore,
		archive: eventArchive,
		backoff: backoff,
	}
}

// Run synchronizes the selected deal population. It returns an error only
// when the deal enumeration itself fails; everything after that point is
// reported through the Run summary, even if every deal failed. A deadline
// on ctx bounds the whole run: remaining deals are recorded as failed and
// the summary still comes back.
func (e *Engine) Run(ctx context.Context, opts Options) (Run, error) {
	opts = withDefaults(opts)
	started := time.Now()

	run := Run{
		RunID:       uuid.NewString(),
		Mode:        opts.Mode,
		StartedAt:   started.UTC(),
		FailedDeals: []DealFailure{},
	}

	dealIDs, err := e.enumerateDeals(ctx, opts)
	if err != nil {
		return Run{}, fmt.Errorf("enumerate deals: %w", err)
	}
	run.TotalDeals = len(dealIDs)

	log.Printf("sync started runId=%s mode=%s deals=%d batchSize=%d", run.RunID, opts.Mode, len(dealIDs), opts.BatchSize)

	var mu sync.Mutex
	for batchStart := 0; batchStart < len(dealIDs); batchStart += opts.BatchSize {
		if ctx.Err() != nil {
			break
		}

		batchEnd := batchStart + opts.BatchSize
		if batchEnd > len(dealIDs) {
			batchEnd = len(dealIDs)
		}

		group := new(errgroup.Group)
		group.SetLimit(opts.Concurrency)

		for _, dealID := range dealIDs[batchStart:batchEnd] {
			dealID := dealID
			group.Go(func() error {
				outcome := e.syncDeal(ctx, dealID, opts.MaxRetries)

				mu.Lock()
				defer mu.Unlock()
				run.ProcessedDeals++
				if outcome.err != nil {
					run.FailedDeals = append(run.FailedDeals, DealFailure{DealID: dealID, Error: outcome.err.Error()})
					log.Printf("sync deal failed runId=%s dealId=%d err=%v", run.RunID, dealID, outcome.err)
					return nil
				}
				run.SuccessfulDeals++
				run.InsertedSegments += outcome.upsert.Inserted
				run.SkippedSegments += outcome.upsert.Skipped
				return nil
			})
		}

		_ = group.Wait()
	}

	if ctx.Err() != nil {
		for _, dealID := range dealIDs[run.ProcessedDeals:] {
			run.ProcessedDeals++
			run.FailedDeals = append(run.FailedDeals, DealFailure{DealID: dealID, Error: ctx.Err().Error()})
		}
		log.Printf("sync deadline hit runId=%s processed=%d of=%d", run.RunID, run.SuccessfulDeals, run.TotalDeals)
	}

	sort.Slice(run.FailedDeals, func(i, j int) bool {
		return run.FailedDeals[i].DealID < run.FailedDeals[j].DealID
	})

	run.DurationMs = time.Since(started).Milliseconds()
	log.Printf(
		"sync completed runId=%s mode=%s ok=%d failed=%d inserted=%d skipped=%d durationMs=%d",
		run.RunID, run.Mode, run.SuccessfulDeals, len(run.FailedDeals), run.InsertedSegments, run.SkippedSegments, run.DurationMs,
	)

	return run, nil
}

func (e *Engine) enumerateDeals(ctx context.Context, opts Options) ([]int, error) {
	if opts.Mode == ModeFull {
		return e.crm.ListAllDealIDs(ctx)
	}
	return e.crm.ListDealsUpdatedSince(ctx, time.Now().UTC().Add(-opts.IncrementalWindow))
}

type dealOutcome struct {
	upsert store.UpsertResult
	err    error
}

// syncDeal runs the per-deal pipeline: fetch, normalize, upsert, record.
// Fetch and upsert share the same retry budget; the raw payload archive is
// best-effort and never fails the deal.
func (e *Engine) syncDeal(ctx context.Context, dealID, maxRetries int) dealOutcome {
	var events []flow.RawStageChangeEvent
	err := e.withRetry(ctx, maxRetries, func(ctx context.Context) error {
		fetched, err := e.crm.FetchStageHistory(ctx, dealID)
		if err != nil {
			return err
		}
		events = fetched
		return nil
	})
	if err != nil {
		return dealOutcome{err: fmt.Errorf("fetch stage history: %w", err)}
	}

	segments := flow.Normalize(dealID, events)

	var upsert store.UpsertResult
	err = e.withRetry(ctx, maxRetries, func(ctx context.Context) error {
		result, err := e.store.UpsertSegments(ctx, segments)
		if err != nil {
			return err
		}
		upsert = result
		return nil
	})
	if err != nil {
		return dealOutcome{err: fmt.Errorf("upsert segments: %w", err)}
	}

	objectKey := e.archiveRawEvents(ctx, dealID, events)

	if err := e.store.RecordDealSynced(ctx, dealID, time.Now().UTC(), objectKey); err != nil {
		return dealOutcome{err: fmt.Errorf("record sync state: %w", err)}
	}

	return dealOutcome{upsert: upsert}
}

func (e *Engine) archiveRawEvents(ctx context.Context, dealID int, events []flow.RawStageChangeEvent) string {
	payload, err := json.Marshal(events)
	if err != nil {
		return ""
	}

	objectKey := fmt.Sprintf("deal-events/%d/latest.json", dealID)
	if err := e.archive.StoreJSON(ctx, objectKey, payload); err != nil {
		if err != archive.ErrNotConfigured {
			log.Printf("raw event archive failed dealId=%d err=%v", dealID, err)
		}
		return ""
	}
	return objectKey
}

// withRetry runs op once plus up to maxRetries retries, pausing per the
// backoff policy between attempts.
func (e *Engine) withRetry(ctx context.Context, maxRetries int, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		if attempt > 0 {
			if err := e.backoff.Wait(ctx, attempt); err != nil {
				return lastErr
			}
		}

		if err := op(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func withDefaults(opts Options) Options {
	if opts.Mode != ModeFull {
		opts.Mode = ModeIncremental
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.IncrementalWindow <= 0 {
		opts.IncrementalWindow = defaultIncrementalWindow
	}
	return opts
}

package main

import (
	"context"
	"log"
	"time"

	"salesflow/services/dealflow/internal/syncer"
)

// startSyncScheduler kicks off the periodic incremental sync. Interval 0
// disables scheduling; deployments can still trigger runs through the API.
func startSyncScheduler(
	ctx context.Context,
	engine *syncer.Engine,
	interval time.Duration,
	timeout time.Duration,
	opts syncer.Options,
) {
	if interval > 0 {
		go runSyncLoop(ctx, engine, interval, timeout, opts)
	}
}

func runSyncLoop(
	ctx context.Context,
	engine *syncer.Engine,
	interval time.Duration,
	timeout time.Duration,
	opts syncer.Options,
) {
	runSyncCycle(ctx, engine, timeout, opts)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runSyncCycle(ctx, engine, timeout, opts)
		}
	}
}

func runSyncCycle(ctx context.Context, engine *syncer.Engine, timeout time.Duration, opts syncer.Options) {
	cycleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run, err := engine.Run(cycleCtx, opts)
	if err != nil {
		log.Printf("scheduled sync failed: %v", err)
		return
	}

	log.Printf(
		"scheduled sync completed runId=%s ok=%d failed=%d inserted=%d",
		run.RunID, run.SuccessfulDeals, len(run.FailedDeals), run.InsertedSegments,
	)
}

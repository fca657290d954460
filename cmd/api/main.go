package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"salesflow/services/dealflow/internal/api"
	"salesflow/services/dealflow/internal/archive"
	"salesflow/services/dealflow/internal/cache"
	"salesflow/services/dealflow/internal/config"
	"salesflow/services/dealflow/internal/crm"
	"salesflow/services/dealflow/internal/flow"
	"salesflow/services/dealflow/internal/store"
	"salesflow/services/dealflow/internal/syncer"
)

func main() {
	cfg := config.Load()

	ctx := context.Background()
	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema setup failed: %v", err)
	}

	var metricCache cache.MetricCache
	redisCache, err := cache.NewRedisCache(cfg.RedisAddr, time.Duration(cfg.CacheTTLSeconds)*time.Second)
	if err != nil {
		log.Printf("metric cache unavailable (%v), continuing without caching", err)
		metricCache = cache.NewNoopCache()
	} else {
		metricCache = redisCache
	}
	defer metricCache.Close()

	var eventArchive archive.Store
	if cfg.S3Bucket != "" {
		s3Store, err := archive.NewS3Store(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket)
		if err != nil {
			log.Printf("event archive unavailable (%v), continuing without archiving", err)
			eventArchive = archive.NewNoopStore()
		} else {
			eventArchive = s3Store
		}
	} else {
		eventArchive = archive.NewNoopStore()
	}
	defer eventArchive.Close()

	crmClient := crm.NewClient(cfg.PipedriveBaseURL, cfg.PipedriveAPIToken, cfg.PipedriveRequestsPerSec)

	var backoff syncer.BackoffPolicy = syncer.NoBackoff{}
	if cfg.RetryDelayMillis > 0 {
		backoff = syncer.FixedDelay{Delay: time.Duration(cfg.RetryDelayMillis) * time.Millisecond}
	}
	engine := syncer.New(crmClient, db, eventArchive, backoff)

	syncDefaults := syncer.Options{
		Mode:              syncer.ModeIncremental,
		BatchSize:         cfg.SyncBatchSize,
		MaxRetries:        cfg.SyncMaxRetries,
		Concurrency:       cfg.SyncConcurrency,
		IncrementalWindow: time.Duration(cfg.IncrementalWindowHours) * time.Hour,
	}

	aggregator := flow.NewAggregator(db)

	handler := api.NewHandler(
		db,
		aggregator,
		engine,
		metricCache,
		eventArchive,
		cfg.CORSAllowedOrigins,
		cfg.AdminAPIKey,
		cfg.RateLimitRequestsPerSec,
		cfg.RateLimitBurst,
		syncDefaults,
		time.Duration(cfg.SyncTimeoutMinutes)*time.Minute,
		cfg.AlertWebhookURL,
		cfg.AlertAuthHeader,
		cfg.AlertCooldownMinutes,
	)
	router := handler.Router()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startSyncScheduler(
		shutdownCtx,
		engine,
		time.Duration(cfg.SyncIntervalMinutes)*time.Minute,
		time.Duration(cfg.SyncTimeoutMinutes)*time.Minute,
		syncDefaults,
	)

	go func() {
		log.Printf("dealflow listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxTimeout); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"salesflow/services/dealflow/internal/flow"
)

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(addr string, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) GetSummary(ctx context.Context, metricKey string, periodDays int) (flow.MetricSummary, bool, error) {
	payload, err := c.client.Get(ctx, summaryKey(metricKey, periodDays)).Result()
	if errors.Is(err, redis.Nil) {
		return flow.MetricSummary{}, false, nil
	}
	if err != nil {
		return flow.MetricSummary{}, false, err
	}

	summary := flow.MetricSummary{}
	if err := json.Unmarshal([]byte(payload), &summary); err != nil {
		return flow.MetricSummary{}, false, fmt.Errorf("decode cached summary: %w", err)
	}

	return summary, true, nil
}

func (c *RedisCache) SetSummary(ctx context.Context, summary flow.MetricSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, summaryKey(summary.MetricKey, summary.PeriodDays), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache summary: %w", err)
	}
	return nil
}

// BustMetric drops every cached period for one metric. Called on any
// configuration write so readers never see a summary computed from a
// stale definition.
func (c *RedisCache) BustMetric(ctx context.Context, metricKey string) error {
	iter := c.client.Scan(ctx, 0, metricPattern(metricKey), 100).Iterator()
	keys := make([]string, 0)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cached summaries: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("bust cached summaries: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

const (
	suspendRetryKey      = "billing:dunning:suspend_retry"
	suspendRetryItemsKey = "billing:dunning:suspend_retry:items"
)

// SuspendRetry is a provider suspension that failed during a sweep.
type SuspendRetry struct {
	SubscriptionID         string `json:"subscription_id"`
	Provider               string `json:"provider"`
	ProviderSubscriptionID string `json:"provider_subscription_id"`
	Attempts               int    `json:"attempts"`
	LastError              string `json:"last_error,omitempty"`
}

type RetryQueueConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// SuspendRetryQueue is a sorted set scored by next attempt time, with the
// payload kept in a hash keyed by subscription id. One entry per subscription.
type SuspendRetryQueue struct {
	client redis.UniversalClient
	cfg    RetryQueueConfig
}

func NewSuspendRetryQueue(client redis.UniversalClient, cfg RetryQueueConfig) *SuspendRetryQueue {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 15 * time.Minute
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 6 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	return &SuspendRetryQueue{client: client, cfg: cfg}
}

// Schedule records a failed attempt and plans the next one. It returns false
// when the item has used up its attempts and was dropped.
func (q *SuspendRetryQueue) Schedule(ctx context.Context, item SuspendRetry, now time.Time) (bool, error) {
	item.Attempts++
	if item.Attempts >= q.cfg.MaxAttempts {
		return false, q.Remove(ctx, item.SubscriptionID)
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("failed to marshal retry: %w", err)
	}

	next := now.Add(q.delay(item.Attempts))
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, suspendRetryItemsKey, item.SubscriptionID, payload)
		pipe.ZAdd(ctx, suspendRetryKey, redis.Z{Score: float64(next.Unix()), Member: item.SubscriptionID})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to schedule suspend retry: %w", err)
	}
	return true, nil
}

// Due returns up to limit items whose next attempt is at or before now.
func (q *SuspendRetryQueue) Due(ctx context.Context, now time.Time, limit int64) ([]SuspendRetry, error) {
	ids, err := q.client.ZRangeByScore(ctx, suspendRetryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due retries: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := q.client.HMGet(ctx, suspendRetryItemsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read retry payloads: %w", err)
	}

	items := make([]SuspendRetry, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			// payload vanished; drop the orphaned schedule entry
			q.client.ZRem(ctx, suspendRetryKey, ids[i])
			continue
		}
		var item SuspendRetry
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("failed to decode retry %s: %w", ids[i], err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Remove drops a subscription from the queue.
func (q *SuspendRetryQueue) Remove(ctx context.Context, subscriptionID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, suspendRetryKey, subscriptionID)
		pipe.HDel(ctx, suspendRetryItemsKey, subscriptionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove suspend retry: %w", err)
	}
	return nil
}

// Len returns the number of queued items.
func (q *SuspendRetryQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, suspendRetryKey).Result()
}

// delay is the exponential wait before the given attempt number.
func (q *SuspendRetryQueue) delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialInterval
	b.MaxInterval = q.cfg.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

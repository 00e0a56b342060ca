package scoring

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"manuscript/api/internal/metrics"
)

const retryKey = "score:retry"

// DuplicateLookup reports the current duplicate flag of a manuscript. It
// returns sql.ErrNoRows once the manuscript is gone.
type DuplicateLookup func(ctx context.Context, manuscriptID string) (bool, error)

type Dispatcher struct {
	scorer     Scorer
	redis      *redis.Client
	duplicates DuplicateLookup
	metrics    *metrics.Metrics
	logger     *zap.Logger
	timeout    time.Duration
}

func NewDispatcher(scorer Scorer, client *redis.Client, duplicates DuplicateLookup, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		scorer:     scorer,
		redis:      client,
		duplicates: duplicates,
		metrics:    m,
		logger:     logger,
		timeout:    10 * time.Second,
	}
}

// Request recomputes now and parks the manuscript for retry on failure.
func (d *Dispatcher) Request(ctx context.Context, manuscriptID string, duplicate bool) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	err := d.scorer.Recompute(callCtx, manuscriptID, duplicate)
	if err == nil {
		d.metrics.Scoring("ok")
		return
	}
	d.metrics.Scoring("failed")
	d.logger.Warn("score recompute failed, queued for retry", zap.String("manuscript_id", manuscriptID), zap.Error(err))
	if err := d.redis.SAdd(callCtx, retryKey, manuscriptID).Err(); err != nil {
		d.logger.Error("queue score retry", zap.String("manuscript_id", manuscriptID), zap.Error(err))
	}
}

// Pending lists manuscripts waiting for a retry.
func (d *Dispatcher) Pending(ctx context.Context) ([]string, error) {
	ids, err := d.redis.SMembers(ctx, retryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list score retries: %w", err)
	}
	return ids, nil
}

// Sweep retries every parked manuscript once and returns how many succeeded.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	ids, err := d.Pending(ctx)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, id := range ids {
		duplicate, err := d.duplicates(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			d.redis.SRem(ctx, retryKey, id)
			continue
		}
		if err != nil {
			d.logger.Warn("score retry lookup failed", zap.String("manuscript_id", id), zap.Error(err))
			continue
		}
		if err := d.scorer.Recompute(ctx, id, duplicate); err != nil {
			d.metrics.Scoring("retry_failed")
			d.logger.Warn("score retry failed", zap.String("manuscript_id", id), zap.Error(err))
			continue
		}
		d.metrics.Scoring("retried")
		if err := d.redis.SRem(ctx, retryKey, id).Err(); err != nil {
			return done, fmt.Errorf("clear score retry: %w", err)
		}
		done++
	}
	return done, nil
}

// Schedule runs Sweep on the cron spec until the returned scheduler is stopped.
func (d *Dispatcher) Schedule(spec string) (*cron.Cron, error) {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		count, err := d.Sweep(ctx)
		if err != nil {
			d.logger.Error("score retry sweep failed", zap.Error(err))
			return
		}
		if count > 0 {
			d.logger.Info("score retry sweep completed", zap.Int("recomputed", count))
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule score retries: %w", err)
	}
	scheduler.Start()
	return scheduler, nil
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/logging"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
)

const retryScanLimit = 500

// RetryPolicy decides when a failed record goes back to pending.
//
//	retry_count 1 -> Backoff[0]
//	retry_count 2 -> Backoff[1]
//	retry_count N >= len(Backoff) -> last entry (clamped)
type RetryPolicy struct {
	MaxRetries int
	Backoff    []time.Duration
	// Lease is how long a record may stay processing before it is presumed abandoned.
	Lease time.Duration
}

func (p RetryPolicy) delay(retryCount int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

// RetryWorker periodically
//   - fails records whose processing lease expired (crashed or aborted runs),
//   - re-queues failed records with a retryable kind once their backoff elapsed.
//
// Both steps are conditional updates, so several replicas may run it at once.
type RetryWorker struct {
	deliveries repository.DeliveryRepository
	statuses   repository.StatusRepository
	policy     RetryPolicy
	interval   time.Duration
	hooks      MetricHooks
	logger     *zap.Logger

	// now is the worker clock; tests may replace it.
	now func() time.Time
}

func NewRetryWorker(
	deliveries repository.DeliveryRepository,
	statuses repository.StatusRepository,
	policy RetryPolicy,
	interval time.Duration,
	logger *zap.Logger,
	hooks MetricHooks,
) *RetryWorker {
	return &RetryWorker{
		deliveries: deliveries,
		statuses:   statuses,
		policy:     policy,
		interval:   interval,
		hooks:      hooks.withDefaults(),
		logger:     logging.OrNop(logger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the worker clock.
func (rw *RetryWorker) SetClock(now func() time.Time) { rw.now = now }

// Run ticks every interval. Stops cleanly when ctx is cancelled.
func (rw *RetryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	rw.logger.Info("retry worker started", zap.Duration("interval", rw.interval))

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("retry worker stopping")
			return
		case <-ticker.C:
			if _, _, err := rw.RunOnce(ctx); err != nil {
				rw.logger.Error("retry poll error", zap.Error(err))
			}
		}
	}
}

// RunOnce performs one sweep and reports how many records were expired and re-queued.
func (rw *RetryWorker) RunOnce(ctx context.Context) (expired, requeued int, err error) {
	expired, expireErr := rw.expireStale(ctx)
	requeued, err = rw.requeueDue(ctx)
	return expired, requeued, errors.Join(expireErr, err)
}

func (rw *RetryWorker) expireStale(ctx context.Context) (int, error) {
	if rw.policy.Lease <= 0 {
		return 0, nil
	}
	stale, err := rw.deliveries.ExpireStale(ctx, rw.now().Add(-rw.policy.Lease), retryScanLimit)
	if err != nil {
		return 0, err
	}

	// The records are already failed in the store; every projection is attempted.
	var errs []error
	for _, rec := range stale {
		rw.hooks.OnLeaseExpired(rec.Channel)
		failedAt := rec.UpdatedAt
		err := rw.statuses.Upsert(ctx, &domain.DeliveryStatus{
			NotificationID:   rec.NotificationID,
			Channel:          rec.Channel,
			DeliveryRecordID: rec.ID,
			Status:           domain.StatusFailed,
			FailedAt:         &failedAt,
			ErrorMessage:     rec.ErrorMessage,
			UpdatedAt:        rec.UpdatedAt,
		})
		if err != nil {
			rw.logger.Error("lease expiry status upsert failed",
				zap.String("delivery_id", rec.ID),
				zap.String("notification_id", rec.NotificationID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("project expired %s: %w", rec.ID, err))
		}
	}

	if len(stale) > 0 {
		rw.logger.Warn("expired abandoned processing records", zap.Int("count", len(stale)))
	}
	return len(stale), errors.Join(errs...)
}

func (rw *RetryWorker) requeueDue(ctx context.Context) (int, error) {
	candidates, err := rw.deliveries.FindRetryable(ctx, domain.RetryableFailureKinds(), rw.policy.MaxRetries, retryScanLimit)
	if err != nil {
		return 0, err
	}

	now := rw.now()
	requeued := 0
	for _, rec := range candidates {
		if rec.UpdatedAt.Add(rw.policy.delay(rec.RetryCount)).After(now) {
			continue
		}
		if err := rw.deliveries.Requeue(ctx, rec.ID, rec.RetryCount); err != nil {
			if errors.Is(err, domain.ErrClaimConflict) {
				continue
			}
			return requeued, err
		}
		requeued++
		rw.hooks.OnRequeued(rec.Channel)
	}

	if requeued > 0 {
		rw.logger.Info("re-queued failed deliveries", zap.Int("count", requeued))
	}
	return requeued, nil
}

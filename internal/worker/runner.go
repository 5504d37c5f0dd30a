package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/lock"
	"github.com/notifyhub/delivery-pipeline/internal/logging"
	"github.com/notifyhub/delivery-pipeline/internal/ratelimiter"
	"github.com/notifyhub/delivery-pipeline/internal/sender"
)

// RunnerConfig bounds a single run.
type RunnerConfig struct {
	BatchSize   int
	Concurrency int
	ItemTimeout time.Duration
}

// Runner drives Dispatcher -> Sender -> Reconciler for one channel at a time.
// Each channel is either idle or running; a run requested while the channel
// is running returns immediately with Skipped set. Different channels run
// concurrently.
type Runner struct {
	dispatcher *Dispatcher
	senders    sender.Registry
	reconciler *Reconciler
	limiter    *ratelimiter.ChannelLimiters
	locker     lock.Locker
	cfg        RunnerConfig
	hooks      MetricHooks
	logger     *zap.Logger

	running map[domain.Channel]*atomic.Bool
}

// NewRunner wires a runner. limiter and locker may be nil; without a locker
// mutual exclusion holds within this process only.
func NewRunner(
	dispatcher *Dispatcher,
	senders sender.Registry,
	reconciler *Reconciler,
	limiter *ratelimiter.ChannelLimiters,
	locker lock.Locker,
	cfg RunnerConfig,
	logger *zap.Logger,
	hooks MetricHooks,
) *Runner {
	running := make(map[domain.Channel]*atomic.Bool, len(domain.Channels))
	for _, ch := range domain.Channels {
		running[ch] = &atomic.Bool{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Runner{
		dispatcher: dispatcher,
		senders:    senders,
		reconciler: reconciler,
		limiter:    limiter,
		locker:     locker,
		cfg:        cfg,
		hooks:      hooks.withDefaults(),
		logger:     logging.OrNop(logger),
		running:    running,
	}
}

// Run processes one batch of ch. Per-item failures are reported in the
// result; an error means the run itself could not complete.
func (r *Runner) Run(ctx context.Context, ch domain.Channel) (*domain.RunResult, error) {
	flag, ok := r.running[ch]
	if !ok {
		return nil, domain.ErrInvalidChannel
	}
	snd, err := r.senders.For(ch)
	if err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx, r.logger).With(zap.String("channel", string(ch)))
	result := &domain.RunResult{Channel: ch, Results: []domain.ItemResult{}}

	if !flag.CompareAndSwap(false, true) {
		r.hooks.OnRunSkipped(ch)
		log.Debug("run already in progress, skipping")
		result.Skipped = true
		return result, nil
	}
	defer flag.Store(false)

	if r.locker != nil {
		unlock, acquired, err := r.locker.TryLock(ctx, "run:"+string(ch))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
		if !acquired {
			r.hooks.OnRunSkipped(ch)
			log.Debug("run held by another process, skipping")
			result.Skipped = true
			return result, nil
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to release run lock", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	defer func() { r.hooks.OnRunFinished(ch, time.Since(start)) }()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.BatchSize)*r.cfg.ItemTimeout)
	defer cancel()

	batch, err := r.dispatcher.FetchBatch(runCtx, ch, r.cfg.BatchSize)
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		return nil, err
	}
	r.hooks.OnClaimed(ch, len(batch))
	if len(batch) == 0 {
		return result, nil
	}

	items := make([]*domain.ItemResult, len(batch))
	err = forEachLimited(len(batch), r.cfg.Concurrency, func(i int) error {
		item, err := r.processItem(runCtx, snd, batch[i], log)
		if err != nil {
			return err
		}
		items[i] = &item
		return nil
	})
	if err != nil {
		log.Error("run aborted", zap.Error(err), zap.Int("claimed", len(batch)))
		return nil, fmt.Errorf("%s run: %w", ch, err)
	}

	for _, item := range items {
		if item != nil {
			result.Add(*item)
		}
	}
	log.Info("run finished",
		zap.Int("processed", result.Processed),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

func (r *Runner) processItem(ctx context.Context, snd sender.Sender, rec *domain.DeliveryRecord, log *zap.Logger) (domain.ItemResult, error) {
	itemCtx, cancel := context.WithTimeout(ctx, r.cfg.ItemTimeout)
	defer cancel()

	start := time.Now()
	sendErr := r.send(itemCtx, snd, rec)
	elapsed := time.Since(start)

	item, err := r.reconciler.Reconcile(itemCtx, rec, sendErr)
	if err != nil {
		return item, err
	}

	switch item.Status {
	case domain.StatusSent:
		r.hooks.OnSent(rec.Channel, elapsed)
		log.Debug("delivered", zap.String("delivery_id", rec.ID), zap.Duration("latency", elapsed))
	case domain.StatusFailed:
		r.hooks.OnFailed(rec.Channel, *item.FailureKind, elapsed)
		log.Warn("delivery failed",
			zap.String("delivery_id", rec.ID),
			zap.String("kind", string(*item.FailureKind)),
			zap.String("error", item.Error),
		)
	}
	return item, nil
}

func (r *Runner) send(ctx context.Context, snd sender.Sender, rec *domain.DeliveryRecord) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, rec.Channel); err != nil {
			return domain.NewDeliveryError(domain.FailureTransient, 0, "rate limit wait exceeded the item deadline", err)
		}
	}
	return snd.Send(ctx, rec)
}

// RunAll runs every channel concurrently and returns their results in
// domain.Channels order. A failed channel leaves a nil entry; the first
// such error is returned once every run has ended.
func (r *Runner) RunAll(ctx context.Context) ([]*domain.RunResult, error) {
	results := make([]*domain.RunResult, len(domain.Channels))

	var g errgroup.Group
	for i, ch := range domain.Channels {
		g.Go(func() error {
			res, err := r.Run(ctx, ch)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

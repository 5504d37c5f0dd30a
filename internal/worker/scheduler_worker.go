package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/logging"
)

// SchedulerWorker triggers a run of one channel every interval. Ticks that
// land while the channel is still running are skipped by the Runner.
type SchedulerWorker struct {
	runner   *Runner
	channel  domain.Channel
	interval time.Duration
	logger   *zap.Logger
}

func NewSchedulerWorker(runner *Runner, ch domain.Channel, interval time.Duration, logger *zap.Logger) *SchedulerWorker {
	return &SchedulerWorker{
		runner:   runner,
		channel:  ch,
		interval: interval,
		logger:   logging.OrNop(logger).With(zap.String("channel", string(ch))),
	}
}

// Run ticks every interval and drains one batch per tick.
// Stops cleanly when ctx is cancelled.
func (sw *SchedulerWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("scheduler worker started", zap.Duration("interval", sw.interval))

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("scheduler worker stopping")
			return
		case <-ticker.C:
			sw.poll(ctx)
		}
	}
}

func (sw *SchedulerWorker) poll(ctx context.Context) {
	res, err := sw.runner.Run(ctx, sw.channel)
	if err != nil {
		sw.logger.Error("scheduled run failed", zap.Error(err))
		return
	}
	if res.Skipped {
		sw.logger.Debug("scheduled run skipped, previous run still active")
	}
}

package worker

import (
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// MetricHooks carries the metric callback functions injected by main.
// Any nil hook is a no-op.
type MetricHooks struct {
	OnSent         func(ch domain.Channel, latency time.Duration)
	OnFailed       func(ch domain.Channel, kind domain.FailureKind, latency time.Duration)
	OnClaimed      func(ch domain.Channel, n int)
	OnRunFinished  func(ch domain.Channel, elapsed time.Duration)
	OnRunSkipped   func(ch domain.Channel)
	OnDevicePruned func()
	OnRequeued     func(ch domain.Channel)
	OnLeaseExpired func(ch domain.Channel)
}

func (h MetricHooks) withDefaults() MetricHooks {
	if h.OnSent == nil {
		h.OnSent = func(domain.Channel, time.Duration) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(domain.Channel, domain.FailureKind, time.Duration) {}
	}
	if h.OnClaimed == nil {
		h.OnClaimed = func(domain.Channel, int) {}
	}
	if h.OnRunFinished == nil {
		h.OnRunFinished = func(domain.Channel, time.Duration) {}
	}
	if h.OnRunSkipped == nil {
		h.OnRunSkipped = func(domain.Channel) {}
	}
	if h.OnDevicePruned == nil {
		h.OnDevicePruned = func() {}
	}
	if h.OnRequeued == nil {
		h.OnRequeued = func(domain.Channel) {}
	}
	if h.OnLeaseExpired == nil {
		h.OnLeaseExpired = func(domain.Channel) {}
	}
	return h
}

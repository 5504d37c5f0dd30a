package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// ChannelLimiters holds one token bucket per delivery channel, waited on
// immediately before every provider call. Burst equals the rate, so a quiet
// period never saves up more than one second of sends.
type ChannelLimiters struct {
	limiters map[domain.Channel]*rate.Limiter
}

// New creates a ChannelLimiters with ratePerSec tokens per second per channel.
// A non-positive rate disables limiting.
func New(ratePerSec int) *ChannelLimiters {
	limiters := make(map[domain.Channel]*rate.Limiter, len(domain.Channels))
	for _, ch := range domain.Channels {
		if ratePerSec <= 0 {
			limiters[ch] = rate.NewLimiter(rate.Inf, 0)
			continue
		}
		limiters[ch] = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return &ChannelLimiters{limiters: limiters}
}

// Wait blocks until the channel's limiter grants a token.
// Returns a non-nil error only if ctx is done first, or if waiting would
// outlast ctx's deadline.
func (cl *ChannelLimiters) Wait(ctx context.Context, ch domain.Channel) error {
	l, ok := cl.limiters[ch]
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}

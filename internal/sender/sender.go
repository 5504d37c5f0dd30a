// Package sender performs the network delivery of one claimed record and
// classifies the outcome as a *domain.DeliveryError.
package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// Sender delivers one record over its channel. It makes exactly one provider
// call and never retries; a nil error means the provider accepted the message.
type Sender interface {
	Channel() domain.Channel
	Send(ctx context.Context, r *domain.DeliveryRecord) error
}

// Registry maps each channel to its Sender.
type Registry map[domain.Channel]Sender

func NewRegistry(senders ...Sender) Registry {
	reg := make(Registry, len(senders))
	for _, s := range senders {
		reg[s.Channel()] = s
	}
	return reg
}

func (r Registry) For(ch domain.Channel) (Sender, error) {
	s, ok := r[ch]
	if !ok {
		return nil, fmt.Errorf("no sender for channel %q", ch)
	}
	return s, nil
}

// contextFailure classifies an error caused by the item deadline or by
// cancellation. It returns nil when err is unrelated to ctx.
func contextFailure(ctx context.Context, err error) *domain.DeliveryError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewDeliveryError(domain.FailureTransient, 0, "send timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewDeliveryError(domain.FailureTransient, 0, "send cancelled", err)
	}
	return nil
}

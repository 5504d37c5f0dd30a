package sender

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// EmailMessage is everything an email provider needs for one send.
type EmailMessage struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// EmailTransport is one email provider. It returns the provider message id.
// Implementations may return a *domain.DeliveryError to classify a failure
// themselves; anything else is a transport failure.
type EmailTransport interface {
	SendEmail(ctx context.Context, msg EmailMessage) (string, error)
}

// EmailSender renders a record's payload into an EmailMessage and hands it
// to the configured transport.
type EmailSender struct {
	transport EmailTransport
}

func NewEmailSender(t EmailTransport) *EmailSender {
	return &EmailSender{transport: t}
}

func (s *EmailSender) Channel() domain.Channel { return domain.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, r *domain.DeliveryRecord) error {
	var p domain.EmailPayload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return domain.NewDeliveryError(domain.FailureInvalidPayload, 0, "email payload is not valid JSON", err)
	}
	if err := p.Validate(); err != nil {
		return domain.NewDeliveryError(domain.FailureInvalidPayload, 0, "email payload needs a subject and an html or text body", err)
	}

	_, err := s.transport.SendEmail(ctx, EmailMessage{
		To:      r.Target,
		Subject: p.Subject,
		HTML:    p.HTML,
		Text:    p.Text,
	})
	if err == nil {
		return nil
	}

	var de *domain.DeliveryError
	if errors.As(err, &de) {
		return de
	}
	if cf := contextFailure(ctx, err); cf != nil {
		return cf
	}
	return domain.NewDeliveryError(domain.FailureTransport, 0, err.Error(), err)
}

var _ Sender = (*EmailSender)(nil)

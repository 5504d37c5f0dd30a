package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// PushResponse is what the push service answered.
type PushResponse struct {
	StatusCode int
	Body       string
}

// PushTransport performs one push-protocol request. A non-nil error means no
// response was obtained; any response, successful or not, is returned as-is
// for PushSender to classify.
type PushTransport interface {
	Push(ctx context.Context, cred *domain.PushCredential, payload []byte, urgency string) (*PushResponse, error)
}

// ErrPayloadTooLarge is returned by a transport that refuses to encrypt a
// payload before any request is made.
var ErrPayloadTooLarge = errors.New("push payload exceeds the maximum record size")

// PushSender delivers push records. The record's target is the serialized
// device credential and its payload is the JSON document shown by the client.
type PushSender struct {
	transport PushTransport
}

func NewPushSender(t PushTransport) *PushSender {
	return &PushSender{transport: t}
}

func (s *PushSender) Channel() domain.Channel { return domain.ChannelPush }

func (s *PushSender) Send(ctx context.Context, r *domain.DeliveryRecord) error {
	cred, err := domain.ParsePushCredential(r.Target)
	if err != nil {
		return domain.NewDeliveryError(domain.FailureMalformedCredential, 0, err.Error(), err)
	}

	resp, err := s.transport.Push(ctx, cred, r.Payload, urgencyOf(r.Payload))
	if err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			return domain.NewDeliveryError(domain.FailurePayloadTooLarge, 0, err.Error(), err)
		}
		if cf := contextFailure(ctx, err); cf != nil {
			return cf
		}
		return domain.NewDeliveryError(domain.FailureTransient, 0, err.Error(), err)
	}

	return classifyPushStatus(resp)
}

// classifyPushStatus maps a push service response to a delivery outcome.
func classifyPushStatus(resp *PushResponse) error {
	code := resp.StatusCode
	if code >= 200 && code <= 299 {
		return nil
	}

	msg := fmt.Sprintf("push service responded %d", code)
	if body := strings.TrimSpace(resp.Body); body != "" {
		msg += ": " + body
	}

	switch code {
	case http.StatusGone, http.StatusNotFound:
		return domain.NewDeliveryError(domain.FailureInvalidEndpoint, code, msg, nil)
	case http.StatusRequestEntityTooLarge:
		return domain.NewDeliveryError(domain.FailurePayloadTooLarge, code, msg, nil)
	case http.StatusTooManyRequests:
		return domain.NewDeliveryError(domain.FailureRateLimited, code, msg, nil)
	}
	return domain.NewDeliveryError(domain.FailureTransient, code, msg, nil)
}

// urgencyOf reads data.priority from the payload.
func urgencyOf(payload []byte) string {
	var p domain.PushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.Data.Priority
}

var _ Sender = (*PushSender)(nil)

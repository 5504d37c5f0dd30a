package sender

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// WebPushConfig holds the VAPID identity and delivery defaults.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subject is a mailto: or https: contact for the push service operator.
	Subject string
	TTL     int
	Timeout time.Duration
}

// WebPushTransport speaks the Web Push protocol (RFC 8030) with VAPID
// authentication and aes128gcm payload encryption.
type WebPushTransport struct {
	cfg        WebPushConfig
	httpClient *http.Client
}

func NewWebPushTransport(cfg WebPushConfig) *WebPushTransport {
	return &WebPushTransport{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// GenerateVAPIDKeys returns a fresh (private, public) key pair.
func GenerateVAPIDKeys() (string, string, error) {
	return webpush.GenerateVAPIDKeys()
}

func (t *WebPushTransport) Push(ctx context.Context, cred *domain.PushCredential, payload []byte, urgency string) (*PushResponse, error) {
	sub := &webpush.Subscription{
		Endpoint: cred.Endpoint,
		Keys: webpush.Keys{
			P256dh: cred.Keys.P256dh,
			Auth:   cred.Keys.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		HTTPClient:      t.httpClient,
		Subscriber:      strings.TrimPrefix(t.cfg.Subject, "mailto:"),
		TTL:             t.cfg.TTL,
		Urgency:         webpushUrgency(urgency),
		VAPIDPublicKey:  t.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: t.cfg.VAPIDPrivateKey,
	})
	if err != nil {
		if errors.Is(err, webpush.ErrMaxPadExceeded) {
			return nil, ErrPayloadTooLarge
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &PushResponse{StatusCode: resp.StatusCode, Body: string(body)}, nil
}

func webpushUrgency(priority string) webpush.Urgency {
	switch strings.ToLower(priority) {
	case "high", "urgent":
		return webpush.UrgencyHigh
	case "low":
		return webpush.UrgencyLow
	}
	return webpush.UrgencyNormal
}

var _ PushTransport = (*WebPushTransport)(nil)

package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// httpEmailRequest is the JSON body posted to the email API.
type httpEmailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

type httpEmailResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// HTTPEmailTransport posts messages to a JSON email API authenticated with a
// bearer key. The URL is injected from config so tests can point to a local server.
type HTTPEmailTransport struct {
	url        string
	apiKey     string
	from       string
	httpClient *http.Client
}

func NewHTTPEmailTransport(url, apiKey, from string, timeout time.Duration) *HTTPEmailTransport {
	return &HTTPEmailTransport{
		url:    url,
		apiKey: apiKey,
		from:   from,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SendEmail expects any 2xx response with a JSON body containing the message id.
func (t *HTTPEmailTransport) SendEmail(ctx context.Context, msg EmailMessage) (string, error) {
	body, err := json.Marshal(httpEmailRequest{
		From:    t.from,
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed httpEmailResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := parsed.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return "", domain.NewDeliveryError(domain.FailureRateLimited, resp.StatusCode, msg, nil)
		}
		return "", domain.NewDeliveryError(domain.FailureTransport, resp.StatusCode, msg, nil)
	}

	return parsed.ID, nil
}

var _ EmailTransport = (*HTTPEmailTransport)(nil)

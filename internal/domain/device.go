package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// DeviceEndpoint is one push subscription owned by a user.
type DeviceEndpoint struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Platform   string          `json:"platform"`
	Endpoint   string          `json:"endpoint"`
	Credential json.RawMessage `json:"credential"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PushCredential is the subscription document a browser hands out.
type PushCredential struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// ParsePushCredential decodes a serialized credential. Any credential without
// an endpoint or without both keys yields ErrInvalidCredential.
func ParsePushCredential(raw string) (*PushCredential, error) {
	var c PushCredential
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, ErrInvalidCredential
	}
	if strings.TrimSpace(c.Endpoint) == "" || c.Keys.P256dh == "" || c.Keys.Auth == "" {
		return nil, ErrInvalidCredential
	}
	return &c, nil
}

// SubscribeRequest registers a device for a user.
type SubscribeRequest struct {
	UserID     string          `json:"user_id"`
	Platform   string          `json:"platform"`
	Credential json.RawMessage `json:"credential"`
}

const DefaultPlatform = "web"

func (r *SubscribeRequest) Validate() (*PushCredential, error) {
	if strings.TrimSpace(r.UserID) == "" {
		return nil, ErrInvalidUserID
	}
	return ParsePushCredential(string(r.Credential))
}

package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel is the delivery medium of a queued record.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Channels lists every channel the pipeline drains, in trigger order.
var Channels = []Channel{ChannelEmail, ChannelPush}

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelPush:
		return true
	}
	return false
}

// ParseChannel accepts any casing and surrounding whitespace.
func ParseChannel(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", ErrInvalidChannel
	}
	return ch, nil
}

// Status tracks the lifecycle of a delivery record.
//
//	pending -> processing -> sent
//	                      -> failed -> pending (retry policy only)
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// CanTransitionTo reports whether s -> next is a legal edge of the state machine.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusSent || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	}
	return false
}

// DeliveryRecord is one queued attempt to deliver one notification over one channel.
type DeliveryRecord struct {
	ID             string          `json:"id"`
	NotificationID string          `json:"notification_id"`
	Channel        Channel         `json:"channel"`
	Target         string          `json:"target"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	Priority       int             `json:"priority"`
	ScheduledFor   time.Time       `json:"scheduled_for"`
	RetryCount     int             `json:"retry_count"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	FailureKind    *FailureKind    `json:"failure_kind,omitempty"`
	DeviceID       *string         `json:"device_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
}

// DispatchOrderLess orders records priority DESC, then scheduled_for ASC,
// then created_at ASC. It is the order the dispatcher hands rows out in.
func DispatchOrderLess(a, b *DeliveryRecord) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// EmailPayload is the rendered content of an email delivery.
type EmailPayload struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

func (p EmailPayload) Validate() error {
	if strings.TrimSpace(p.Subject) == "" {
		return ErrInvalidPayload
	}
	if p.HTML == "" && p.Text == "" {
		return ErrInvalidPayload
	}
	return nil
}

// PushPayload is the JSON document the client runtime renders.
// Tag collisions let the client replace an older unread notification of the same thread.
type PushPayload struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Icon  string   `json:"icon,omitempty"`
	Badge string   `json:"badge,omitempty"`
	Tag   string   `json:"tag,omitempty"`
	Data  PushData `json:"data"`
}

type PushData struct {
	NotificationID string `json:"notification_id"`
	EntityType     string `json:"entity_type,omitempty"`
	EntityID       string `json:"entity_id,omitempty"`
	Priority       string `json:"priority,omitempty"`
}

func (p PushPayload) Validate() error {
	if strings.TrimSpace(p.Title) == "" || strings.TrimSpace(p.Body) == "" {
		return ErrInvalidPayload
	}
	if p.Data.NotificationID == "" {
		return ErrInvalidPayload
	}
	return nil
}

// EnqueueRequest is the producer contract: everything needed to insert a pending row.
type EnqueueRequest struct {
	NotificationID string          `json:"notification_id"`
	Channel        Channel         `json:"channel"`
	Target         string          `json:"target"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	ScheduledFor   *time.Time      `json:"scheduled_for,omitempty"`
}

func (r *EnqueueRequest) Validate() error {
	if _, err := uuid.Parse(r.NotificationID); err != nil {
		return ErrInvalidNotificationID
	}
	if !r.Channel.IsValid() {
		return ErrInvalidChannel
	}
	if strings.TrimSpace(r.Target) == "" {
		return ErrInvalidTarget
	}
	if len(r.Payload) == 0 {
		return ErrInvalidPayload
	}

	switch r.Channel {
	case ChannelEmail:
		var p EmailPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return ErrInvalidPayload
		}
		if !strings.Contains(r.Target, "@") {
			return ErrInvalidTarget
		}
		return p.Validate()
	case ChannelPush:
		var p PushPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return ErrInvalidPayload
		}
		return p.Validate()
	}
	return nil
}

// DeliveryStatus is the per (notification, channel) projection read by
// collaborators. Only the reconciler writes it.
type DeliveryStatus struct {
	NotificationID   string     `json:"notification_id"`
	Channel          Channel    `json:"channel"`
	DeliveryRecordID string     `json:"delivery_record_id"`
	Status           Status     `json:"status"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	FailedAt         *time.Time `json:"failed_at,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ItemResult is the outcome of one record within a run.
type ItemResult struct {
	ID             string       `json:"id"`
	NotificationID string       `json:"notification_id"`
	Status         Status       `json:"status"`
	Error          string       `json:"error,omitempty"`
	FailureKind    *FailureKind `json:"failure_kind,omitempty"`
	DeviceRemoved  bool         `json:"device_removed,omitempty"`
}

// RunResult aggregates one Queue Runner invocation over one channel.
type RunResult struct {
	Channel   Channel      `json:"channel"`
	Processed int          `json:"processed"`
	Sent      int          `json:"sent"`
	Failed    int          `json:"failed"`
	Skipped   bool         `json:"skipped,omitempty"`
	Results   []ItemResult `json:"results"`
}

// Add folds one item outcome into the aggregate.
func (r *RunResult) Add(item ItemResult) {
	r.Processed++
	switch item.Status {
	case StatusSent:
		r.Sent++
	case StatusFailed:
		r.Failed++
	}
	r.Results = append(r.Results, item)
}

package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound              = errors.New("not found")
	ErrClaimConflict         = errors.New("claim conflict: record is not in the expected state")
	ErrStoreUnavailable      = errors.New("store unavailable")
	ErrInvalidChannel        = errors.New("invalid channel: must be email or push")
	ErrInvalidNotificationID = errors.New("notification_id must be a valid uuid")
	ErrInvalidTarget         = errors.New("target must not be empty and must match the channel")
	ErrInvalidPayload        = errors.New("payload does not match the channel's shape")
	ErrInvalidCredential     = errors.New("Invalid device token format: missing endpoint or keys")
	ErrInvalidUserID         = errors.New("user_id must not be empty")
	ErrNoDevices             = errors.New("user has no enabled devices")
)

// FailureKind classifies why a delivery attempt failed.
type FailureKind string

const (
	FailureMalformedCredential FailureKind = "malformed_credential"
	FailureInvalidEndpoint     FailureKind = "invalid_endpoint"
	FailurePayloadTooLarge     FailureKind = "payload_too_large"
	FailureInvalidPayload      FailureKind = "invalid_payload"
	FailureRateLimited         FailureKind = "rate_limited"
	FailureTransient           FailureKind = "transient"
	FailureTransport           FailureKind = "transport"
	FailureLeaseExpired        FailureKind = "lease_expired"
)

// Retryable reports whether the retry policy may re-queue a row that failed with k.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureRateLimited, FailureTransient, FailureTransport, FailureLeaseExpired:
		return true
	}
	return false
}

// RetryableFailureKinds lists the kinds Retryable accepts, for store queries.
func RetryableFailureKinds() []FailureKind {
	return []FailureKind{FailureRateLimited, FailureTransient, FailureTransport, FailureLeaseExpired}
}

// DeliveryError is a classified send failure returned by a Sender.
type DeliveryError struct {
	Kind       FailureKind
	StatusCode int
	Message    string
	Cause      error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

func (e *DeliveryError) Retryable() bool { return e.Kind.Retryable() }

// NewDeliveryError builds a classified failure.
func NewDeliveryError(kind FailureKind, status int, msg string, cause error) *DeliveryError {
	return &DeliveryError{Kind: kind, StatusCode: status, Message: msg, Cause: cause}
}

// ClassifyError returns the classified failure carried by err. Errors a
// Sender did not classify are treated as transient.
func ClassifyError(err error) *DeliveryError {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	return &DeliveryError{Kind: FailureTransient, Message: err.Error(), Cause: err}
}

package repository

import (
	"context"
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// DeliveryRepository is the Delivery Record Store.
// The pgx implementation is in pg_delivery_repo.go.
// Tests use a hand-written mock (mock_delivery_repo.go).
//
// Every state change is a single conditional statement: the WHERE clause
// names the status the row must currently have, so concurrent callers
// never both win the same transition.
type DeliveryRepository interface {
	Create(ctx context.Context, r *domain.DeliveryRecord) error
	CreateMany(ctx context.Context, records []*domain.DeliveryRecord) error
	GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	ListByNotification(ctx context.Context, notificationID string) ([]*domain.DeliveryRecord, error)

	// ClaimBatch moves up to limit due pending rows of channel to processing
	// and returns them in dispatch order. An empty queue is not an error.
	ClaimBatch(ctx context.Context, channel domain.Channel, limit int) ([]*domain.DeliveryRecord, error)

	// MarkSent moves a processing row to sent. A row that is already sent is
	// returned unchanged, so sent_at keeps its first value.
	MarkSent(ctx context.Context, id string) (*domain.DeliveryRecord, error)

	// MarkFailed moves a processing row to failed and increments retry_count.
	// A row that is already failed is returned unchanged.
	MarkFailed(ctx context.Context, id string, kind domain.FailureKind, errMsg string) (*domain.DeliveryRecord, error)

	// FindRetryable lists failed rows whose kind is in kinds and whose
	// retry_count is below maxRetries, oldest failure first.
	FindRetryable(ctx context.Context, kinds []domain.FailureKind, maxRetries, limit int) ([]*domain.DeliveryRecord, error)

	// Requeue moves a failed row back to pending, provided nobody else has
	// touched it since it was read with retryCount.
	Requeue(ctx context.Context, id string, retryCount int) error

	// ExpireStale fails every row that has been processing since before cutoff.
	ExpireStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.DeliveryRecord, error)

	// Depths counts records per channel and status.
	Depths(ctx context.Context) (map[domain.Channel]map[domain.Status]int, error)
}

// DeviceRepository is the Device Registry.
type DeviceRepository interface {
	// Upsert inserts a device or, when the endpoint is already registered,
	// rebinds it to d.UserID with the new credential and re-enables it.
	Upsert(ctx context.Context, d *domain.DeviceEndpoint) (*domain.DeviceEndpoint, error)
	GetByID(ctx context.Context, id string) (*domain.DeviceEndpoint, error)
	ListByUser(ctx context.Context, userID string, enabledOnly bool) ([]*domain.DeviceEndpoint, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (*domain.DeviceEndpoint, error)

	// Deletes are idempotent: removing something already gone reports false, nil.
	DeleteForUser(ctx context.Context, userID, endpoint string) (bool, error)
	DeleteAllForUser(ctx context.Context, userID string) (int64, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) (bool, error)
}

// StatusRepository holds the per (notification, channel) delivery status.
type StatusRepository interface {
	// Upsert writes s unless the stored row was updated after s.UpdatedAt.
	Upsert(ctx context.Context, s *domain.DeliveryStatus) error
	ListByNotification(ctx context.Context, notificationID string) ([]*domain.DeliveryStatus, error)
}

package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

type pgStatusRepository struct {
	pool *pgxpool.Pool
}

// NewPgStatusRepository returns a StatusRepository backed by PostgreSQL.
func NewPgStatusRepository(pool *pgxpool.Pool) StatusRepository {
	return &pgStatusRepository{pool: pool}
}

func (r *pgStatusRepository) Upsert(ctx context.Context, s *domain.DeliveryStatus) error {
	// The guard keeps a delayed replay of an older outcome from overwriting
	// a newer one; equal timestamps are a replay of the same outcome.
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notification_delivery_status
			(notification_id, channel, delivery_record_id, status, sent_at, failed_at, error_message, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (notification_id, channel) DO UPDATE
		SET delivery_record_id = EXCLUDED.delivery_record_id,
		    status             = EXCLUDED.status,
		    sent_at            = EXCLUDED.sent_at,
		    failed_at          = EXCLUDED.failed_at,
		    error_message      = EXCLUDED.error_message,
		    updated_at         = EXCLUDED.updated_at
		WHERE notification_delivery_status.updated_at <= EXCLUDED.updated_at`,
		s.NotificationID, s.Channel, s.DeliveryRecordID, s.Status,
		s.SentAt, s.FailedAt, s.ErrorMessage, s.UpdatedAt,
	)
	return wrapErr("upsert delivery status", err)
}

func (r *pgStatusRepository) ListByNotification(ctx context.Context, notificationID string) ([]*domain.DeliveryStatus, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT notification_id, channel, delivery_record_id, status,
		       sent_at, failed_at, error_message, updated_at
		FROM notification_delivery_status
		WHERE notification_id = $1
		ORDER BY channel ASC`, notificationID)
	if err != nil {
		return nil, wrapErr("list delivery status", err)
	}
	defer rows.Close()

	var result []*domain.DeliveryStatus
	for rows.Next() {
		var s domain.DeliveryStatus
		if err := rows.Scan(
			&s.NotificationID, &s.Channel, &s.DeliveryRecordID, &s.Status,
			&s.SentAt, &s.FailedAt, &s.ErrorMessage, &s.UpdatedAt,
		); err != nil {
			return nil, wrapErr("scan delivery status", err)
		}
		result = append(result, &s)
	}
	return result, wrapErr("list delivery status", rows.Err())
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

const deliveryColumns = `id, notification_id, channel, target, payload, status, priority,
	scheduled_for, retry_count, error_message, failure_kind, device_id,
	created_at, updated_at, sent_at`

const leaseExpiredMessage = "processing lease expired before an outcome was recorded"

type pgDeliveryRepository struct {
	pool *pgxpool.Pool
}

// NewPgDeliveryRepository returns a DeliveryRepository backed by PostgreSQL.
func NewPgDeliveryRepository(pool *pgxpool.Pool) DeliveryRepository {
	return &pgDeliveryRepository{pool: pool}
}

const insertDelivery = `
	INSERT INTO delivery_records
		(id, notification_id, channel, target, payload, status, priority,
		 scheduled_for, retry_count, device_id, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

func (r *pgDeliveryRepository) Create(ctx context.Context, d *domain.DeliveryRecord) error {
	_, err := r.pool.Exec(ctx, insertDelivery,
		d.ID, d.NotificationID, d.Channel, d.Target, []byte(d.Payload), d.Status, d.Priority,
		d.ScheduledFor, d.RetryCount, d.DeviceID, d.CreatedAt, d.UpdatedAt,
	)
	return wrapErr("insert delivery record", err)
}

func (r *pgDeliveryRepository) CreateMany(ctx context.Context, records []*domain.DeliveryRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, d := range records {
		_, err = tx.Exec(ctx, insertDelivery,
			d.ID, d.NotificationID, d.Channel, d.Target, []byte(d.Payload), d.Status, d.Priority,
			d.ScheduledFor, d.RetryCount, d.DeviceID, d.CreatedAt, d.UpdatedAt,
		)
		if err != nil {
			return wrapErr("insert delivery record", err)
		}
	}

	return wrapErr("commit delivery records", tx.Commit(ctx))
}

func (r *pgDeliveryRepository) GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM delivery_records WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get delivery record", err)
	}
	return d, nil
}

func (r *pgDeliveryRepository) ListByNotification(ctx context.Context, notificationID string) ([]*domain.DeliveryRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_records
		WHERE notification_id = $1
		ORDER BY created_at ASC`, notificationID)
	if err != nil {
		return nil, wrapErr("list delivery records", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (r *pgDeliveryRepository) ClaimBatch(ctx context.Context, channel domain.Channel, limit int) ([]*domain.DeliveryRecord, error) {
	// SKIP LOCKED lets concurrent claimers partition the due rows; the outer
	// status predicate re-checks each row after its lock is acquired.
	rows, err := r.pool.Query(ctx, `
		UPDATE delivery_records
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM delivery_records
			WHERE channel = $1
			  AND status = 'pending'
			  AND scheduled_for <= NOW()
			ORDER BY priority DESC, scheduled_for ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'pending'
		RETURNING `+deliveryColumns, channel, limit)
	if err != nil {
		return nil, wrapErr("claim delivery records", err)
	}
	defer rows.Close()

	claimed, err := scanDeliveries(rows)
	if err != nil {
		return nil, wrapErr("scan claimed records", err)
	}

	// RETURNING does not preserve the subquery's order.
	sort.SliceStable(claimed, func(i, j int) bool {
		return domain.DispatchOrderLess(claimed[i], claimed[j])
	})
	return claimed, nil
}

func (r *pgDeliveryRepository) MarkSent(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE delivery_records
		SET status = 'sent',
		    sent_at = COALESCE(sent_at, NOW()),
		    error_message = NULL,
		    failure_kind = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+deliveryColumns, id)

	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.settled(ctx, id, domain.StatusSent)
	}
	if err != nil {
		return nil, wrapErr("mark sent", err)
	}
	return d, nil
}

func (r *pgDeliveryRepository) MarkFailed(ctx context.Context, id string, kind domain.FailureKind, errMsg string) (*domain.DeliveryRecord, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE delivery_records
		SET status = 'failed',
		    error_message = $2,
		    failure_kind = $3,
		    retry_count = retry_count + 1,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+deliveryColumns, id, errMsg, kind)

	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.settled(ctx, id, domain.StatusFailed)
	}
	if err != nil {
		return nil, wrapErr("mark failed", err)
	}
	return d, nil
}

// settled resolves a transition that matched no processing row: a replay
// against a row already in want is returned as-is, anything else conflicts.
func (r *pgDeliveryRepository) settled(ctx context.Context, id string, want domain.Status) (*domain.DeliveryRecord, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != want {
		return nil, fmt.Errorf("record %s is %s: %w", id, current.Status, domain.ErrClaimConflict)
	}
	return current, nil
}

func (r *pgDeliveryRepository) FindRetryable(ctx context.Context, kinds []domain.FailureKind, maxRetries, limit int) ([]*domain.DeliveryRecord, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_records
		WHERE status = 'failed'
		  AND failure_kind = ANY($1)
		  AND retry_count < $2
		ORDER BY updated_at ASC
		LIMIT $3`, names, maxRetries, limit)
	if err != nil {
		return nil, wrapErr("find retryable records", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (r *pgDeliveryRepository) Requeue(ctx context.Context, id string, retryCount int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE delivery_records
		SET status = 'pending', scheduled_for = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'failed' AND retry_count = $2`, id, retryCount)
	if err != nil {
		return wrapErr("requeue record", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requeue %s: %w", id, domain.ErrClaimConflict)
	}
	return nil
}

func (r *pgDeliveryRepository) ExpireStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.DeliveryRecord, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE delivery_records
		SET status = 'failed',
		    failure_kind = $3,
		    error_message = $4,
		    retry_count = retry_count + 1,
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM delivery_records
			WHERE status = 'processing' AND updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'processing'
		RETURNING `+deliveryColumns, cutoff, limit, domain.FailureLeaseExpired, leaseExpiredMessage)
	if err != nil {
		return nil, wrapErr("expire stale records", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// Depths counts records per channel and status.
func (r *pgDeliveryRepository) Depths(ctx context.Context) (map[domain.Channel]map[domain.Status]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT channel, status, COUNT(*)
		FROM delivery_records
		GROUP BY channel, status`)
	if err != nil {
		return nil, wrapErr("count delivery records", err)
	}
	defer rows.Close()

	depths := make(map[domain.Channel]map[domain.Status]int, len(domain.Channels))
	for rows.Next() {
		var (
			ch     domain.Channel
			status domain.Status
			n      int
		)
		if err := rows.Scan(&ch, &status, &n); err != nil {
			return nil, wrapErr("scan depth", err)
		}
		if depths[ch] == nil {
			depths[ch] = make(map[domain.Status]int)
		}
		depths[ch][status] = n
	}
	return depths, wrapErr("iterate depths", rows.Err())
}

// ---- helpers ----

// scanDelivery reads a single delivery row from any pgx row type.
func scanDelivery(row pgx.Row) (*domain.DeliveryRecord, error) {
	var (
		d       domain.DeliveryRecord
		payload []byte
	)
	err := row.Scan(
		&d.ID, &d.NotificationID, &d.Channel, &d.Target, &payload, &d.Status, &d.Priority,
		&d.ScheduledFor, &d.RetryCount, &d.ErrorMessage, &d.FailureKind, &d.DeviceID,
		&d.CreatedAt, &d.UpdatedAt, &d.SentAt,
	)
	if err != nil {
		return nil, err
	}
	d.Payload = payload
	return &d, nil
}

func scanDeliveries(rows pgx.Rows) ([]*domain.DeliveryRecord, error) {
	var result []*domain.DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

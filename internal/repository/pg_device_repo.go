package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

const deviceColumns = `id, user_id, platform, endpoint, credential, enabled, created_at, updated_at`

type pgDeviceRepository struct {
	pool *pgxpool.Pool
}

// NewPgDeviceRepository returns a DeviceRepository backed by PostgreSQL.
func NewPgDeviceRepository(pool *pgxpool.Pool) DeviceRepository {
	return &pgDeviceRepository{pool: pool}
}

func (r *pgDeviceRepository) Upsert(ctx context.Context, d *domain.DeviceEndpoint) (*domain.DeviceEndpoint, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO device_endpoints
			(id, user_id, platform, endpoint, credential, enabled, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,TRUE,$6,$6)
		ON CONFLICT (endpoint) DO UPDATE
		SET user_id    = EXCLUDED.user_id,
		    platform   = EXCLUDED.platform,
		    credential = EXCLUDED.credential,
		    enabled    = TRUE,
		    updated_at = EXCLUDED.updated_at
		RETURNING `+deviceColumns,
		d.ID, d.UserID, d.Platform, d.Endpoint, []byte(d.Credential), d.CreatedAt,
	)
	out, err := scanDevice(row)
	if err != nil {
		return nil, wrapErr("upsert device endpoint", err)
	}
	return out, nil
}

func (r *pgDeviceRepository) GetByID(ctx context.Context, id string) (*domain.DeviceEndpoint, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM device_endpoints WHERE id = $1`, id)
	d, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get device endpoint", err)
	}
	return d, nil
}

func (r *pgDeviceRepository) ListByUser(ctx context.Context, userID string, enabledOnly bool) ([]*domain.DeviceEndpoint, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM device_endpoints
		WHERE user_id = $1 AND (enabled OR NOT $2)
		ORDER BY created_at ASC`, userID, enabledOnly)
	if err != nil {
		return nil, wrapErr("list device endpoints", err)
	}
	defer rows.Close()

	var result []*domain.DeviceEndpoint
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, wrapErr("scan device endpoint", err)
		}
		result = append(result, d)
	}
	return result, wrapErr("list device endpoints", rows.Err())
}

func (r *pgDeviceRepository) SetEnabled(ctx context.Context, id string, enabled bool) (*domain.DeviceEndpoint, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE device_endpoints
		SET enabled = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+deviceColumns, id, enabled)
	d, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("set device enabled", err)
	}
	return d, nil
}

func (r *pgDeviceRepository) DeleteForUser(ctx context.Context, userID, endpoint string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM device_endpoints WHERE user_id = $1 AND endpoint = $2`, userID, endpoint)
	if err != nil {
		return false, wrapErr("delete device endpoint", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgDeviceRepository) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM device_endpoints WHERE user_id = $1`, userID)
	if err != nil {
		return 0, wrapErr("delete user device endpoints", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgDeviceRepository) DeleteByID(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM device_endpoints WHERE id = $1`, id)
	if err != nil {
		return false, wrapErr("delete device endpoint", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgDeviceRepository) DeleteByEndpoint(ctx context.Context, endpoint string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM device_endpoints WHERE endpoint = $1`, endpoint)
	if err != nil {
		return false, wrapErr("delete device endpoint", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanDevice(row pgx.Row) (*domain.DeviceEndpoint, error) {
	var (
		d    domain.DeviceEndpoint
		cred []byte
	)
	err := row.Scan(&d.ID, &d.UserID, &d.Platform, &d.Endpoint, &cred, &d.Enabled, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Credential = cred
	return &d, nil
}

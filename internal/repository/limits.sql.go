package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

const overrideColumns = `id, user_id, line_limit, expires_at, created_by, created_at`

const getActiveOverride = `-- name: GetActiveOverride :one
SELECT ` + overrideColumns + `
FROM upload_limit_overrides
WHERE user_id = $1
  AND (expires_at IS NULL OR expires_at > $2)
ORDER BY created_at DESC
LIMIT 1`

type GetActiveOverrideParams struct {
	UserID uuid.UUID
	Now    time.Time
}

func (q *Queries) GetActiveOverride(ctx context.Context, arg GetActiveOverrideParams) (UploadLimitOverride, error) {
	row := q.db.QueryRowContext(ctx, getActiveOverride, arg.UserID, arg.Now)
	var i UploadLimitOverride
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.LineLimit,
		&i.ExpiresAt,
		&i.CreatedBy,
		&i.CreatedAt,
	)
	return i, err
}

const createOverride = `-- name: CreateOverride :one
INSERT INTO upload_limit_overrides (user_id, line_limit, expires_at, created_by)
VALUES ($1, $2, $3, $4)
RETURNING ` + overrideColumns

type CreateOverrideParams struct {
	UserID    uuid.UUID
	LineLimit int64
	ExpiresAt sql.NullTime
	CreatedBy uuid.NullUUID
}

func (q *Queries) CreateOverride(ctx context.Context, arg CreateOverrideParams) (UploadLimitOverride, error) {
	row := q.db.QueryRowContext(ctx, createOverride,
		arg.UserID,
		arg.LineLimit,
		arg.ExpiresAt,
		arg.CreatedBy,
	)
	var i UploadLimitOverride
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.LineLimit,
		&i.ExpiresAt,
		&i.CreatedBy,
		&i.CreatedAt,
	)
	return i, err
}

const ipTrackingColumns = `ip_address, upload_count, total_lines_attempted, last_upload_at, created_at`

const upsertIPUploadTracking = `-- name: UpsertIPUploadTracking :one
INSERT INTO ip_upload_tracking (ip_address, upload_count, total_lines_attempted, last_upload_at)
VALUES ($1, 1, $2, $3)
ON CONFLICT (ip_address) DO UPDATE
SET upload_count = ip_upload_tracking.upload_count + 1,
    total_lines_attempted = ip_upload_tracking.total_lines_attempted + EXCLUDED.total_lines_attempted,
    last_upload_at = GREATEST(ip_upload_tracking.last_upload_at, EXCLUDED.last_upload_at)
RETURNING ` + ipTrackingColumns

type UpsertIPUploadTrackingParams struct {
	IpAddress    pqtype.Inet
	Lines        int64
	LastUploadAt time.Time
}

func (q *Queries) UpsertIPUploadTracking(ctx context.Context, arg UpsertIPUploadTrackingParams) (IpUploadTracking, error) {
	row := q.db.QueryRowContext(ctx, upsertIPUploadTracking, arg.IpAddress, arg.Lines, arg.LastUploadAt)
	var i IpUploadTracking
	err := row.Scan(
		&i.IpAddress,
		&i.UploadCount,
		&i.TotalLinesAttempted,
		&i.LastUploadAt,
		&i.CreatedAt,
	)
	return i, err
}

const getIPUploadTracking = `-- name: GetIPUploadTracking :one
SELECT ` + ipTrackingColumns + `
FROM ip_upload_tracking
WHERE ip_address = $1`

func (q *Queries) GetIPUploadTracking(ctx context.Context, ipAddress pqtype.Inet) (IpUploadTracking, error) {
	row := q.db.QueryRowContext(ctx, getIPUploadTracking, ipAddress)
	var i IpUploadTracking
	err := row.Scan(
		&i.IpAddress,
		&i.UploadCount,
		&i.TotalLinesAttempted,
		&i.LastUploadAt,
		&i.CreatedAt,
	)
	return i, err
}

package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
)

const uploadColumns = `id, user_id, ip_address, original_name, size_bytes, line_count, periods,
    storage_key, notification_sent_at, notification_type, created_at`

func scanUpload(row interface{ Scan(...interface{}) error }) (Upload, error) {
	var i Upload
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.IpAddress,
		&i.OriginalName,
		&i.SizeBytes,
		&i.LineCount,
		pq.Array(&i.Periods),
		&i.StorageKey,
		&i.NotificationSentAt,
		&i.NotificationType,
		&i.CreatedAt,
	)
	return i, err
}

const createUpload = `-- name: CreateUpload :one
INSERT INTO uploads (id, user_id, ip_address, original_name, size_bytes, line_count, periods, storage_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + uploadColumns

type CreateUploadParams struct {
	ID           uuid.UUID
	UserID       uuid.NullUUID
	IpAddress    pqtype.Inet
	OriginalName string
	SizeBytes    int64
	LineCount    int64
	Periods      []string
	StorageKey   string
}

func (q *Queries) CreateUpload(ctx context.Context, arg CreateUploadParams) (Upload, error) {
	row := q.db.QueryRowContext(ctx, createUpload,
		arg.ID,
		arg.UserID,
		arg.IpAddress,
		arg.OriginalName,
		arg.SizeBytes,
		arg.LineCount,
		pq.Array(arg.Periods),
		arg.StorageKey,
	)
	return scanUpload(row)
}

const getUpload = `-- name: GetUpload :one
SELECT ` + uploadColumns + `
FROM uploads
WHERE id = $1`

func (q *Queries) GetUpload(ctx context.Context, id uuid.UUID) (Upload, error) {
	row := q.db.QueryRowContext(ctx, getUpload, id)
	return scanUpload(row)
}

// A terminal marker blocks every later type; a non-terminal marker only
// blocks a repeat of itself.
const claimUploadNotification = `-- name: ClaimUploadNotification :execrows
UPDATE uploads
SET notification_type = $2,
    notification_sent_at = $3
WHERE id = $1
  AND (
    notification_type IS NULL
    OR (notification_type <> $2 AND notification_type NOT IN ('success', 'failure'))
  )`

type ClaimUploadNotificationParams struct {
	ID               uuid.UUID
	NotificationType string
	SentAt           time.Time
}

func (q *Queries) ClaimUploadNotification(ctx context.Context, arg ClaimUploadNotificationParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, claimUploadNotification, arg.ID, arg.NotificationType, arg.SentAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}


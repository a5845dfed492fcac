package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const uploadMetricColumns = `id, user_id, upload_id, file_name, line_count, file_size_bytes, status,
    processing_started_at, processing_completed_at, processing_duration_seconds,
    credits_consumed, error_message, created_at, updated_at`

func scanUploadMetric(row interface{ Scan(...interface{}) error }) (UploadMetric, error) {
	var i UploadMetric
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.UploadID,
		&i.FileName,
		&i.LineCount,
		&i.FileSizeBytes,
		&i.Status,
		&i.ProcessingStartedAt,
		&i.ProcessingCompletedAt,
		&i.ProcessingDurationSeconds,
		&i.CreditsConsumed,
		&i.ErrorMessage,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const createUploadMetric = `-- name: CreateUploadMetric :one
INSERT INTO upload_metrics (user_id, upload_id, file_name, line_count, file_size_bytes, status)
VALUES ($1, $2, $3, $4, $5, 'pending')
ON CONFLICT (upload_id) DO NOTHING
RETURNING ` + uploadMetricColumns

type CreateUploadMetricParams struct {
	UserID        uuid.NullUUID
	UploadID      uuid.NullUUID
	FileName      string
	LineCount     int64
	FileSizeBytes int64
}

// CreateUploadMetric returns sql.ErrNoRows when a metric already exists for the upload.
func (q *Queries) CreateUploadMetric(ctx context.Context, arg CreateUploadMetricParams) (UploadMetric, error) {
	row := q.db.QueryRowContext(ctx, createUploadMetric,
		arg.UserID,
		arg.UploadID,
		arg.FileName,
		arg.LineCount,
		arg.FileSizeBytes,
	)
	return scanUploadMetric(row)
}

const getUploadMetric = `-- name: GetUploadMetric :one
SELECT ` + uploadMetricColumns + `
FROM upload_metrics
WHERE id = $1`

func (q *Queries) GetUploadMetric(ctx context.Context, id uuid.UUID) (UploadMetric, error) {
	row := q.db.QueryRowContext(ctx, getUploadMetric, id)
	return scanUploadMetric(row)
}

const getUploadMetricByUploadID = `-- name: GetUploadMetricByUploadID :one
SELECT ` + uploadMetricColumns + `
FROM upload_metrics
WHERE upload_id = $1`

func (q *Queries) GetUploadMetricByUploadID(ctx context.Context, uploadID uuid.UUID) (UploadMetric, error) {
	row := q.db.QueryRowContext(ctx, getUploadMetricByUploadID, uploadID)
	return scanUploadMetric(row)
}

const startUploadMetric = `-- name: StartUploadMetric :execrows
UPDATE upload_metrics
SET status = 'processing',
    processing_started_at = $2,
    updated_at = NOW()
WHERE id = $1
  AND status = 'pending'`

type StartUploadMetricParams struct {
	ID        uuid.UUID
	StartedAt time.Time
}

func (q *Queries) StartUploadMetric(ctx context.Context, arg StartUploadMetricParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, startUploadMetric, arg.ID, arg.StartedAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const finishUploadMetric = `-- name: FinishUploadMetric :execrows
UPDATE upload_metrics
SET status = $2,
    processing_completed_at = $3,
    processing_duration_seconds = COALESCE(processing_duration_seconds, $4),
    credits_consumed = $5,
    error_message = $6,
    updated_at = NOW()
WHERE id = $1
  AND status = 'processing'`

type FinishUploadMetricParams struct {
	ID                        uuid.UUID
	Status                    string
	ProcessingCompletedAt     sql.NullTime
	ProcessingDurationSeconds sql.NullInt64
	CreditsConsumed           int64
	ErrorMessage              sql.NullString
}

func (q *Queries) FinishUploadMetric(ctx context.Context, arg FinishUploadMetricParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, finishUploadMetric,
		arg.ID,
		arg.Status,
		arg.ProcessingCompletedAt,
		arg.ProcessingDurationSeconds,
		arg.CreditsConsumed,
		arg.ErrorMessage,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const sumMetricLines = `-- name: SumMetricLines :one
SELECT COALESCE(SUM(line_count), 0)::bigint
FROM upload_metrics
WHERE user_id = $1
  AND created_at >= $2
  AND created_at < $3`

type SumMetricLinesParams struct {
	UserID uuid.UUID
	From   time.Time
	To     time.Time
}

func (q *Queries) SumMetricLines(ctx context.Context, arg SumMetricLinesParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, sumMetricLines, arg.UserID, arg.From, arg.To)
	var total int64
	err := row.Scan(&total)
	return total, err
}

const getUsageStatistics = `-- name: GetUsageStatistics :one
SELECT
    COUNT(*)::bigint AS total_uploads,
    COUNT(*) FILTER (WHERE status = 'completed')::bigint AS successful_uploads,
    COUNT(*) FILTER (WHERE status = 'failed')::bigint AS failed_uploads,
    COALESCE(SUM(line_count) FILTER (WHERE status = 'completed'), 0)::bigint AS total_lines_processed,
    COALESCE(SUM(credits_consumed), 0)::bigint AS total_credits_consumed,
    COALESCE(AVG(line_count), 0)::float8 AS average_lines,
    COALESCE(AVG(processing_duration_seconds), 0)::float8 AS average_duration
FROM upload_metrics
WHERE user_id = $1`

type GetUsageStatisticsRow struct {
	TotalUploads         int64
	SuccessfulUploads    int64
	FailedUploads        int64
	TotalLinesProcessed  int64
	TotalCreditsConsumed int64
	AverageLines         float64
	AverageDuration      float64
}

func (q *Queries) GetUsageStatistics(ctx context.Context, userID uuid.UUID) (GetUsageStatisticsRow, error) {
	row := q.db.QueryRowContext(ctx, getUsageStatistics, userID)
	var i GetUsageStatisticsRow
	err := row.Scan(
		&i.TotalUploads,
		&i.SuccessfulUploads,
		&i.FailedUploads,
		&i.TotalLinesProcessed,
		&i.TotalCreditsConsumed,
		&i.AverageLines,
		&i.AverageDuration,
	)
	return i, err
}

package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const userColumns = `id, email, name, is_admin, subscription_status, credit_metered_plan,
    total_lines_processed, current_month_usage, usage_reset_date, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (User, error) {
	var i User
	err := row.Scan(
		&i.ID,
		&i.Email,
		&i.Name,
		&i.IsAdmin,
		&i.SubscriptionStatus,
		&i.CreditMeteredPlan,
		&i.TotalLinesProcessed,
		&i.CurrentMonthUsage,
		&i.UsageResetDate,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const createUser = `-- name: CreateUser :one
INSERT INTO users (email, name, is_admin, subscription_status, credit_metered_plan)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + userColumns

type CreateUserParams struct {
	Email              string
	Name               string
	IsAdmin            bool
	SubscriptionStatus string
	CreditMeteredPlan  bool
}

func (q *Queries) CreateUser(ctx context.Context, arg CreateUserParams) (User, error) {
	row := q.db.QueryRowContext(ctx, createUser,
		arg.Email,
		arg.Name,
		arg.IsAdmin,
		arg.SubscriptionStatus,
		arg.CreditMeteredPlan,
	)
	return scanUser(row)
}

const getUserByID = `-- name: GetUserByID :one
SELECT ` + userColumns + `
FROM users
WHERE id = $1`

func (q *Queries) GetUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	row := q.db.QueryRowContext(ctx, getUserByID, id)
	return scanUser(row)
}

const incrementUserUsage = `-- name: IncrementUserUsage :execrows
UPDATE users
SET total_lines_processed = total_lines_processed + $2,
    current_month_usage = current_month_usage + $2,
    updated_at = NOW()
WHERE id = $1`

type IncrementUserUsageParams struct {
	ID    uuid.UUID
	Lines int64
}

func (q *Queries) IncrementUserUsage(ctx context.Context, arg IncrementUserUsageParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, incrementUserUsage, arg.ID, arg.Lines)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const listResetCandidates = `-- name: ListResetCandidates :many
SELECT id, total_lines_processed, current_month_usage, usage_reset_date
FROM users
WHERE current_month_usage > 0
  AND ($1::date IS NULL OR usage_reset_date IS NULL OR usage_reset_date <= $1::date)
  AND id > $2
ORDER BY id
LIMIT $3`

type ListResetCandidatesParams struct {
	Cutoff  sql.NullTime
	AfterID uuid.UUID
	Limit   int32
}

type UsageRow struct {
	ID                  uuid.UUID
	TotalLinesProcessed int64
	CurrentMonthUsage   int64
	UsageResetDate      sql.NullTime
}

func (q *Queries) ListResetCandidates(ctx context.Context, arg ListResetCandidatesParams) ([]UsageRow, error) {
	rows, err := q.db.QueryContext(ctx, listResetCandidates, arg.Cutoff, arg.AfterID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsageRows(rows)
}

const resetMonthlyUsage = `-- name: ResetMonthlyUsage :many
UPDATE users
SET current_month_usage = 0,
    usage_reset_date = $3::date,
    updated_at = NOW()
WHERE id = ANY($1::uuid[])
  AND current_month_usage > 0
  AND ($2::date IS NULL OR usage_reset_date IS NULL OR usage_reset_date <= $2::date)
RETURNING id`

type ResetMonthlyUsageParams struct {
	IDs    []uuid.UUID
	Cutoff sql.NullTime
	Today  time.Time
}

func (q *Queries) ResetMonthlyUsage(ctx context.Context, arg ResetMonthlyUsageParams) ([]uuid.UUID, error) {
	ids := make([]string, len(arg.IDs))
	for i, id := range arg.IDs {
		ids[i] = id.String()
	}
	rows, err := q.db.QueryContext(ctx, resetMonthlyUsage, pq.Array(ids), arg.Cutoff, arg.Today)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		items = append(items, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getUserUsage = `-- name: GetUserUsage :one
SELECT id, total_lines_processed, current_month_usage, usage_reset_date
FROM users
WHERE id = $1`

func (q *Queries) GetUserUsage(ctx context.Context, id uuid.UUID) (UsageRow, error) {
	row := q.db.QueryRowContext(ctx, getUserUsage, id)
	var i UsageRow
	err := row.Scan(&i.ID, &i.TotalLinesProcessed, &i.CurrentMonthUsage, &i.UsageResetDate)
	return i, err
}

const listUsersApproachingLimit = `-- name: ListUsersApproachingLimit :many
SELECT id, total_lines_processed, current_month_usage, usage_reset_date
FROM users
WHERE current_month_usage >= $1
  AND is_admin = FALSE
ORDER BY current_month_usage DESC`

func (q *Queries) ListUsersApproachingLimit(ctx context.Context, minUsage int64) ([]UsageRow, error) {
	rows, err := q.db.QueryContext(ctx, listUsersApproachingLimit, minUsage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsageRows(rows)
}

func scanUsageRows(rows *sql.Rows) ([]UsageRow, error) {
	var items []UsageRow
	for rows.Next() {
		var i UsageRow
		if err := rows.Scan(&i.ID, &i.TotalLinesProcessed, &i.CurrentMonthUsage, &i.UsageResetDate); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

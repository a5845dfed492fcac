package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

const getCreditBalance = `-- name: GetCreditBalance :one
SELECT balance FROM credit_balances WHERE user_id = $1`

func (q *Queries) GetCreditBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	row := q.db.QueryRowContext(ctx, getCreditBalance, userID)
	var balance int64
	err := row.Scan(&balance)
	return balance, err
}

const addCreditBalance = `-- name: AddCreditBalance :one
INSERT INTO credit_balances (user_id, balance)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE
SET balance = credit_balances.balance + EXCLUDED.balance,
    updated_at = NOW()
RETURNING balance`

type AddCreditBalanceParams struct {
	UserID uuid.UUID
	Amount int64
}

func (q *Queries) AddCreditBalance(ctx context.Context, arg AddCreditBalanceParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, addCreditBalance, arg.UserID, arg.Amount)
	var balance int64
	err := row.Scan(&balance)
	return balance, err
}

// The balance >= $2 guard makes concurrent debits for one user serialize on
// the row lock; the loser sees zero rows.
const debitCreditBalance = `-- name: DebitCreditBalance :one
UPDATE credit_balances
SET balance = balance - $2,
    updated_at = NOW()
WHERE user_id = $1
  AND balance >= $2
RETURNING balance`

type DebitCreditBalanceParams struct {
	UserID uuid.UUID
	Amount int64
}

func (q *Queries) DebitCreditBalance(ctx context.Context, arg DebitCreditBalanceParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, debitCreditBalance, arg.UserID, arg.Amount)
	var balance int64
	err := row.Scan(&balance)
	return balance, err
}

const creditTransactionColumns = `id, user_id, type, amount, description, upload_id, subscription_id, created_at`

const insertCreditTransaction = `-- name: InsertCreditTransaction :one
INSERT INTO credit_transactions (user_id, type, amount, description, upload_id, subscription_id)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + creditTransactionColumns

type InsertCreditTransactionParams struct {
	UserID         uuid.UUID
	Type           string
	Amount         int64
	Description    string
	UploadID       uuid.NullUUID
	SubscriptionID sql.NullString
}

func (q *Queries) InsertCreditTransaction(ctx context.Context, arg InsertCreditTransactionParams) (CreditTransaction, error) {
	row := q.db.QueryRowContext(ctx, insertCreditTransaction,
		arg.UserID,
		arg.Type,
		arg.Amount,
		arg.Description,
		arg.UploadID,
		arg.SubscriptionID,
	)
	var i CreditTransaction
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Type,
		&i.Amount,
		&i.Description,
		&i.UploadID,
		&i.SubscriptionID,
		&i.CreatedAt,
	)
	return i, err
}

const listCreditTransactions = `-- name: ListCreditTransactions :many
SELECT ` + creditTransactionColumns + `
FROM credit_transactions
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`

type ListCreditTransactionsParams struct {
	UserID uuid.UUID
	Limit  int32
}

func (q *Queries) ListCreditTransactions(ctx context.Context, arg ListCreditTransactionsParams) ([]CreditTransaction, error) {
	rows, err := q.db.QueryContext(ctx, listCreditTransactions, arg.UserID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CreditTransaction
	for rows.Next() {
		var i CreditTransaction
		if err := rows.Scan(
			&i.ID,
			&i.UserID,
			&i.Type,
			&i.Amount,
			&i.Description,
			&i.UploadID,
			&i.SubscriptionID,
			&i.CreatedAt,
		); err != nil {
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

const sumUploadCredits = `-- name: SumUploadCredits :one
SELECT
    COALESCE(SUM(amount) FILTER (WHERE type = 'consumption'), 0)::bigint AS consumed,
    COALESCE(SUM(amount) FILTER (WHERE type = 'refund'), 0)::bigint AS refunded
FROM credit_transactions
WHERE user_id = $1 AND upload_id = $2`

type SumUploadCreditsParams struct {
	UserID   uuid.UUID
	UploadID uuid.UUID
}

type SumUploadCreditsRow struct {
	Consumed int64
	Refunded int64
}

func (q *Queries) SumUploadCredits(ctx context.Context, arg SumUploadCreditsParams) (SumUploadCreditsRow, error) {
	row := q.db.QueryRowContext(ctx, sumUploadCredits, arg.UserID, arg.UploadID)
	var i SumUploadCreditsRow
	err := row.Scan(&i.Consumed, &i.Refunded)
	return i, err
}

const getLedgerBalance = `-- name: GetLedgerBalance :one
SELECT
    COALESCE((SELECT SUM(amount) FROM credit_transactions t WHERE t.user_id = $1), 0)::bigint AS ledger_sum,
    COALESCE((SELECT balance FROM credit_balances b WHERE b.user_id = $1), 0)::bigint AS materialized`

type GetLedgerBalanceRow struct {
	LedgerSum    int64
	Materialized int64
}

func (q *Queries) GetLedgerBalance(ctx context.Context, userID uuid.UUID) (GetLedgerBalanceRow, error) {
	row := q.db.QueryRowContext(ctx, getLedgerBalance, userID)
	var i GetLedgerBalanceRow
	err := row.Scan(&i.LedgerSum, &i.Materialized)
	return i, err
}

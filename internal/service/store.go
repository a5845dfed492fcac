// Package service contains the business logic layer.
//
// This file declares the storage ports the engine depends on. They are
// implemented by internal/repository (PostgreSQL) and internal/memstore
// (in-process).
package service

import (
	"context"
	"time"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/google/uuid"
)

// UserStore reads account state used to build a Principal.
type UserStore interface {
	// GetUser returns domain.ErrNotFound when the user does not exist.
	GetUser(ctx context.Context, id uuid.UUID) (domain.User, error)

	// GetActiveOverride returns the newest override still in force at now, or nil.
	GetActiveOverride(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.UploadLimitOverride, error)

	CreateOverride(ctx context.Context, o domain.UploadLimitOverride) (domain.UploadLimitOverride, error)
}

// CreditStore persists the credit ledger and its materialized balance.
type CreditStore interface {
	CreditBalance(ctx context.Context, userID uuid.UUID) (int64, error)

	// ApplyCreditTransaction appends tx and moves the running balance by
	// tx.Amount in one atomic step. A negative amount larger than the balance
	// fails with domain.ErrInsufficientBalance and writes nothing. A second
	// refund for the same upload fails with domain.ErrDuplicate.
	ApplyCreditTransaction(ctx context.Context, tx domain.CreditTransaction) (domain.CreditTransaction, error)

	// UploadCreditNet returns the summed amounts of consumption and refund
	// entries correlated with an upload. Consumption is negative.
	UploadCreditNet(ctx context.Context, userID, uploadID uuid.UUID) (consumed, refunded int64, err error)

	ListCreditTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]domain.CreditTransaction, error)

	// LedgerBalance replays the ledger and returns it with the materialized total.
	LedgerBalance(ctx context.Context, userID uuid.UUID) (domain.LedgerDrift, error)
}

// IPTrackingStore holds anonymous upload counters.
type IPTrackingStore interface {
	// TrackIPUpload creates or increments the row for ip in a single upsert.
	TrackIPUpload(ctx context.Context, ip string, lines int64, at time.Time) (domain.IPUploadTracking, error)
	GetIPTracking(ctx context.Context, ip string) (domain.IPUploadTracking, error)
}

// UploadStore persists admitted uploads and their notification marker.
type UploadStore interface {
	CreateUpload(ctx context.Context, u domain.Upload) (domain.Upload, error)
	GetUpload(ctx context.Context, id uuid.UUID) (domain.Upload, error)

	// ClaimUploadNotification records that a notification of type t was sent.
	// It returns false without writing when the upload's current marker
	// forbids t.
	ClaimUploadNotification(ctx context.Context, id uuid.UUID, t domain.NotificationType, at time.Time) (bool, error)
}

// MetricStore persists upload metrics and the per-user usage counters they feed.
type MetricStore interface {
	// CreateMetric inserts m in pending state. When a metric already exists
	// for m.UploadID the existing row is returned instead.
	CreateMetric(ctx context.Context, m domain.UploadMetric) (domain.UploadMetric, error)
	GetMetric(ctx context.Context, id uuid.UUID) (domain.UploadMetric, error)

	// StartMetric moves a pending metric to processing. It returns false when
	// the metric was not pending.
	StartMetric(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// FinishMetric writes the terminal fields of m only if the stored row is
	// not yet terminal. When it wins and addUsage is set, the owner's lifetime
	// and monthly counters grow by m.LineCount in the same transaction.
	FinishMetric(ctx context.Context, m domain.UploadMetric, addUsage bool) (bool, error)

	// SumMetricLines totals LineCount over every metric the user created in
	// [from, to), whatever its status.
	SumMetricLines(ctx context.Context, userID uuid.UUID, from, to time.Time) (int64, error)

	UsageStatistics(ctx context.Context, userID uuid.UUID) (domain.UsageStatistics, error)
}

// UsageStore reads and resets the monthly usage counters.
type UsageStore interface {
	GetUsage(ctx context.Context, userID uuid.UUID) (domain.UserUsage, error)

	// ListResetCandidates returns up to limit users after afterID (by id) with
	// usage above zero whose reset date is unset or on/before cutoff. A nil
	// cutoff drops the date condition.
	ListResetCandidates(ctx context.Context, cutoff *time.Time, afterID uuid.UUID, limit int) ([]domain.UserUsage, error)

	// ResetUsage zeroes the counters of ids that still match the candidate
	// condition and stamps today as their reset date. It returns the ids it
	// actually changed.
	ResetUsage(ctx context.Context, ids []uuid.UUID, cutoff *time.Time, today time.Time) ([]uuid.UUID, error)

	// ListUsersApproachingLimit returns users whose monthly usage is at least minUsage.
	ListUsersApproachingLimit(ctx context.Context, minUsage int64) ([]domain.UserUsage, error)
}

// Store is the full set of ports the engine needs.
type Store interface {
	UserStore
	CreditStore
	IPTrackingStore
	UploadStore
	MetricStore
	UsageStore
}

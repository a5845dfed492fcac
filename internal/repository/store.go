package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/DukeRupert/csvmeter/internal/domain"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Store implements the engine's storage ports on PostgreSQL.
type Store struct {
	db *sql.DB
	q  *Queries
}

// NewStore creates a Store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, q: New(db)}
}

// Queries exposes the underlying query set for packages that need raw access
// (the job worker).
func (s *Store) Queries() *Queries {
	return s.q
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(s.q.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// =============================================================================
// Users and overrides
// =============================================================================

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (domain.User, error) {
	row, err := s.q.GetUserByID(ctx, id)
	if err != nil {
		return domain.User{}, notFound(err)
	}
	return toDomainUser(row), nil
}

func (s *Store) GetActiveOverride(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.UploadLimitOverride, error) {
	row, err := s.q.GetActiveOverride(ctx, GetActiveOverrideParams{UserID: userID, Now: now})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o := toDomainOverride(row)
	return &o, nil
}

func (s *Store) CreateOverride(ctx context.Context, o domain.UploadLimitOverride) (domain.UploadLimitOverride, error) {
	row, err := s.q.CreateOverride(ctx, CreateOverrideParams{
		UserID:    o.UserID,
		LineLimit: o.LineLimit,
		ExpiresAt: nullTime(o.ExpiresAt),
		CreatedBy: o.CreatedBy,
	})
	if isForeignKeyViolation(err) {
		return domain.UploadLimitOverride{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.UploadLimitOverride{}, err
	}
	return toDomainOverride(row), nil
}

// =============================================================================
// Credit ledger
// =============================================================================

func (s *Store) CreditBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	balance, err := s.q.GetCreditBalance(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func (s *Store) ApplyCreditTransaction(ctx context.Context, t domain.CreditTransaction) (domain.CreditTransaction, error) {
	var out domain.CreditTransaction
	err := s.withTx(ctx, func(q *Queries) error {
		if t.Amount < 0 {
			_, err := q.DebitCreditBalance(ctx, DebitCreditBalanceParams{UserID: t.UserID, Amount: -t.Amount})
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrInsufficientBalance
			}
			if err != nil {
				return fmt.Errorf("debit balance: %w", err)
			}
		} else {
			if _, err := q.AddCreditBalance(ctx, AddCreditBalanceParams{UserID: t.UserID, Amount: t.Amount}); err != nil {
				return fmt.Errorf("credit balance: %w", err)
			}
		}

		row, err := q.InsertCreditTransaction(ctx, InsertCreditTransactionParams{
			UserID:         t.UserID,
			Type:           string(t.Type),
			Amount:         t.Amount,
			Description:    t.Description,
			UploadID:       t.UploadID,
			SubscriptionID: nullString(t.SubscriptionID),
		})
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		out = toDomainCreditTransaction(row)
		return nil
	})
	return out, err
}

func (s *Store) UploadCreditNet(ctx context.Context, userID, uploadID uuid.UUID) (int64, int64, error) {
	row, err := s.q.SumUploadCredits(ctx, SumUploadCreditsParams{UserID: userID, UploadID: uploadID})
	if err != nil {
		return 0, 0, err
	}
	return row.Consumed, row.Refunded, nil
}

func (s *Store) ListCreditTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]domain.CreditTransaction, error) {
	rows, err := s.q.ListCreditTransactions(ctx, ListCreditTransactionsParams{UserID: userID, Limit: int32(limit)})
	if err != nil {
		return nil, err
	}
	out := make([]domain.CreditTransaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, toDomainCreditTransaction(r))
	}
	return out, nil
}

func (s *Store) LedgerBalance(ctx context.Context, userID uuid.UUID) (domain.LedgerDrift, error) {
	row, err := s.q.GetLedgerBalance(ctx, userID)
	if err != nil {
		return domain.LedgerDrift{}, err
	}
	return domain.LedgerDrift{UserID: userID, LedgerSum: row.LedgerSum, Materialized: row.Materialized}, nil
}

// =============================================================================
// Anonymous IP tracking
// =============================================================================

func (s *Store) TrackIPUpload(ctx context.Context, ip string, lines int64, at time.Time) (domain.IPUploadTracking, error) {
	inet, err := toInet(ip)
	if err != nil {
		return domain.IPUploadTracking{}, err
	}
	row, err := s.q.UpsertIPUploadTracking(ctx, UpsertIPUploadTrackingParams{
		IpAddress:    inet,
		Lines:        lines,
		LastUploadAt: at,
	})
	if err != nil {
		return domain.IPUploadTracking{}, err
	}
	return toDomainIPTracking(row), nil
}

func (s *Store) GetIPTracking(ctx context.Context, ip string) (domain.IPUploadTracking, error) {
	inet, err := toInet(ip)
	if err != nil {
		return domain.IPUploadTracking{}, err
	}
	row, err := s.q.GetIPUploadTracking(ctx, inet)
	if err != nil {
		return domain.IPUploadTracking{}, notFound(err)
	}
	return toDomainIPTracking(row), nil
}

// =============================================================================
// Uploads
// =============================================================================

func (s *Store) CreateUpload(ctx context.Context, u domain.Upload) (domain.Upload, error) {
	var inet pqtype.Inet
	if u.IPAddress != "" {
		var err error
		if inet, err = toInet(u.IPAddress); err != nil {
			return domain.Upload{}, err
		}
	}
	row, err := s.q.CreateUpload(ctx, CreateUploadParams{
		ID:           u.ID,
		UserID:       u.UserID,
		IpAddress:    inet,
		OriginalName: u.OriginalName,
		SizeBytes:    u.SizeBytes,
		LineCount:    u.LineCount,
		Periods:      u.Periods,
		StorageKey:   u.StorageKey,
	})
	if isUniqueViolation(err) {
		return domain.Upload{}, domain.ErrDuplicate
	}
	if err != nil {
		return domain.Upload{}, err
	}
	return toDomainUpload(row), nil
}

func (s *Store) GetUpload(ctx context.Context, id uuid.UUID) (domain.Upload, error) {
	row, err := s.q.GetUpload(ctx, id)
	if err != nil {
		return domain.Upload{}, notFound(err)
	}
	return toDomainUpload(row), nil
}

func (s *Store) ClaimUploadNotification(ctx context.Context, id uuid.UUID, t domain.NotificationType, at time.Time) (bool, error) {
	n, err := s.q.ClaimUploadNotification(ctx, ClaimUploadNotificationParams{
		ID:               id,
		NotificationType: string(t),
		SentAt:           at,
	})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// =============================================================================
// Metrics and usage
// =============================================================================

func (s *Store) CreateMetric(ctx context.Context, m domain.UploadMetric) (domain.UploadMetric, error) {
	row, err := s.q.CreateUploadMetric(ctx, CreateUploadMetricParams{
		UserID:        m.UserID,
		UploadID:      m.UploadID,
		FileName:      m.FileName,
		LineCount:     m.LineCount,
		FileSizeBytes: m.FileSizeBytes,
	})
	if errors.Is(err, sql.ErrNoRows) && m.UploadID.Valid {
		row, err = s.q.GetUploadMetricByUploadID(ctx, m.UploadID.UUID)
	}
	if err != nil {
		return domain.UploadMetric{}, err
	}
	return toDomainMetric(row), nil
}

func (s *Store) GetMetric(ctx context.Context, id uuid.UUID) (domain.UploadMetric, error) {
	row, err := s.q.GetUploadMetric(ctx, id)
	if err != nil {
		return domain.UploadMetric{}, notFound(err)
	}
	return toDomainMetric(row), nil
}

func (s *Store) StartMetric(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	n, err := s.q.StartUploadMetric(ctx, StartUploadMetricParams{ID: id, StartedAt: at})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) FinishMetric(ctx context.Context, m domain.UploadMetric, addUsage bool) (bool, error) {
	var won bool
	err := s.withTx(ctx, func(q *Queries) error {
		n, err := q.FinishUploadMetric(ctx, FinishUploadMetricParams{
			ID:                        m.ID,
			Status:                    string(m.Status),
			ProcessingCompletedAt:     nullTime(m.ProcessingCompletedAt),
			ProcessingDurationSeconds: nullInt64(m.ProcessingDurationSeconds),
			CreditsConsumed:           m.CreditsConsumed,
			ErrorMessage:              nullString(m.ErrorMessage),
		})
		if err != nil {
			return fmt.Errorf("finish metric: %w", err)
		}
		if n == 0 {
			return nil
		}
		won = true

		if addUsage && m.UserID.Valid && m.LineCount > 0 {
			if _, err := q.IncrementUserUsage(ctx, IncrementUserUsageParams{ID: m.UserID.UUID, Lines: m.LineCount}); err != nil {
				return fmt.Errorf("increment usage: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

func (s *Store) SumMetricLines(ctx context.Context, userID uuid.UUID, from, to time.Time) (int64, error) {
	return s.q.SumMetricLines(ctx, SumMetricLinesParams{UserID: userID, From: from, To: to})
}

func (s *Store) UsageStatistics(ctx context.Context, userID uuid.UUID) (domain.UsageStatistics, error) {
	row, err := s.q.GetUsageStatistics(ctx, userID)
	if err != nil {
		return domain.UsageStatistics{}, err
	}
	return domain.UsageStatistics{
		TotalUploads:          row.TotalUploads,
		SuccessfulUploads:     row.SuccessfulUploads,
		FailedUploads:         row.FailedUploads,
		TotalLinesProcessed:   row.TotalLinesProcessed,
		TotalCreditsConsumed:  row.TotalCreditsConsumed,
		AverageLinesPerUpload: row.AverageLines,
		AverageDurationSecs:   row.AverageDuration,
	}, nil
}

func (s *Store) GetUsage(ctx context.Context, userID uuid.UUID) (domain.UserUsage, error) {
	row, err := s.q.GetUserUsage(ctx, userID)
	if err != nil {
		return domain.UserUsage{}, notFound(err)
	}
	return toDomainUsage(row), nil
}

func (s *Store) ListResetCandidates(ctx context.Context, cutoff *time.Time, afterID uuid.UUID, limit int) ([]domain.UserUsage, error) {
	rows, err := s.q.ListResetCandidates(ctx, ListResetCandidatesParams{
		Cutoff:  nullTime(cutoff),
		AfterID: afterID,
		Limit:   int32(limit),
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.UserUsage, 0, len(rows))
	for _, r := range rows {
		out = append(out, toDomainUsage(r))
	}
	return out, nil
}

func (s *Store) ResetUsage(ctx context.Context, ids []uuid.UUID, cutoff *time.Time, today time.Time) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.q.ResetMonthlyUsage(ctx, ResetMonthlyUsageParams{
		IDs:    ids,
		Cutoff: nullTime(cutoff),
		Today:  today,
	})
}

func (s *Store) ListUsersApproachingLimit(ctx context.Context, minUsage int64) ([]domain.UserUsage, error) {
	rows, err := s.q.ListUsersApproachingLimit(ctx, minUsage)
	if err != nil {
		return nil, err
	}
	out := make([]domain.UserUsage, 0, len(rows))
	for _, r := range rows {
		out = append(out, toDomainUsage(r))
	}
	return out, nil
}

// =============================================================================
// Helpers
// =============================================================================

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == foreignKeyViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == foreignKeyViolation
	}
	return false
}

func toInet(ip string) (pqtype.Inet, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return pqtype.Inet{}, fmt.Errorf("invalid ip address %q", ip)
	}
	bits := 128
	if v4 := parsed.To4(); v4 != nil {
		parsed, bits = v4, 32
	}
	return pqtype.Inet{
		IPNet: net.IPNet{IP: parsed, Mask: net.CIDRMask(bits, bits)},
		Valid: true,
	}, nil
}

func fromInet(inet pqtype.Inet) string {
	if !inet.Valid || inet.IPNet.IP == nil {
		return ""
	}
	return inet.IPNet.IP.String()
}

// =============================================================================
// Settings
// =============================================================================

func (s *Store) GetSetting(ctx context.Context, key string) ([]byte, error) {
	row, err := s.q.GetAppSetting(ctx, key)
	if err != nil {
		return nil, notFound(err)
	}
	return row.Value, nil
}

func (s *Store) PutSetting(ctx context.Context, key string, value []byte) error {
	return s.q.UpsertAppSetting(ctx, UpsertAppSettingParams{Key: key, Value: value})
}

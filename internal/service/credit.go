// Package service contains the business logic layer.
//
// This file implements the credit ledger. Every balance change is an
// immutable transaction; the store moves the materialized balance in the
// same write.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/metrics"
	"github.com/google/uuid"
)

// DefaultHistoryLimit caps History when no limit is given.
const DefaultHistoryLimit = 50

// =============================================================================
// Interface Definition
// =============================================================================

// CreditService manages a user's credit ledger.
type CreditService interface {
	// Balance returns the user's current balance.
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)

	// Debit consumes amount credits. Returns domain.EPAYMENT wrapping
	// domain.ErrInsufficientBalance when the balance is too low.
	Debit(ctx context.Context, userID uuid.UUID, amount int64, c domain.Correlation) (uuid.UUID, error)

	// Credit adds amount credits as a purchase or grant.
	Credit(ctx context.Context, userID uuid.UUID, amount int64, t domain.CreditTransactionType, c domain.Correlation) (uuid.UUID, error)

	// Refund returns amount credits.
	Refund(ctx context.Context, userID uuid.UUID, amount int64, c domain.Correlation) (uuid.UUID, error)

	// RefundUpload returns whatever was consumed for an upload and not yet
	// refunded. It is idempotent and returns the amount refunded by this call.
	RefundUpload(ctx context.Context, userID, uploadID uuid.UUID) (int64, error)

	// ConsumedForUpload returns the net credits an upload currently costs.
	ConsumedForUpload(ctx context.Context, userID, uploadID uuid.UUID) (int64, error)

	// Expire removes up to amount credits and returns how many were removed.
	Expire(ctx context.Context, userID uuid.UUID, amount int64, description string) (int64, error)

	// Reconcile replays the ledger and compares it with the running total.
	Reconcile(ctx context.Context, userID uuid.UUID) (domain.LedgerDrift, error)

	// History returns the most recent transactions, newest first.
	History(ctx context.Context, userID uuid.UUID, limit int) ([]domain.CreditTransaction, error)
}

// =============================================================================
// Implementation
// =============================================================================

type creditService struct {
	store  CreditStore
	logger *slog.Logger
}

// NewCreditService creates a new CreditService.
func NewCreditService(store CreditStore, logger *slog.Logger) CreditService {
	return &creditService{
		store:  store,
		logger: logger,
	}
}

func (s *creditService) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	const op = "credit.balance"

	balance, err := s.store.CreditBalance(ctx, userID)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to read credit balance")
	}
	return balance, nil
}

func (s *creditService) Debit(ctx context.Context, userID uuid.UUID, amount int64, c domain.Correlation) (uuid.UUID, error) {
	const op = "credit.debit"

	if err := validateAmount(op, amount); err != nil {
		return uuid.Nil, err
	}

	tx, err := s.store.ApplyCreditTransaction(ctx, domain.CreditTransaction{
		UserID:         userID,
		Type:           domain.CreditTransactionConsumption,
		Amount:         -amount,
		Description:    c.Description,
		UploadID:       c.UploadID,
		SubscriptionID: c.SubscriptionID,
	})
	if errors.Is(err, domain.ErrInsufficientBalance) {
		balance, balErr := s.store.CreditBalance(ctx, userID)
		if balErr != nil {
			s.logger.Warn("failed to read balance after rejected debit",
				"user_id", userID,
				"error", balErr,
			)
			balance = domain.BalanceUnknown
		}
		return uuid.Nil, domain.InsufficientCredits(op, amount, balance)
	}
	if err != nil {
		return uuid.Nil, domain.Internal(err, op, "failed to record credit consumption")
	}

	metrics.CreditsDebited(amount)
	s.logger.Info("credits debited",
		"user_id", userID,
		"amount", amount,
		"transaction_id", tx.ID,
		"upload_id", nullUUIDString(c.UploadID),
	)
	return tx.ID, nil
}

func (s *creditService) Credit(ctx context.Context, userID uuid.UUID, amount int64, t domain.CreditTransactionType, c domain.Correlation) (uuid.UUID, error) {
	const op = "credit.credit"

	if t != domain.CreditTransactionPurchase && t != domain.CreditTransactionGrant {
		return uuid.Nil, domain.Invalid(op, "credits can only be added as a purchase or grant")
	}
	if err := validateAmount(op, amount); err != nil {
		return uuid.Nil, err
	}

	tx, err := s.store.ApplyCreditTransaction(ctx, domain.CreditTransaction{
		UserID:         userID,
		Type:           t,
		Amount:         amount,
		Description:    c.Description,
		UploadID:       c.UploadID,
		SubscriptionID: c.SubscriptionID,
	})
	if err != nil {
		return uuid.Nil, domain.Internal(err, op, "failed to record credit transaction")
	}

	s.logger.Info("credits added",
		"user_id", userID,
		"amount", amount,
		"type", t,
		"transaction_id", tx.ID,
	)
	return tx.ID, nil
}

func (s *creditService) Refund(ctx context.Context, userID uuid.UUID, amount int64, c domain.Correlation) (uuid.UUID, error) {
	const op = "credit.refund"

	if err := validateAmount(op, amount); err != nil {
		return uuid.Nil, err
	}

	tx, err := s.store.ApplyCreditTransaction(ctx, domain.CreditTransaction{
		UserID:      userID,
		Type:        domain.CreditTransactionRefund,
		Amount:      amount,
		Description: c.Description,
		UploadID:    c.UploadID,
	})
	if errors.Is(err, domain.ErrDuplicate) {
		return uuid.Nil, domain.Conflict(op, "this upload has already been refunded")
	}
	if err != nil {
		return uuid.Nil, domain.Internal(err, op, "failed to record refund")
	}

	metrics.CreditsRefunded(amount)
	s.logger.Info("credits refunded",
		"user_id", userID,
		"amount", amount,
		"transaction_id", tx.ID,
		"upload_id", nullUUIDString(c.UploadID),
	)
	return tx.ID, nil
}

func (s *creditService) RefundUpload(ctx context.Context, userID, uploadID uuid.UUID) (int64, error) {
	owed, err := s.ConsumedForUpload(ctx, userID, uploadID)
	if err != nil {
		return 0, err
	}
	if owed <= 0 {
		return 0, nil
	}

	_, err = s.Refund(ctx, userID, owed, domain.ForUpload(uploadID, "Refund for failed upload processing"))
	if domain.ErrorCode(err) == domain.ECONFLICT {
		// Another caller refunded this upload first.
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return owed, nil
}

func (s *creditService) ConsumedForUpload(ctx context.Context, userID, uploadID uuid.UUID) (int64, error) {
	const op = "credit.consumed_for_upload"

	consumed, refunded, err := s.store.UploadCreditNet(ctx, userID, uploadID)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to read upload credit entries")
	}
	net := -consumed - refunded
	if net < 0 {
		net = 0
	}
	return net, nil
}

func (s *creditService) Expire(ctx context.Context, userID uuid.UUID, amount int64, description string) (int64, error) {
	const op = "credit.expire"

	if err := validateAmount(op, amount); err != nil {
		return 0, err
	}

	balance, err := s.store.CreditBalance(ctx, userID)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to read credit balance")
	}
	if amount > balance {
		amount = balance
	}
	if amount <= 0 {
		return 0, nil
	}

	if description == "" {
		description = "Credits expired"
	}
	_, err = s.store.ApplyCreditTransaction(ctx, domain.CreditTransaction{
		UserID:      userID,
		Type:        domain.CreditTransactionExpiration,
		Amount:      -amount,
		Description: description,
	})
	if errors.Is(err, domain.ErrInsufficientBalance) {
		return 0, domain.Conflict(op, "balance changed while expiring credits")
	}
	if err != nil {
		return 0, domain.Internal(err, op, "failed to record credit expiration")
	}

	s.logger.Info("credits expired", "user_id", userID, "amount", amount)
	return amount, nil
}

func (s *creditService) Reconcile(ctx context.Context, userID uuid.UUID) (domain.LedgerDrift, error) {
	const op = "credit.reconcile"

	drift, err := s.store.LedgerBalance(ctx, userID)
	if err != nil {
		return domain.LedgerDrift{}, domain.Internal(err, op, "failed to replay ledger")
	}
	if !drift.Consistent() {
		s.logger.Error("credit ledger drift detected",
			"user_id", userID,
			"ledger_sum", drift.LedgerSum,
			"materialized", drift.Materialized,
		)
	}
	return drift, nil
}

func (s *creditService) History(ctx context.Context, userID uuid.UUID, limit int) ([]domain.CreditTransaction, error) {
	const op = "credit.history"

	if limit <= 0 || limit > 500 {
		limit = DefaultHistoryLimit
	}
	txs, err := s.store.ListCreditTransactions(ctx, userID, limit)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list credit transactions")
	}
	return txs, nil
}

func validateAmount(op string, amount int64) error {
	if amount <= 0 {
		return domain.NewValidationError(op, "amount", "must be positive")
	}
	return nil
}

func nullUUIDString(id uuid.NullUUID) string {
	if !id.Valid {
		return ""
	}
	return id.UUID.String()
}

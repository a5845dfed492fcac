package domain

import (
	"time"

	"github.com/google/uuid"
)

// CreditTransactionType classifies a ledger entry.
type CreditTransactionType string

const (
	CreditTransactionPurchase    CreditTransactionType = "purchase"
	CreditTransactionConsumption CreditTransactionType = "consumption"
	CreditTransactionRefund      CreditTransactionType = "refund"
	CreditTransactionGrant       CreditTransactionType = "grant"
	CreditTransactionExpiration  CreditTransactionType = "expiration"
)

// IsValid returns true if the type is a recognized value.
func (t CreditTransactionType) IsValid() bool {
	switch t {
	case CreditTransactionPurchase, CreditTransactionConsumption,
		CreditTransactionRefund, CreditTransactionGrant, CreditTransactionExpiration:
		return true
	}
	return false
}

// IsDebit reports whether entries of this type carry a negative amount.
func (t CreditTransactionType) IsDebit() bool {
	return t == CreditTransactionConsumption || t == CreditTransactionExpiration
}

// CreditTransaction is an immutable ledger entry. Amount is signed:
// positive adds credits, negative removes them.
type CreditTransaction struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Type           CreditTransactionType
	Amount         int64
	Description    string
	UploadID       uuid.NullUUID
	SubscriptionID string
	CreatedAt      time.Time
}

// Correlation links a ledger entry to the event that caused it.
type Correlation struct {
	UploadID       uuid.NullUUID
	SubscriptionID string
	Description    string
}

// ForUpload returns a correlation pointing at an upload.
func ForUpload(uploadID uuid.UUID, description string) Correlation {
	return Correlation{
		UploadID:    uuid.NullUUID{UUID: uploadID, Valid: true},
		Description: description,
	}
}

// LedgerDrift is the result of replaying a user's ledger against the
// materialized balance.
type LedgerDrift struct {
	UserID       uuid.UUID `json:"user_id"`
	LedgerSum    int64     `json:"ledger_sum"`
	Materialized int64     `json:"materialized"`
}

// Consistent reports whether the materialized balance matches the ledger.
func (d LedgerDrift) Consistent() bool {
	return d.LedgerSum == d.Materialized
}

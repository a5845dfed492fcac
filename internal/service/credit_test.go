package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/memstore"
)

func TestCreditService_DebitAndBalance(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewCreditService(store, testLogger())
	user := seedUser(t, store, domain.User{Email: "a@example.com"}, 5)

	uploadID := uuid.New()
	txID, err := svc.Debit(ctx, user.ID, 2, domain.ForUpload(uploadID, "upload"))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, txID)

	balance, err := svc.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)

	_, err = svc.Debit(ctx, user.ID, 4, domain.Correlation{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))
	assert.Equal(t, domain.KindCredit, domain.Kind(err))

	balance, err = svc.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance, "failed debit writes nothing")
}

// unreadableBalance fails balance reads while the ledger itself still works.
type unreadableBalance struct{ *memstore.Store }

func (unreadableBalance) CreditBalance(context.Context, uuid.UUID) (int64, error) {
	return 0, errors.New("replica unavailable")
}

func TestCreditService_DebitShortfallWithUnreadableBalance(t *testing.T) {
	store := memstore.New()
	user := seedUser(t, store, domain.User{}, 1)
	svc := NewCreditService(unreadableBalance{store}, testLogger())

	_, err := svc.Debit(context.Background(), user.ID, 3, domain.Correlation{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, "This file requires 3 credits, more than your current balance", domain.ErrorMessage(err))
	assert.NotContains(t, domain.ErrorMessage(err), "balance is 0")
}

func TestCreditService_AmountValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewCreditService(memstore.New(), testLogger())
	user := uuid.New()

	tests := []struct {
		name string
		call func() error
	}{
		{"debit zero", func() error { _, err := svc.Debit(ctx, user, 0, domain.Correlation{}); return err }},
		{"credit negative", func() error {
			_, err := svc.Credit(ctx, user, -1, domain.CreditTransactionGrant, domain.Correlation{})
			return err
		}},
		{"refund zero", func() error { _, err := svc.Refund(ctx, user, 0, domain.Correlation{}); return err }},
		{"expire negative", func() error { _, err := svc.Expire(ctx, user, -5, ""); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var verr *domain.ValidationError
			require.ErrorAs(t, tt.call(), &verr)
			assert.Contains(t, verr.Fields, "amount")
		})
	}
}

func TestCreditService_CreditRejectsDebitTypes(t *testing.T) {
	svc := NewCreditService(memstore.New(), testLogger())

	_, err := svc.Credit(context.Background(), uuid.New(), 5, domain.CreditTransactionConsumption, domain.Correlation{})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestCreditService_RefundUploadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewCreditService(store, testLogger())
	user := seedUser(t, store, domain.User{}, 4)
	uploadID := uuid.New()

	_, err := svc.Debit(ctx, user.ID, 2, domain.ForUpload(uploadID, "upload"))
	require.NoError(t, err)

	refunded, err := svc.RefundUpload(ctx, user.ID, uploadID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), refunded)

	refunded, err = svc.RefundUpload(ctx, user.ID, uploadID)
	require.NoError(t, err)
	assert.Zero(t, refunded)

	balance, err := svc.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)

	owed, err := svc.ConsumedForUpload(ctx, user.ID, uploadID)
	require.NoError(t, err)
	assert.Zero(t, owed)
}

func TestCreditService_RefundUploadWithoutDebit(t *testing.T) {
	store := memstore.New()
	svc := NewCreditService(store, testLogger())
	user := seedUser(t, store, domain.User{}, 0)

	refunded, err := svc.RefundUpload(context.Background(), user.ID, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, refunded)
}

func TestCreditService_ConcurrentRefunds(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewCreditService(store, testLogger())
	user := seedUser(t, store, domain.User{}, 3)
	uploadID := uuid.New()

	_, err := svc.Debit(ctx, user.ID, 3, domain.ForUpload(uploadID, "upload"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RefundUpload(ctx, user.ID, uploadID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := svc.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestCreditService_ExpireCapsAtBalance(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewCreditService(store, testLogger())
	user := seedUser(t, store, domain.User{}, 3)

	expired, err := svc.Expire(ctx, user.ID, 10, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), expired)

	expired, err = svc.Expire(ctx, user.ID, 1, "")
	require.NoError(t, err)
	assert.Zero(t, expired)

	history, err := svc.History(ctx, user.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.CreditTransactionExpiration, history[0].Type)
	assert.Equal(t, int64(-3), history[0].Amount)
	assert.Equal(t, domain.CreditTransactionPurchase, history[1].Type)
}

func TestCreditService_Reconcile(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewCreditService(store, testLogger())
	user := seedUser(t, store, domain.User{}, 10)

	_, err := svc.Debit(ctx, user.ID, 4, domain.Correlation{})
	require.NoError(t, err)
	_, err = svc.Credit(ctx, user.ID, 2, domain.CreditTransactionGrant, domain.Correlation{Description: "goodwill"})
	require.NoError(t, err)

	drift, err := svc.Reconcile(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, drift.Consistent())
	assert.Equal(t, int64(8), drift.LedgerSum)
	assert.Equal(t, int64(8), drift.Materialized)
}

package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultPolicy() StaticPolicy {
	return StaticPolicy(domain.DefaultPolicy())
}

// seedUser stores a user and, when credits > 0, purchases that many credits.
func seedUser(t *testing.T, store *memstore.Store, u domain.User, credits int64) domain.User {
	t.Helper()
	u = store.PutUser(u)
	if credits > 0 {
		_, err := NewCreditService(store, testLogger()).Credit(context.Background(), u.ID, credits,
			domain.CreditTransactionPurchase, domain.Correlation{Description: "seed"})
		require.NoError(t, err)
	}
	return u
}

type sentEmail struct {
	To           string
	Name         string
	Notification domain.UploadNotification
}

// recordingEmail captures upload outcome emails.
type recordingEmail struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
}

func (r *recordingEmail) SendUploadOutcomeEmail(_ context.Context, to, name string, n domain.UploadNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sentEmail{To: to, Name: name, Notification: n})
	return nil
}

func (r *recordingEmail) Sent() []sentEmail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentEmail(nil), r.sent...)
}

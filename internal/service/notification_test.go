package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/memstore"
)

func TestUploadNotificationAllowed(t *testing.T) {
	sentAt := time.Now()

	tests := []struct {
		name   string
		marker domain.NotificationType
		next   domain.NotificationType
		want   bool
	}{
		{"nothing sent", "", domain.NotificationSuccess, true},
		{"processing then success", domain.NotificationProcessing, domain.NotificationSuccess, true},
		{"processing then failure", domain.NotificationProcessing, domain.NotificationFailure, true},
		{"processing twice", domain.NotificationProcessing, domain.NotificationProcessing, false},
		{"success twice", domain.NotificationSuccess, domain.NotificationSuccess, false},
		{"success then failure", domain.NotificationSuccess, domain.NotificationFailure, false},
		{"failure then success", domain.NotificationFailure, domain.NotificationSuccess, false},
		{"terminal then processing", domain.NotificationFailure, domain.NotificationProcessing, false},
	}

	guard := NewNotificationGuard(memstore.New())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := domain.Upload{ID: uuid.New(), NotificationType: tt.marker}
			if tt.marker != "" {
				u.NotificationSentAt = &sentAt
			}
			assert.Equal(t, tt.want, guard.ShouldSend(u, tt.next))
		})
	}

	assert.False(t, guard.ShouldSend(domain.Upload{}, "sms"))
}

func TestNotificationGuard_ClaimOnce(t *testing.T) {
	store := memstore.New()
	guard := NewNotificationGuard(store)
	ctx := context.Background()

	upload, err := store.CreateUpload(ctx, domain.Upload{ID: uuid.New(), OriginalName: "a.csv"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i := range 10 {
		wg.Add(1)
		go func(nt domain.NotificationType) {
			defer wg.Done()
			ok, err := guard.Claim(ctx, upload.ID, nt)
			if err == nil && ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}([]domain.NotificationType{domain.NotificationSuccess, domain.NotificationFailure}[i%2])
	}
	wg.Wait()
	assert.Equal(t, 1, claims, "one terminal notification per upload")

	_, err = guard.Claim(ctx, upload.ID, "sms")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestNotificationGuard_MarkSentUsesMarker(t *testing.T) {
	store := memstore.New()
	guard := NewNotificationGuard(store)
	ctx := context.Background()

	upload, err := store.CreateUpload(ctx, domain.Upload{ID: uuid.New()})
	require.NoError(t, err)

	ok, err := guard.MarkSent(ctx, upload, domain.NotificationProcessing)
	require.NoError(t, err)
	assert.True(t, ok)

	upload, err = store.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationProcessing, upload.NotificationType)
	require.NotNil(t, upload.NotificationSentAt)

	ok, err = guard.MarkSent(ctx, upload, domain.NotificationProcessing)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = guard.MarkSent(ctx, upload, domain.NotificationSuccess)
	require.NoError(t, err)
	assert.True(t, ok)
}

type notificationFixture struct {
	store      *memstore.Store
	email      *recordingEmail
	dispatcher *NotificationDispatcher
	user       domain.User
	upload     domain.Upload
}

func newNotificationFixture(t *testing.T) *notificationFixture {
	t.Helper()
	f := &notificationFixture{store: memstore.New(), email: &recordingEmail{}}
	f.dispatcher = NewNotificationDispatcher(f.store, f.email, testLogger())
	f.user = f.store.PutUser(domain.User{Email: "owner@example.com"})

	var err error
	f.upload, err = f.store.CreateUpload(context.Background(), domain.Upload{
		ID:           uuid.New(),
		UserID:       uuid.NullUUID{UUID: f.user.ID, Valid: true},
		OriginalName: "ledger.csv",
		Periods:      []string{"2024-01"},
	})
	require.NoError(t, err)
	return f
}

func TestDeliver(t *testing.T) {
	f := newNotificationFixture(t)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Deliver(ctx, f.upload.ID, domain.UploadNotification{Type: domain.NotificationSuccess, LineCount: 9}))
	require.NoError(t, f.dispatcher.Deliver(ctx, f.upload.ID, domain.UploadNotification{Type: domain.NotificationSuccess}))
	require.NoError(t, f.dispatcher.Deliver(ctx, f.upload.ID, domain.UploadNotification{Type: domain.NotificationFailure}))

	sent := f.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "owner@example.com", sent[0].To)
	assert.Equal(t, "owner@example.com", sent[0].Name, "display name falls back to email")
	assert.Equal(t, f.upload.ID, sent[0].Notification.UploadID)
	assert.Equal(t, "ledger.csv", sent[0].Notification.FileName)
	assert.Equal(t, []string{"2024-01"}, sent[0].Notification.Periods)
	assert.Equal(t, int64(9), sent[0].Notification.LineCount)
}

func TestDeliver_SendFailureIsNotRetried(t *testing.T) {
	f := newNotificationFixture(t)
	ctx := context.Background()
	f.email.err = errors.New("smtp down")

	err := f.dispatcher.Deliver(ctx, f.upload.ID, domain.UploadNotification{Type: domain.NotificationFailure})
	assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))

	f.email.err = nil
	require.NoError(t, f.dispatcher.Deliver(ctx, f.upload.ID, domain.UploadNotification{Type: domain.NotificationFailure}))
	assert.Empty(t, f.email.Sent(), "the marker was claimed before sending")
}

func TestDeliver_Skips(t *testing.T) {
	f := newNotificationFixture(t)
	ctx := context.Background()

	anon, err := f.store.CreateUpload(ctx, domain.Upload{ID: uuid.New(), IPAddress: "198.51.100.7"})
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Deliver(ctx, anon.ID, domain.UploadNotification{Type: domain.NotificationSuccess}))
	assert.Empty(t, f.email.Sent())

	err = f.dispatcher.Deliver(ctx, uuid.New(), domain.UploadNotification{Type: domain.NotificationSuccess})
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestNotificationFor(t *testing.T) {
	uploadID := uuid.New()
	m := domain.UploadMetric{
		UploadID:        uuid.NullUUID{UUID: uploadID, Valid: true},
		FileName:        "a.csv",
		LineCount:       4,
		Status:          domain.MetricStatusCompleted,
		CreditsConsumed: 1,
	}
	n := NotificationFor(m)
	assert.Equal(t, domain.NotificationSuccess, n.Type)
	assert.Equal(t, uploadID, n.UploadID)
	assert.Equal(t, int64(1), n.Credits)

	m.Status = domain.MetricStatusFailed
	m.ErrorMessage = "bad row"
	n = NotificationFor(m)
	assert.Equal(t, domain.NotificationFailure, n.Type)
	assert.Equal(t, "bad row", n.ErrorMessage)
}

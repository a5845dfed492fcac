package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/memstore"
	"github.com/DukeRupert/csvmeter/internal/storage"
)

// csvFile builds a file with rows data lines spread over periods.
func csvFile(rows int, periods ...string) string {
	var b strings.Builder
	b.WriteString("TXN_ID,ACTIVITY_PERIOD,AMOUNT\n")
	for i := range rows {
		period := ""
		if len(periods) > 0 {
			period = periods[i%len(periods)]
		}
		fmt.Fprintf(&b, "%d,%s,%d.00\n", i+1, period, i*10)
	}
	return b.String()
}

type engineFixture struct {
	store  *memstore.Store
	engine *Engine
	email  *recordingEmail
}

func newEngineFixture(t *testing.T, archive storage.Storage) *engineFixture {
	t.Helper()
	store := memstore.New()
	mail := &recordingEmail{}
	dispatcher := NewNotificationDispatcher(store, mail, testLogger())

	return &engineFixture{
		store: store,
		email: mail,
		engine: NewEngine(EngineDeps{
			Store:   store,
			Policy:  defaultPolicy(),
			Storage: archive,
			Hooks:   []TerminalHook{dispatcher.InlineHook()},
			Logger:  testLogger(),
		}),
	}
}

func (f *engineFixture) principal(t *testing.T, userID uuid.UUID, ip string) domain.Principal {
	t.Helper()
	p, err := f.engine.ResolvePrincipal(context.Background(), userID, ip)
	require.NoError(t, err)
	return p
}

func (f *engineFixture) admit(t *testing.T, p domain.Principal, body string) (AdmissionResult, error) {
	t.Helper()
	return f.engine.Admit(context.Background(), UploadRequest{
		Principal: p,
		FileName:  "ledger.csv",
		SizeBytes: int64(len(body)),
		Body:      strings.NewReader(body),
	})
}

func (f *engineFixture) balance(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	b, err := f.engine.Credits().Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (f *engineFixture) uploadCount(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	stats, err := f.engine.Metering().UsageStatistics(context.Background(), userID)
	require.NoError(t, err)
	return stats.TotalUploads
}

func TestAdmit_CreditUpload(t *testing.T) {
	f := newEngineFixture(t, nil)
	user := seedUser(t, f.store, domain.User{Email: "c@example.com"}, 5)

	res, err := f.admit(t, f.principal(t, user.ID, ""), csvFile(10, "2024-01", "2024-02"))
	require.NoError(t, err)

	assert.True(t, res.Decision.Allowed)
	assert.Equal(t, domain.TierCredit, res.Decision.Tier)
	assert.Equal(t, int64(2), res.Decision.RequiredCredits)
	assert.Equal(t, int64(10), res.Analysis.LineCount)
	assert.ElementsMatch(t, []string{"2024-01", "2024-02"}, res.Analysis.Periods)
	assert.True(t, res.TransactionID.Valid)
	assert.Equal(t, int64(3), f.balance(t, user.ID))

	require.NotNil(t, res.Upload)
	assert.Equal(t, user.ID, res.Upload.UserID.UUID)
	assert.Empty(t, res.Upload.StorageKey, "archiving disabled")

	require.NotNil(t, res.Metric)
	assert.Equal(t, domain.MetricStatusProcessing, res.Metric.Status)
	assert.Equal(t, res.Upload.ID, res.Metric.UploadID.UUID)

	consumed, err := f.engine.Credits().ConsumedForUpload(context.Background(), user.ID, res.Upload.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), consumed)
}

func TestAdmit_Denials(t *testing.T) {
	tests := []struct {
		name       string
		credits    int64
		body       string
		wantReason domain.DenialReason
	}{
		{"free tier file too large", 0, csvFile(150, "2024-01"), domain.DenialFileTooLarge},
		{"too many periods", 10, csvFile(8, "2024-01", "2024-02", "2024-03", "2024-04"), domain.DenialTooManyPeriods},
		{"not enough credits", 1, csvFile(8, "2024-01", "2024-02"), domain.DenialInsufficientCredits},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, nil)
			user := seedUser(t, f.store, domain.User{}, tt.credits)

			res, err := f.admit(t, f.principal(t, user.ID, ""), tt.body)
			require.NoError(t, err, "denials are decisions")

			assert.False(t, res.Decision.Allowed)
			assert.Equal(t, tt.wantReason, res.Decision.Reason)
			assert.NotEmpty(t, res.Decision.Message)
			assert.Nil(t, res.Upload)
			assert.Nil(t, res.Metric)
			assert.Equal(t, tt.credits, f.balance(t, user.ID))
			assert.Zero(t, f.uploadCount(t, user.ID))
		})
	}
}

func TestAdmit_StructuralErrorsHaveNoSideEffects(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"missing period column", "TXN_ID,AMOUNT\n1,2\n", domain.EMISSINGCOLUMN},
		{"empty file", "", domain.EINVALIDFORMAT},
		{"binary content", "\x00\x01\x02\x03PK\x03\x04", domain.EINVALIDFORMAT},
		{"quote left open hides later rows", unterminatedQuoteFile(), domain.EINVALIDFORMAT},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, nil)
			user := seedUser(t, f.store, domain.User{}, 5)

			_, err := f.admit(t, f.principal(t, user.ID, ""), tt.body)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, domain.ErrorCode(err))
			assert.Equal(t, domain.KindStructural, domain.Kind(err))
			assert.Equal(t, int64(5), f.balance(t, user.ID))
			assert.Zero(t, f.uploadCount(t, user.ID))
		})
	}
}

// unterminatedQuoteFile opens a quote on the first data row of a 501 line,
// twelve period file.
func unterminatedQuoteFile() string {
	periods := make([]string, 12)
	for i := range periods {
		periods[i] = fmt.Sprintf("2024-%02d", i+1)
	}
	return strings.Replace(csvFile(501, periods...), "\n1,", "\n\"1,", 1)
}

func TestAdmit_UnterminatedQuoteCannotSlipPastFreeLimit(t *testing.T) {
	f := newEngineFixture(t, nil)
	user := seedUser(t, f.store, domain.User{}, 0)

	res, err := f.admit(t, f.principal(t, user.ID, ""), unterminatedQuoteFile())
	require.Error(t, err)
	assert.Equal(t, domain.EINVALIDFORMAT, domain.ErrorCode(err))
	assert.False(t, res.Decision.Allowed)
	assert.Nil(t, res.Upload)
	assert.Zero(t, f.uploadCount(t, user.ID))
}

func TestAdmit_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newEngineFixture(t, nil)
	user := seedUser(t, f.store, domain.User{}, 2)
	p := f.principal(t, user.ID, "")
	body := csvFile(6, "2024-01", "2024-02")

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var allowed, denied int
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.admit(t, p, body)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if res.Decision.Allowed {
				allowed++
				return
			}
			assert.Equal(t, domain.DenialInsufficientCredits, res.Decision.Reason)
			denied++
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, allowed)
	assert.Equal(t, workers-1, denied)
	assert.Zero(t, f.balance(t, user.ID))
	assert.Equal(t, int64(1), f.uploadCount(t, user.ID))

	drift, err := f.engine.Credits().Reconcile(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, drift.Consistent())
}

func TestAdmit_MonthlyAllowance(t *testing.T) {
	f := newEngineFixture(t, nil)
	user := seedUser(t, f.store, domain.User{CurrentMonthUsage: 95}, 0)

	_, err := f.admit(t, f.principal(t, user.ID, ""), csvFile(10, "2024-01"))
	require.Error(t, err)
	assert.Equal(t, domain.ERATELIMIT, domain.ErrorCode(err))
	assert.Zero(t, f.uploadCount(t, user.ID))
}

func TestAdmit_Anonymous(t *testing.T) {
	f := newEngineFixture(t, nil)
	p := f.principal(t, uuid.Nil, "203.0.113.5")

	res, err := f.admit(t, p, csvFile(10, "2024-01"))
	require.NoError(t, err)
	require.True(t, res.Decision.Allowed)
	assert.Equal(t, domain.TierAnonymous, res.Decision.Tier)
	assert.False(t, res.Upload.UserID.Valid)
	assert.Equal(t, "203.0.113.5", res.Upload.IPAddress)

	_, err = f.admit(t, p, csvFile(5, "2024-01"))
	require.NoError(t, err)

	tracking, err := f.store.GetIPTracking(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, int64(2), tracking.UploadCount)
	assert.Equal(t, int64(15), tracking.TotalLinesAttempted)

	_, err = f.engine.CompleteMetering(context.Background(), res.Metric.ID, CompletionParams{Success: true})
	require.NoError(t, err)
	assert.Empty(t, f.email.Sent(), "anonymous uploads have no recipient")
}

func TestAdmit_RequiresIdentity(t *testing.T) {
	f := newEngineFixture(t, nil)

	_, err := f.engine.ResolvePrincipal(context.Background(), uuid.Nil, "")
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))

	_, err = f.engine.ResolvePrincipal(context.Background(), uuid.New(), "")
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))

	_, err = f.engine.Admit(context.Background(), UploadRequest{FileName: "x.csv"})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestCompleteMetering_SuccessRecordsCredits(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	user := seedUser(t, f.store, domain.User{Email: "s@example.com", Name: "Sam"}, 5)

	res, err := f.admit(t, f.principal(t, user.ID, ""), csvFile(12, "2024-01", "2024-02"))
	require.NoError(t, err)

	m, err := f.engine.CompleteMetering(ctx, res.Metric.ID, CompletionParams{Success: true})
	require.NoError(t, err)
	assert.Equal(t, domain.MetricStatusCompleted, m.Status)
	assert.Equal(t, int64(2), m.CreditsConsumed)

	usage, err := f.engine.CurrentUsage(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(12), usage.Lifetime)
	assert.Zero(t, usage.MonthlyLimit, "credit tier has no monthly allowance")

	// A late failure report must not refund a completed upload.
	_, err = f.engine.CompleteMetering(ctx, res.Metric.ID, CompletionParams{ErrorMessage: "late"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.balance(t, user.ID))

	sent := f.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "s@example.com", sent[0].To)
	assert.Equal(t, "Sam", sent[0].Name)
	assert.Equal(t, domain.NotificationSuccess, sent[0].Notification.Type)
	assert.Equal(t, int64(2), sent[0].Notification.Credits)
	assert.ElementsMatch(t, []string{"2024-01", "2024-02"}, sent[0].Notification.Periods)
}

func TestCompleteMetering_FailureRefundsOnce(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	user := seedUser(t, f.store, domain.User{Email: "r@example.com"}, 5)

	res, err := f.admit(t, f.principal(t, user.ID, ""), csvFile(12, "2024-01", "2024-02"))
	require.NoError(t, err)
	require.Equal(t, int64(3), f.balance(t, user.ID))

	for range 3 {
		m, err := f.engine.CompleteMetering(ctx, res.Metric.ID, CompletionParams{ErrorMessage: "transformer crashed"})
		require.NoError(t, err)
		assert.Equal(t, domain.MetricStatusFailed, m.Status)
		assert.Zero(t, m.CreditsConsumed)
	}
	assert.Equal(t, int64(5), f.balance(t, user.ID))

	usage, err := f.engine.CurrentUsage(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, usage.Lifetime)

	sent := f.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.NotificationFailure, sent[0].Notification.Type)
	assert.Equal(t, "transformer crashed", sent[0].Notification.ErrorMessage)
}

func TestStartMetering_FindsExistingMetric(t *testing.T) {
	f := newEngineFixture(t, nil)
	user := seedUser(t, f.store, domain.User{}, 5)

	res, err := f.admit(t, f.principal(t, user.ID, ""), csvFile(4, "2024-01"))
	require.NoError(t, err)

	id, err := f.engine.StartMetering(context.Background(), res.Upload.ID, 4, 100)
	require.NoError(t, err)
	assert.Equal(t, res.Metric.ID, id)

	_, err = f.engine.StartMetering(context.Background(), uuid.New(), 4, 100)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestAdmit_Archives(t *testing.T) {
	archive, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()}, testLogger())
	require.NoError(t, err)
	f := newEngineFixture(t, archive)
	user := seedUser(t, f.store, domain.User{}, 5)
	body := csvFile(3, "2024-01")

	res, err := f.admit(t, f.principal(t, user.ID, ""), body)
	require.NoError(t, err)
	require.NotEmpty(t, res.Upload.StorageKey)

	rc, info, err := f.engine.OpenUploadFile(context.Background(), *res.Upload)
	require.NoError(t, err)
	defer rc.Close()
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, string(stored), "the whole file is archived after analysis")
	assert.Equal(t, int64(len(body)), info.Size)
	assert.Len(t, info.SHA256, 64)
}

func TestOpenUploadFile_WithoutArchive(t *testing.T) {
	f := newEngineFixture(t, nil)
	user := seedUser(t, f.store, domain.User{}, 5)

	res, err := f.admit(t, f.principal(t, user.ID, ""), csvFile(2, "2024-01"))
	require.NoError(t, err)

	_, _, err = f.engine.OpenUploadFile(context.Background(), *res.Upload)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

type failingStorage struct{ storage.Storage }

func (failingStorage) Put(context.Context, string, io.ReadSeeker, storage.PutOptions) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{}, errors.New("bucket unavailable")
}

func TestAdmit_ArchiveFailureRefunds(t *testing.T) {
	f := newEngineFixture(t, failingStorage{})
	user := seedUser(t, f.store, domain.User{}, 5)

	_, err := f.admit(t, f.principal(t, user.ID, ""), csvFile(3, "2024-01", "2024-02"))
	require.Error(t, err)
	assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))
	assert.Equal(t, domain.KindFatal, domain.Kind(err))
	assert.Equal(t, int64(5), f.balance(t, user.ID))
	assert.Zero(t, f.uploadCount(t, user.ID))
}

func TestEngine_CurrentUsageLimit(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	free := seedUser(t, f.store, domain.User{CurrentMonthUsage: 40}, 0)

	usage, err := f.engine.CurrentUsage(ctx, free.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), usage.Monthly)
	assert.Equal(t, domain.DefaultFreeTierMonthlyLimit, usage.MonthlyLimit)

	expires := time.Now().Add(24 * time.Hour)
	_, err = f.store.CreateOverride(ctx, domain.UploadLimitOverride{UserID: free.ID, LineLimit: 5000, ExpiresAt: &expires})
	require.NoError(t, err)

	usage, err = f.engine.CurrentUsage(ctx, free.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), usage.MonthlyLimit)
}

func TestEngine_RunMonthlyReset(t *testing.T) {
	f := newEngineFixture(t, nil)
	user := seedUser(t, f.store, domain.User{CurrentMonthUsage: 70}, 0)

	report, err := f.engine.RunMonthlyReset(context.Background(), true, false)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{user.ID}, report.AffectedUserIDs)

	report, err = f.engine.RunMonthlyReset(context.Background(), false, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ResetCount)

	usage, err := f.engine.CurrentUsage(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Zero(t, usage.Monthly)
}

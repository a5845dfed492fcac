// Package memstore implements the engine's storage ports in process memory.
//
// It is used for single-instance deployments (STORE_DRIVER=memory) and as
// the backing store in service tests. Ledger writes for a user are
// serialized by a mutex keyed on the user id.
package memstore

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/google/uuid"
)

// Store is an in-memory implementation of service.Store.
type Store struct {
	mu sync.RWMutex

	users        map[uuid.UUID]domain.User
	overrides    map[uuid.UUID][]domain.UploadLimitOverride
	balances     map[uuid.UUID]int64
	transactions map[uuid.UUID][]domain.CreditTransaction
	refunded     map[uuid.UUID]struct{} // upload ids with a refund entry
	ips          map[string]domain.IPUploadTracking
	uploads      map[uuid.UUID]domain.Upload
	metrics      map[uuid.UUID]domain.UploadMetric
	metricByUp   map[uuid.UUID]uuid.UUID
	settings     map[string][]byte

	userLocks sync.Map // uuid.UUID -> *sync.Mutex

	now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:        make(map[uuid.UUID]domain.User),
		overrides:    make(map[uuid.UUID][]domain.UploadLimitOverride),
		balances:     make(map[uuid.UUID]int64),
		transactions: make(map[uuid.UUID][]domain.CreditTransaction),
		refunded:     make(map[uuid.UUID]struct{}),
		ips:          make(map[string]domain.IPUploadTracking),
		uploads:      make(map[uuid.UUID]domain.Upload),
		metrics:      make(map[uuid.UUID]domain.UploadMetric),
		metricByUp:   make(map[uuid.UUID]uuid.UUID),
		settings:     make(map[string][]byte),
		now:          time.Now,
	}
}

// SetClock replaces the time source used for created/updated stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) lockUser(id uuid.UUID) func() {
	m, _ := s.userLocks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// =============================================================================
// Users and overrides
// =============================================================================

// PutUser inserts or replaces a user record.
func (s *Store) PutUser(u domain.User) domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	u.UpdatedAt = s.now()
	s.users[u.ID] = u
	return u
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetActiveOverride(_ context.Context, userID uuid.UUID, now time.Time) (*domain.UploadLimitOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.UploadLimitOverride
	for _, o := range s.overrides[userID] {
		if !o.IsActive(now) {
			continue
		}
		if latest == nil || o.CreatedAt.After(latest.CreatedAt) {
			o := o
			latest = &o
		}
	}
	return latest, nil
}

func (s *Store) CreateOverride(_ context.Context, o domain.UploadLimitOverride) (domain.UploadLimitOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[o.UserID]; !ok {
		return domain.UploadLimitOverride{}, domain.ErrNotFound
	}
	o.ID = uuid.New()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	s.overrides[o.UserID] = append(s.overrides[o.UserID], o)
	return o, nil
}

// =============================================================================
// Credit ledger
// =============================================================================

func (s *Store) CreditBalance(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[userID], nil
}

func (s *Store) ApplyCreditTransaction(_ context.Context, t domain.CreditTransaction) (domain.CreditTransaction, error) {
	unlock := s.lockUser(t.UserID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.balances[t.UserID]
	if t.Amount < 0 && balance+t.Amount < 0 {
		return domain.CreditTransaction{}, domain.ErrInsufficientBalance
	}
	if t.Type == domain.CreditTransactionRefund && t.UploadID.Valid {
		if _, dup := s.refunded[t.UploadID.UUID]; dup {
			return domain.CreditTransaction{}, domain.ErrDuplicate
		}
		s.refunded[t.UploadID.UUID] = struct{}{}
	}

	t.ID = uuid.New()
	t.CreatedAt = s.now()
	s.balances[t.UserID] = balance + t.Amount
	s.transactions[t.UserID] = append(s.transactions[t.UserID], t)
	return t, nil
}

func (s *Store) UploadCreditNet(_ context.Context, userID, uploadID uuid.UUID) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var consumed, refunded int64
	for _, t := range s.transactions[userID] {
		if !t.UploadID.Valid || t.UploadID.UUID != uploadID {
			continue
		}
		switch t.Type {
		case domain.CreditTransactionConsumption:
			consumed += t.Amount
		case domain.CreditTransactionRefund:
			refunded += t.Amount
		}
	}
	return consumed, refunded, nil
}

func (s *Store) ListCreditTransactions(_ context.Context, userID uuid.UUID, limit int) ([]domain.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.transactions[userID]
	out := make([]domain.CreditTransaction, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) LedgerBalance(_ context.Context, userID uuid.UUID) (domain.LedgerDrift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, t := range s.transactions[userID] {
		sum += t.Amount
	}
	return domain.LedgerDrift{UserID: userID, LedgerSum: sum, Materialized: s.balances[userID]}, nil
}

// =============================================================================
// Anonymous IP tracking
// =============================================================================

func (s *Store) TrackIPUpload(_ context.Context, ip string, lines int64, at time.Time) (domain.IPUploadTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.ips[ip]
	if !ok {
		t = domain.IPUploadTracking{IPAddress: ip, CreatedAt: s.now()}
	}
	t.UploadCount++
	t.TotalLinesAttempted += lines
	if at.After(t.LastUploadAt) {
		t.LastUploadAt = at
	}
	s.ips[ip] = t
	return t, nil
}

func (s *Store) GetIPTracking(_ context.Context, ip string) (domain.IPUploadTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ips[ip]
	if !ok {
		return domain.IPUploadTracking{}, domain.ErrNotFound
	}
	return t, nil
}

// =============================================================================
// Uploads
// =============================================================================

func (s *Store) CreateUpload(_ context.Context, u domain.Upload) (domain.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.uploads[u.ID]; exists {
		return domain.Upload{}, domain.ErrDuplicate
	}
	u.Periods = slices.Clone(u.Periods)
	if u.Periods == nil {
		u.Periods = []string{}
	}
	u.CreatedAt = s.now()
	s.uploads[u.ID] = u
	return u, nil
}

func (s *Store) GetUpload(_ context.Context, id uuid.UUID) (domain.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[id]
	if !ok {
		return domain.Upload{}, domain.ErrNotFound
	}
	u.Periods = slices.Clone(u.Periods)
	return u, nil
}

func (s *Store) ClaimUploadNotification(_ context.Context, id uuid.UUID, t domain.NotificationType, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[id]
	if !ok || !u.NotificationAllowed(t) {
		return false, nil
	}
	u.NotificationType = t
	u.NotificationSentAt = &at
	s.uploads[id] = u
	return true, nil
}

// =============================================================================
// Metrics and usage
// =============================================================================

func (s *Store) CreateMetric(_ context.Context, m domain.UploadMetric) (domain.UploadMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.UploadID.Valid {
		if id, ok := s.metricByUp[m.UploadID.UUID]; ok {
			return s.metrics[id], nil
		}
	}

	now := s.now()
	m.ID = uuid.New()
	m.Status = domain.MetricStatusPending
	m.CreatedAt = now
	m.UpdatedAt = now
	s.metrics[m.ID] = m
	if m.UploadID.Valid {
		s.metricByUp[m.UploadID.UUID] = m.ID
	}
	return m, nil
}

func (s *Store) GetMetric(_ context.Context, id uuid.UUID) (domain.UploadMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[id]
	if !ok {
		return domain.UploadMetric{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *Store) StartMetric(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metrics[id]
	if !ok || m.Status != domain.MetricStatusPending {
		return false, nil
	}
	m.Status = domain.MetricStatusProcessing
	m.ProcessingStartedAt = &at
	m.UpdatedAt = s.now()
	s.metrics[id] = m
	return true, nil
}

func (s *Store) FinishMetric(_ context.Context, m domain.UploadMetric, addUsage bool) (bool, error) {
	if m.UserID.Valid {
		unlock := s.lockUser(m.UserID.UUID)
		defer unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.metrics[m.ID]
	if !ok || stored.Status != domain.MetricStatusProcessing {
		return false, nil
	}

	stored.Status = m.Status
	stored.ProcessingCompletedAt = m.ProcessingCompletedAt
	if stored.ProcessingDurationSeconds == nil {
		stored.ProcessingDurationSeconds = m.ProcessingDurationSeconds
	}
	stored.CreditsConsumed = m.CreditsConsumed
	stored.ErrorMessage = m.ErrorMessage
	stored.UpdatedAt = s.now()
	s.metrics[m.ID] = stored

	if addUsage && stored.UserID.Valid && stored.LineCount > 0 {
		if u, ok := s.users[stored.UserID.UUID]; ok {
			u.TotalLinesProcessed += stored.LineCount
			u.CurrentMonthUsage += stored.LineCount
			u.UpdatedAt = s.now()
			s.users[u.ID] = u
		}
	}
	return true, nil
}

func (s *Store) SumMetricLines(_ context.Context, userID uuid.UUID, from, to time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, m := range s.metrics {
		if !m.UserID.Valid || m.UserID.UUID != userID {
			continue
		}
		if m.CreatedAt.Before(from) || !m.CreatedAt.Before(to) {
			continue
		}
		total += m.LineCount
	}
	return total, nil
}

func (s *Store) UsageStatistics(_ context.Context, userID uuid.UUID) (domain.UsageStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats domain.UsageStatistics
	var lines, durations, timed int64
	for _, m := range s.metrics {
		if !m.UserID.Valid || m.UserID.UUID != userID {
			continue
		}
		stats.TotalUploads++
		lines += m.LineCount
		stats.TotalCreditsConsumed += m.CreditsConsumed
		switch m.Status {
		case domain.MetricStatusCompleted:
			stats.SuccessfulUploads++
			stats.TotalLinesProcessed += m.LineCount
		case domain.MetricStatusFailed:
			stats.FailedUploads++
		}
		if m.ProcessingDurationSeconds != nil {
			durations += *m.ProcessingDurationSeconds
			timed++
		}
	}
	if stats.TotalUploads > 0 {
		stats.AverageLinesPerUpload = float64(lines) / float64(stats.TotalUploads)
	}
	if timed > 0 {
		stats.AverageDurationSecs = float64(durations) / float64(timed)
	}
	return stats, nil
}

func (s *Store) GetUsage(_ context.Context, userID uuid.UUID) (domain.UserUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.UserUsage{}, domain.ErrNotFound
	}
	return usageOf(u), nil
}

func (s *Store) ListResetCandidates(_ context.Context, cutoff *time.Time, afterID uuid.UUID, limit int) ([]domain.UserUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.UserUsage
	for _, u := range s.users {
		if bytes.Compare(u.ID[:], afterID[:]) <= 0 || !dueForReset(u, cutoff) {
			continue
		}
		out = append(out, usageOf(u))
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].UserID[:], out[j].UserID[:]) < 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ResetUsage(_ context.Context, ids []uuid.UUID, cutoff *time.Time, today time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := truncateDay(today)
	var reset []uuid.UUID
	for _, id := range ids {
		u, ok := s.users[id]
		if !ok || !dueForReset(u, cutoff) {
			continue
		}
		u.CurrentMonthUsage = 0
		u.UsageResetDate = &day
		u.UpdatedAt = s.now()
		s.users[id] = u
		reset = append(reset, id)
	}
	return reset, nil
}

func (s *Store) ListUsersApproachingLimit(_ context.Context, minUsage int64) ([]domain.UserUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.UserUsage
	for _, u := range s.users {
		if u.IsAdmin || u.CurrentMonthUsage < minUsage {
			continue
		}
		out = append(out, usageOf(u))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CurrentMonthUsage > out[j].CurrentMonthUsage
	})
	return out, nil
}

// =============================================================================
// Settings
// =============================================================================

func (s *Store) GetSetting(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return slices.Clone(v), nil
}

func (s *Store) PutSetting(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = slices.Clone(value)
	return nil
}

func dueForReset(u domain.User, cutoff *time.Time) bool {
	if u.CurrentMonthUsage <= 0 {
		return false
	}
	if cutoff == nil || u.UsageResetDate == nil {
		return true
	}
	return !u.UsageResetDate.After(truncateDay(*cutoff))
}

func usageOf(u domain.User) domain.UserUsage {
	return domain.UserUsage{
		UserID:              u.ID,
		TotalLinesProcessed: u.TotalLinesProcessed,
		CurrentMonthUsage:   u.CurrentMonthUsage,
		UsageResetDate:      u.UsageResetDate,
	}
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

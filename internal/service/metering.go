// Package service contains the business logic layer.
//
// This file implements usage metering: the lifecycle of an UploadMetric
// and the per-user line counters it feeds.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/metrics"
	"github.com/google/uuid"
)

// DefaultApproachingThreshold is the share of the monthly allowance at which
// a user counts as approaching the limit.
const DefaultApproachingThreshold = 0.8

// TerminalHook is called once for every metric that reaches a terminal state.
// It runs after the state is committed; its failures do not affect the metric.
type TerminalHook func(ctx context.Context, m domain.UploadMetric)

// CompletionParams describes the outcome of processing an upload.
type CompletionParams struct {
	Success         bool
	CreditsConsumed int64
	ErrorMessage    string
}

// =============================================================================
// Interface Definition
// =============================================================================

// MeteringService records upload attempts and usage.
type MeteringService interface {
	// TrackUploadStart checks the monthly allowance for p, then finds or
	// creates the metric for upload and moves it to processing. Returns
	// domain.ERATELIMIT before creating anything when the allowance would be
	// exceeded.
	TrackUploadStart(ctx context.Context, p domain.Principal, upload domain.Upload, lineCount, sizeBytes int64) (domain.UploadMetric, error)

	// Complete moves a metric to its terminal state. Calls on a metric that is
	// already terminal return it unchanged. The bool reports whether this call
	// performed the transition.
	Complete(ctx context.Context, metricID uuid.UUID, params CompletionParams) (domain.UploadMetric, bool, error)

	// TrackProcessingCompletion is Complete with the given success flag.
	TrackProcessingCompletion(ctx context.Context, metricID uuid.UUID, success bool, creditsConsumed int64) (domain.UploadMetric, error)

	// TrackProcessingFailure is Complete with success=false.
	TrackProcessingFailure(ctx context.Context, metricID uuid.UUID, errorMessage string) (domain.UploadMetric, error)

	GetMetric(ctx context.Context, metricID uuid.UUID) (domain.UploadMetric, error)

	// CheckMonthlyAllowance returns domain.ERATELIMIT when p may not process
	// lineCount more lines this month. Only the override and free tiers
	// have an allowance.
	CheckMonthlyAllowance(ctx context.Context, p domain.Principal, lineCount int64) error

	// GetCurrentMonthUsage sums the lines of every metric the user created in
	// the current UTC calendar month, failed attempts included.
	GetCurrentMonthUsage(ctx context.Context, userID uuid.UUID) (int64, error)

	// CurrentUsage returns the user's counters.
	CurrentUsage(ctx context.Context, userID uuid.UUID) (domain.UsageSummary, error)

	UsageStatistics(ctx context.Context, userID uuid.UUID) (domain.UsageStatistics, error)

	// UsersApproachingLimit lists users whose monthly usage has reached
	// threshold (0 < threshold <= 1) of the free tier allowance.
	UsersApproachingLimit(ctx context.Context, threshold float64) ([]domain.UserUsage, error)
}

// =============================================================================
// Implementation
// =============================================================================

type meteringService struct {
	store  MetricStore
	usage  UsageStore
	policy PolicySource
	hooks  []TerminalHook
	logger *slog.Logger
	now    func() time.Time
}

// NewMeteringService creates a new MeteringService. hooks run in order after
// every terminal transition.
func NewMeteringService(
	store MetricStore,
	usage UsageStore,
	policy PolicySource,
	logger *slog.Logger,
	hooks ...TerminalHook,
) MeteringService {
	return &meteringService{
		store:  store,
		usage:  usage,
		policy: policy,
		hooks:  hooks,
		logger: logger,
		now:    time.Now,
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func (s *meteringService) TrackUploadStart(ctx context.Context, p domain.Principal, upload domain.Upload, lineCount, sizeBytes int64) (domain.UploadMetric, error) {
	const op = "metering.track_upload_start"

	if err := s.CheckMonthlyAllowance(ctx, p, lineCount); err != nil {
		return domain.UploadMetric{}, err
	}

	m, err := s.store.CreateMetric(ctx, domain.UploadMetric{
		UserID:        upload.UserID,
		UploadID:      uuid.NullUUID{UUID: upload.ID, Valid: upload.ID != uuid.Nil},
		FileName:      upload.OriginalName,
		LineCount:     lineCount,
		FileSizeBytes: sizeBytes,
		Status:        domain.MetricStatusPending,
	})
	if err != nil {
		return domain.UploadMetric{}, domain.Internal(err, op, "failed to create upload metric")
	}
	if m.Status != domain.MetricStatusPending {
		// Already started by an earlier attempt for the same upload.
		return m, nil
	}

	startedAt := s.now()
	started, err := s.store.StartMetric(ctx, m.ID, startedAt)
	if err != nil {
		return domain.UploadMetric{}, domain.Internal(err, op, "failed to start upload metric")
	}
	if !started {
		return s.GetMetric(ctx, m.ID)
	}

	m.Status = domain.MetricStatusProcessing
	m.ProcessingStartedAt = &startedAt
	metrics.MetricTransitioned(m.Status, 0)

	s.logger.Info("upload processing started",
		"metric_id", m.ID,
		"upload_id", nullUUIDString(m.UploadID),
		"user_id", nullUUIDString(m.UserID),
		"line_count", lineCount,
		"size_bytes", sizeBytes,
	)
	return m, nil
}

func (s *meteringService) Complete(ctx context.Context, metricID uuid.UUID, params CompletionParams) (domain.UploadMetric, bool, error) {
	const op = "metering.complete"

	m, err := s.GetMetric(ctx, metricID)
	if err != nil {
		return domain.UploadMetric{}, false, err
	}
	if m.Status.IsTerminal() {
		s.logger.Debug("ignoring completion of terminal metric",
			"metric_id", m.ID,
			"status", m.Status,
		)
		return m, false, nil
	}

	if !m.Finish(params.Success, params.CreditsConsumed, params.ErrorMessage, s.now()) {
		return m, false, domain.Conflict(op, "upload processing has not started")
	}

	won, err := s.store.FinishMetric(ctx, m, params.Success && m.UserID.Valid)
	if err != nil {
		return domain.UploadMetric{}, false, domain.Internal(err, op, "failed to finish upload metric")
	}
	if !won {
		// A concurrent completion got there first; report its outcome.
		current, err := s.GetMetric(ctx, metricID)
		return current, false, err
	}

	metrics.MetricTransitioned(m.Status, m.LineCount)
	s.logger.Info("upload processing finished",
		"metric_id", m.ID,
		"upload_id", nullUUIDString(m.UploadID),
		"status", m.Status,
		"line_count", m.LineCount,
		"credits_consumed", m.CreditsConsumed,
		"error_message", m.ErrorMessage,
	)

	for _, hook := range s.hooks {
		hook(ctx, m)
	}
	return m, true, nil
}

func (s *meteringService) TrackProcessingCompletion(ctx context.Context, metricID uuid.UUID, success bool, creditsConsumed int64) (domain.UploadMetric, error) {
	m, _, err := s.Complete(ctx, metricID, CompletionParams{Success: success, CreditsConsumed: creditsConsumed})
	return m, err
}

func (s *meteringService) TrackProcessingFailure(ctx context.Context, metricID uuid.UUID, errorMessage string) (domain.UploadMetric, error) {
	m, _, err := s.Complete(ctx, metricID, CompletionParams{Success: false, ErrorMessage: errorMessage})
	return m, err
}

func (s *meteringService) GetMetric(ctx context.Context, metricID uuid.UUID) (domain.UploadMetric, error) {
	const op = "metering.get_metric"

	m, err := s.store.GetMetric(ctx, metricID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.UploadMetric{}, domain.NotFound(op, "upload metric", metricID.String())
	}
	if err != nil {
		return domain.UploadMetric{}, domain.Internal(err, op, "failed to load upload metric")
	}
	return m, nil
}

// =============================================================================
// Allowance and usage
// =============================================================================

func (s *meteringService) CheckMonthlyAllowance(ctx context.Context, p domain.Principal, lineCount int64) error {
	const op = "metering.check_monthly_allowance"

	policy, err := s.policy.Policy(ctx)
	if err != nil {
		return err
	}

	ceiling, ok := MonthlyCeiling(p, policy, s.now())
	if !ok {
		return nil
	}

	if p.CurrentMonthUsage+lineCount > ceiling {
		s.logger.Info("monthly allowance exceeded",
			"user_id", p.UserID,
			"current_usage", p.CurrentMonthUsage,
			"line_count", lineCount,
			"monthly_limit", ceiling,
		)
		return domain.UsageLimitExceeded(op, p.CurrentMonthUsage, lineCount, ceiling)
	}
	return nil
}

func (s *meteringService) GetCurrentMonthUsage(ctx context.Context, userID uuid.UUID) (int64, error) {
	const op = "metering.current_month_usage"

	from, to := monthBoundaries(s.now())
	total, err := s.store.SumMetricLines(ctx, userID, from, to)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to sum monthly usage")
	}
	return total, nil
}

func (s *meteringService) CurrentUsage(ctx context.Context, userID uuid.UUID) (domain.UsageSummary, error) {
	const op = "metering.current_usage"

	u, err := s.usage.GetUsage(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.UsageSummary{}, domain.NotFound(op, "user", userID.String())
	}
	if err != nil {
		return domain.UsageSummary{}, domain.Internal(err, op, "failed to read usage counters")
	}

	calendar, err := s.GetCurrentMonthUsage(ctx, userID)
	if err != nil {
		return domain.UsageSummary{}, err
	}

	return domain.UsageSummary{
		UserID:        userID,
		Monthly:       u.CurrentMonthUsage,
		Lifetime:      u.TotalLinesProcessed,
		CalendarMonth: calendar,
	}, nil
}

func (s *meteringService) UsageStatistics(ctx context.Context, userID uuid.UUID) (domain.UsageStatistics, error) {
	const op = "metering.usage_statistics"

	stats, err := s.store.UsageStatistics(ctx, userID)
	if err != nil {
		return domain.UsageStatistics{}, domain.Internal(err, op, "failed to compute usage statistics")
	}
	return stats, nil
}

func (s *meteringService) UsersApproachingLimit(ctx context.Context, threshold float64) ([]domain.UserUsage, error) {
	const op = "metering.users_approaching_limit"

	if threshold <= 0 || threshold > 1 {
		threshold = DefaultApproachingThreshold
	}
	policy, err := s.policy.Policy(ctx)
	if err != nil {
		return nil, err
	}

	minUsage := int64(float64(policy.FreeTierMonthlyLimit) * threshold)
	users, err := s.usage.ListUsersApproachingLimit(ctx, minUsage)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list users approaching limit")
	}
	return users, nil
}

// monthBoundaries returns the start of the UTC calendar month containing t
// and the start of the following month.
func monthBoundaries(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}

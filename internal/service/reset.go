// Package service contains the business logic layer.
//
// This file implements the monthly usage reset job.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/metrics"
	"github.com/google/uuid"
)

// DefaultResetPageSize is the number of users handled per page.
const DefaultResetPageSize = 500

// ResetOptions controls a reset run.
type ResetOptions struct {
	// DryRun reports the users that would be reset without writing.
	DryRun bool

	// Force resets every user with usage regardless of their last reset date.
	Force bool
}

// ResetReport summarizes a reset run.
type ResetReport struct {
	ResetCount      int         `json:"reset_count"`
	AffectedUserIDs []uuid.UUID `json:"affected_user_ids"`
	CutoffDate      *time.Time  `json:"cutoff_date,omitempty"`
	DryRun          bool        `json:"dry_run"`
	Forced          bool        `json:"forced"`
}

// ResetService zeroes monthly usage counters.
type ResetService interface {
	// Run resets users with usage whose last reset is at least a month old.
	// Writes are conditional, so rerunning after a crash only skips users
	// that were already reset.
	Run(ctx context.Context, opts ResetOptions) (ResetReport, error)

	// ProcessMonthlyResets is Run with default options. It returns the
	// number of users reset.
	ProcessMonthlyResets(ctx context.Context) (int, error)
}

type resetService struct {
	store    UsageStore
	pageSize int
	logger   *slog.Logger
	now      func() time.Time
}

// NewResetService creates a new ResetService. A pageSize of zero selects
// DefaultResetPageSize.
func NewResetService(store UsageStore, pageSize int, logger *slog.Logger) ResetService {
	if pageSize <= 0 {
		pageSize = DefaultResetPageSize
	}
	return &resetService{
		store:    store,
		pageSize: pageSize,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *resetService) Run(ctx context.Context, opts ResetOptions) (ResetReport, error) {
	const op = "reset.run"

	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	report := ResetReport{
		AffectedUserIDs: []uuid.UUID{},
		DryRun:          opts.DryRun,
		Forced:          opts.Force,
	}
	var cutoff *time.Time
	if !opts.Force {
		c := today.AddDate(0, -1, 0)
		cutoff = &c
		report.CutoffDate = &c
	}

	afterID := uuid.Nil
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		candidates, err := s.store.ListResetCandidates(ctx, cutoff, afterID, s.pageSize)
		if err != nil {
			return report, domain.Internal(err, op, "failed to list reset candidates")
		}
		if len(candidates) == 0 {
			break
		}

		ids := make([]uuid.UUID, len(candidates))
		for i, c := range candidates {
			ids[i] = c.UserID
		}
		afterID = ids[len(ids)-1]

		if opts.DryRun {
			report.AffectedUserIDs = append(report.AffectedUserIDs, ids...)
		} else {
			reset, err := s.store.ResetUsage(ctx, ids, cutoff, today)
			if err != nil {
				return report, domain.Internal(err, op, "failed to reset usage")
			}
			report.AffectedUserIDs = append(report.AffectedUserIDs, reset...)
		}

		s.logger.Debug("reset page processed",
			"page", page,
			"candidates", len(candidates),
			"total", len(report.AffectedUserIDs),
		)

		if len(candidates) < s.pageSize {
			break
		}
	}

	report.ResetCount = len(report.AffectedUserIDs)
	metrics.UsageReset(report.ResetCount, opts.DryRun, opts.Force)

	s.logger.Info("monthly usage reset completed",
		"users_reset", report.ResetCount,
		"cutoff_date", cutoffString(cutoff),
		"dry_run", opts.DryRun,
		"force", opts.Force,
	)
	return report, nil
}

func (s *resetService) ProcessMonthlyResets(ctx context.Context) (int, error) {
	report, err := s.Run(ctx, ResetOptions{})
	return report.ResetCount, err
}

func cutoffString(c *time.Time) string {
	if c == nil {
		return "none"
	}
	return c.Format(time.DateOnly)
}

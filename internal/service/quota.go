// Package service contains the business logic layer.
//
// This file implements the quota policy resolver: which tier a principal
// falls into, the line ceiling that tier carries, and whether a single
// analyzed file is admitted.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/csvmeter/internal/domain"
)

// PolicySource supplies the current admission policy. It is implemented by
// settings.Provider and by StaticPolicy.
type PolicySource interface {
	Policy(ctx context.Context) (domain.Policy, error)
}

// StaticPolicy is a PolicySource that never changes.
type StaticPolicy domain.Policy

// Policy returns p.
func (p StaticPolicy) Policy(context.Context) (domain.Policy, error) {
	return domain.Policy(p), nil
}

// =============================================================================
// Interface Definition
// =============================================================================

// QuotaService resolves limits and admission decisions for a principal.
type QuotaService interface {
	// ResolveLimit returns the line ceiling that applies to p.
	ResolveLimit(ctx context.Context, p domain.Principal) (domain.LimitResolution, error)

	// AdmitUpload decides whether a file described by a may be uploaded by p.
	// Denials are returned as decisions; the error is reserved for failures
	// loading the policy.
	AdmitUpload(ctx context.Context, p domain.Principal, a domain.PeriodAnalysis) (domain.AdmissionDecision, error)
}

// =============================================================================
// Implementation
// =============================================================================

type quotaService struct {
	policy PolicySource
	logger *slog.Logger
	now    func() time.Time
}

// NewQuotaService creates a new QuotaService.
func NewQuotaService(policy PolicySource, logger *slog.Logger) QuotaService {
	return &quotaService{
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// ResolveLimit returns the line ceiling that applies to p.
func (s *quotaService) ResolveLimit(ctx context.Context, p domain.Principal) (domain.LimitResolution, error) {
	policy, err := s.policy.Policy(ctx)
	if err != nil {
		return domain.LimitResolution{}, err
	}
	return ResolveLimit(p, policy, s.now()), nil
}

// AdmitUpload decides whether a file may be uploaded.
func (s *quotaService) AdmitUpload(ctx context.Context, p domain.Principal, a domain.PeriodAnalysis) (domain.AdmissionDecision, error) {
	policy, err := s.policy.Policy(ctx)
	if err != nil {
		return domain.AdmissionDecision{}, err
	}

	d := AdmitUpload(p, a, policy, s.now())
	if !d.Allowed {
		s.logger.Info("upload denied",
			"principal", p.Identity(),
			"tier", d.TierName,
			"reason", d.Reason,
			"line_count", a.LineCount,
			"period_count", a.PeriodCount,
		)
	}
	return d, nil
}

// =============================================================================
// Policy evaluation
// =============================================================================

// ResolveLimit applies the tier precedence to p. The first matching tier wins:
// admin, active subscription, positive credit balance, active override,
// authenticated free tier, anonymous.
func ResolveLimit(p domain.Principal, policy domain.Policy, now time.Time) domain.LimitResolution {
	res := func(t domain.Tier, limit int64) domain.LimitResolution {
		return domain.LimitResolution{
			Limit:     limit,
			Unlimited: !t.HasLineCeiling(),
			Tier:      t,
			TierName:  t.String(),
		}
	}

	switch {
	case p.IsAdmin && !p.IsAnonymous():
		return res(domain.TierAdmin, 0)
	case p.HasActiveSubscription && !p.IsAnonymous():
		return res(domain.TierSubscription, 0)
	case p.CreditBalance > 0 && !p.IsAnonymous():
		return res(domain.TierCredit, 0)
	}

	if p.IsAnonymous() {
		return res(domain.TierAnonymous, policy.AnonymousLineLimit)
	}

	if o := p.ActiveOverride(now); o != nil {
		r := res(domain.TierOverride, o.LineLimit)
		r.IsCustom = true
		r.ExpiresAt = o.ExpiresAt
		return r
	}

	return res(domain.TierFree, policy.FreeTierLineLimit)
}

// MonthlyCeiling returns the monthly line allowance for p. The second
// result is false for tiers without an allowance. An active override raises
// the allowance to its line limit when that is higher.
func MonthlyCeiling(p domain.Principal, policy domain.Policy, now time.Time) (int64, bool) {
	limit := ResolveLimit(p, policy, now)
	if !limit.Tier.HasMonthlyAllowance() {
		return 0, false
	}
	ceiling := policy.FreeTierMonthlyLimit
	if o := p.ActiveOverride(now); o != nil && o.LineLimit > ceiling {
		ceiling = o.LineLimit
	}
	return ceiling, true
}

// creditGated reports whether uploads in tier t are paid for with credits.
func creditGated(p domain.Principal, t domain.Tier) bool {
	switch t {
	case domain.TierCredit:
		return true
	case domain.TierSubscription:
		return p.CreditMeteredPlan
	}
	return false
}

// AdmitUpload evaluates the admission rules in order: the period cap for
// every tier, the line ceiling for capped tiers, then the credit balance for
// credit-gated tiers.
func AdmitUpload(p domain.Principal, a domain.PeriodAnalysis, policy domain.Policy, now time.Time) domain.AdmissionDecision {
	limit := ResolveLimit(p, policy, now)
	gated := creditGated(p, limit.Tier)

	d := domain.AdmissionDecision{
		Tier:        limit.Tier,
		TierName:    limit.TierName,
		Limit:       limit.Limit,
		Unlimited:   limit.Unlimited,
		CreditGated: gated,
	}

	deny := func(reason domain.DenialReason, msg string) domain.AdmissionDecision {
		d.Allowed = false
		d.Reason = reason
		d.Kind = reason.Kind()
		d.Message = msg
		return d
	}

	if a.PeriodCount > policy.MaxPeriodsPerFile {
		return deny(domain.DenialTooManyPeriods, fmt.Sprintf(
			"This file contains %d activity periods; at most %d are allowed per upload",
			a.PeriodCount, policy.MaxPeriodsPerFile))
	}

	if limit.Tier.HasLineCeiling() && a.LineCount > limit.Limit {
		return deny(domain.DenialFileTooLarge, fileTooLargeMessage(limit, a.LineCount))
	}

	if gated {
		d.RequiredCredits = a.CreditCost()
		if d.RequiredCredits > p.CreditBalance {
			return deny(domain.DenialInsufficientCredits,
				domain.InsufficientCreditsMessage(d.RequiredCredits, p.CreditBalance))
		}
	}

	d.Allowed = true
	return d
}

func fileTooLargeMessage(limit domain.LimitResolution, lines int64) string {
	switch limit.Tier {
	case domain.TierOverride:
		return fmt.Sprintf("This file has %d lines, which exceeds your upload limit of %d lines", lines, limit.Limit)
	case domain.TierAnonymous:
		return fmt.Sprintf("This file has %d lines, which exceeds the %d line limit for anonymous uploads. Sign up to upload larger files", lines, limit.Limit)
	default:
		return fmt.Sprintf("This file has %d lines, which exceeds the free tier limit of %d lines. Upgrade your plan or buy credits to upload larger files", lines, limit.Limit)
	}
}

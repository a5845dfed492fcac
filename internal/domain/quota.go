// Package domain contains core business types and interfaces.
//
// This file defines the upload admission policy: the six quota tiers, the
// limit they resolve to, and the decision returned for a single file.
package domain

import (
	"fmt"
	"time"
)

// Default policy values used when no setting has been stored.
const (
	DefaultFreeTierLineLimit    int64 = 100
	DefaultAnonymousLineLimit   int64 = 100
	DefaultFreeTierMonthlyLimit int64 = 100
	DefaultMaxPeriodsPerFile          = 3
)

// =============================================================================
// Policy
// =============================================================================

// Policy holds the tunable admission settings.
type Policy struct {
	FreeTierLineLimit    int64 `json:"free_tier_line_limit"`
	AnonymousLineLimit   int64 `json:"anonymous_line_limit"`
	FreeTierMonthlyLimit int64 `json:"free_tier_monthly_limit"`
	MaxPeriodsPerFile    int   `json:"max_periods_per_file"`
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		FreeTierLineLimit:    DefaultFreeTierLineLimit,
		AnonymousLineLimit:   DefaultAnonymousLineLimit,
		FreeTierMonthlyLimit: DefaultFreeTierMonthlyLimit,
		MaxPeriodsPerFile:    DefaultMaxPeriodsPerFile,
	}
}

// Validate checks that every limit is positive.
func (p Policy) Validate() error {
	const op = "policy.validate"

	switch {
	case p.FreeTierLineLimit <= 0:
		return NewValidationError(op, "free_tier_line_limit", "must be positive")
	case p.AnonymousLineLimit <= 0:
		return NewValidationError(op, "anonymous_line_limit", "must be positive")
	case p.FreeTierMonthlyLimit <= 0:
		return NewValidationError(op, "free_tier_monthly_limit", "must be positive")
	case p.MaxPeriodsPerFile <= 0:
		return NewValidationError(op, "max_periods_per_file", "must be positive")
	}
	return nil
}

// =============================================================================
// Tiers
// =============================================================================

// Tier identifies which precedence level decided a principal's limit.
// Lower numbers win.
type Tier int

const (
	TierAdmin        Tier = 1
	TierSubscription Tier = 2
	TierCredit       Tier = 3
	TierOverride     Tier = 4
	TierFree         Tier = 5
	TierAnonymous    Tier = 6
)

// String returns the tier name used in logs, metrics and API responses.
func (t Tier) String() string {
	switch t {
	case TierAdmin:
		return "admin"
	case TierSubscription:
		return "subscription"
	case TierCredit:
		return "credit"
	case TierOverride:
		return "override"
	case TierFree:
		return "free"
	case TierAnonymous:
		return "anonymous"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// HasLineCeiling reports whether files in this tier are capped by line count.
func (t Tier) HasLineCeiling() bool {
	return t >= TierOverride
}

// HasMonthlyAllowance reports whether the monthly line allowance applies.
// Anonymous principals have no monthly counter.
func (t Tier) HasMonthlyAllowance() bool {
	return t == TierOverride || t == TierFree
}

// LimitResolution is the line ceiling that applies to a principal.
type LimitResolution struct {
	Limit     int64      `json:"limit"`
	Unlimited bool       `json:"unlimited"`
	Tier      Tier       `json:"-"`
	TierName  string     `json:"tier"`
	IsCustom  bool       `json:"is_custom"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// =============================================================================
// Admission
// =============================================================================

// DenialReason is the machine-readable cause of a refused upload.
type DenialReason string

const (
	DenialNone                DenialReason = ""
	DenialFileTooLarge        DenialReason = "file_too_large"
	DenialTooManyPeriods      DenialReason = "too_many_periods"
	DenialInsufficientCredits DenialReason = "insufficient_credits"
)

// DenialKind groups reasons so callers can choose between "upgrade plan"
// and "buy credits" guidance.
type DenialKind string

const (
	DenialKindNone       DenialKind = ""
	DenialKindLimit      DenialKind = "limit"
	DenialKindStructural DenialKind = "structural"
	DenialKindCredit     DenialKind = "credit"
)

// Kind returns the family the reason belongs to.
func (r DenialReason) Kind() DenialKind {
	switch r {
	case DenialFileTooLarge:
		return DenialKindLimit
	case DenialTooManyPeriods:
		return DenialKindStructural
	case DenialInsufficientCredits:
		return DenialKindCredit
	}
	return DenialKindNone
}

// ErrorCode maps the reason onto the application error code of the same family.
func (r DenialReason) ErrorCode() string {
	switch r {
	case DenialFileTooLarge:
		return ETOOLARGE
	case DenialTooManyPeriods:
		return ETOOMANYPERIODS
	case DenialInsufficientCredits:
		return EPAYMENT
	}
	return ""
}

// AdmissionDecision is the outcome of checking one analyzed file against a
// principal. A denial is an ordinary value, not an error.
type AdmissionDecision struct {
	Allowed         bool         `json:"allowed"`
	Reason          DenialReason `json:"reason,omitempty"`
	Kind            DenialKind   `json:"kind,omitempty"`
	Message         string       `json:"message,omitempty"`
	RequiredCredits int64        `json:"required_credits"`
	Tier            Tier         `json:"-"`
	TierName        string       `json:"tier"`
	Limit           int64        `json:"limit"`
	Unlimited       bool         `json:"unlimited"`
	CreditGated     bool         `json:"credit_gated"`
}

// Err converts a denial into a *Error so it can cross an error boundary.
// It returns nil for allowed decisions.
func (d AdmissionDecision) Err(op string) error {
	if d.Allowed {
		return nil
	}
	return &Error{Code: d.Reason.ErrorCode(), Op: op, Message: d.Message}
}

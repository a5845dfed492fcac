package domain

import (
	"time"

	"github.com/google/uuid"
)

// Principal is the party an upload is attributed to: an authenticated user or,
// when UserID is uuid.Nil, an anonymous client identified by IP address.
// It is resolved once per request and passed explicitly to every engine call.
type Principal struct {
	UserID                uuid.UUID
	IPAddress             string
	IsAdmin               bool
	HasActiveSubscription bool
	CreditMeteredPlan     bool
	CreditBalance         int64
	Override              *UploadLimitOverride
	CurrentMonthUsage     int64
}

// IsAnonymous reports whether the principal has no user account.
func (p Principal) IsAnonymous() bool {
	return p.UserID == uuid.Nil
}

// ActiveOverride returns the override if it is still in force at now.
func (p Principal) ActiveOverride(now time.Time) *UploadLimitOverride {
	if p.Override == nil || !p.Override.IsActive(now) {
		return nil
	}
	return p.Override
}

// Identity returns a printable identifier for logs.
func (p Principal) Identity() string {
	if p.IsAnonymous() {
		return "ip:" + p.IPAddress
	}
	return "user:" + p.UserID.String()
}

// UploadLimitOverride is an admin-granted per-user line ceiling.
type UploadLimitOverride struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	LineLimit int64
	ExpiresAt *time.Time
	CreatedBy uuid.NullUUID
	CreatedAt time.Time
}

// IsActive reports whether the override has not yet expired at now.
// Overrides without an expiry never lapse.
func (o UploadLimitOverride) IsActive(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// IPUploadTracking holds the counters for anonymous uploads from one address.
type IPUploadTracking struct {
	IPAddress           string
	UploadCount         int64
	TotalLinesAttempted int64
	LastUploadAt        time.Time
	CreatedAt           time.Time
}

// UserUsage is the per-user counter row maintained by metering.
type UserUsage struct {
	UserID              uuid.UUID
	TotalLinesProcessed int64
	CurrentMonthUsage   int64
	UsageResetDate      *time.Time
}

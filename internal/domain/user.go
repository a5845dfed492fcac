package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus mirrors the billing system's view of an account.
type SubscriptionStatus string

const (
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// User is the part of an account that admission and metering read. The
// account itself is owned by the surrounding application.
type User struct {
	ID                 uuid.UUID
	Email              string
	Name               string
	IsAdmin            bool
	SubscriptionStatus SubscriptionStatus
	// CreditMeteredPlan subscriptions still pay credits per upload.
	CreditMeteredPlan   bool
	TotalLinesProcessed int64
	CurrentMonthUsage   int64
	UsageResetDate      *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasActiveSubscription is true while paying or trialing. Past-due accounts
// fall back to the credit and free tiers.
func (u *User) HasActiveSubscription() bool {
	switch u.SubscriptionStatus {
	case SubscriptionStatusActive, SubscriptionStatusTrialing:
		return true
	}
	return false
}

// DisplayName is used in email greetings.
func (u *User) DisplayName() string {
	if u.Name == "" {
		return u.Email
	}
	return u.Name
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/google/uuid"
)

// PrincipalResolver builds a Principal from current account state. It is
// called once per request and the result is never cached.
type PrincipalResolver interface {
	// Resolve returns the principal for userID, or an anonymous principal
	// for ip when userID is uuid.Nil.
	Resolve(ctx context.Context, userID uuid.UUID, ip string) (domain.Principal, error)
}

type principalResolver struct {
	users   UserStore
	credits CreditStore
	now     func() time.Time
}

// NewPrincipalResolver creates a PrincipalResolver.
func NewPrincipalResolver(users UserStore, credits CreditStore) PrincipalResolver {
	return &principalResolver{users: users, credits: credits, now: time.Now}
}

func (r *principalResolver) Resolve(ctx context.Context, userID uuid.UUID, ip string) (domain.Principal, error) {
	const op = "principal.resolve"

	if userID == uuid.Nil {
		if ip == "" {
			return domain.Principal{}, domain.Unauthorized(op, "Unable to identify user or IP address")
		}
		return domain.Principal{IPAddress: ip}, nil
	}

	u, err := r.users.GetUser(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Principal{}, domain.Unauthorized(op, "unknown user")
	}
	if err != nil {
		return domain.Principal{}, domain.Internal(err, op, "failed to load user")
	}

	override, err := r.users.GetActiveOverride(ctx, userID, r.now())
	if err != nil {
		return domain.Principal{}, domain.Internal(err, op, "failed to load upload limit override")
	}

	balance, err := r.credits.CreditBalance(ctx, userID)
	if err != nil {
		return domain.Principal{}, domain.Internal(err, op, "failed to read credit balance")
	}

	return domain.Principal{
		UserID:                u.ID,
		IPAddress:             ip,
		IsAdmin:               u.IsAdmin,
		HasActiveSubscription: u.HasActiveSubscription(),
		CreditMeteredPlan:     u.CreditMeteredPlan,
		CreditBalance:         balance,
		Override:              override,
		CurrentMonthUsage:     u.CurrentMonthUsage,
	}, nil
}

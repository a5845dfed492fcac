package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/DukeRupert/csvmeter/internal/auth"
	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/service"
	"github.com/google/uuid"
)

// PolicyStore reads and replaces the admission policy. *settings.Provider
// satisfies it.
type PolicyStore interface {
	Policy(ctx context.Context) (domain.Policy, error)
	UpdatePolicy(ctx context.Context, policy domain.Policy) error
}

// AdminHandler handles operator requests: policy, overrides, credits and
// the monthly reset.
type AdminHandler struct {
	engine   *service.Engine
	policies PolicyStore
	logger   *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(engine *service.Engine, policies PolicyStore, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		engine:   engine,
		policies: policies,
		logger:   logger,
	}
}

// RegisterRoutes registers admin routes with the provided middleware.
func (h *AdminHandler) RegisterRoutes(
	mux *http.ServeMux,
	requireAdmin func(http.Handler) http.Handler,
) {
	mux.Handle("GET /api/admin/settings/policy", requireAdmin(http.HandlerFunc(h.GetPolicy)))
	mux.Handle("PUT /api/admin/settings/policy", requireAdmin(http.HandlerFunc(h.UpdatePolicy)))
	mux.Handle("POST /api/admin/usage/reset", requireAdmin(http.HandlerFunc(h.RunReset)))
	mux.Handle("GET /api/admin/usage/approaching", requireAdmin(http.HandlerFunc(h.ApproachingLimit)))
	mux.Handle("GET /api/admin/users/{id}/usage", requireAdmin(http.HandlerFunc(h.UserUsage)))
	mux.Handle("POST /api/admin/users/{id}/overrides", requireAdmin(http.HandlerFunc(h.CreateOverride)))
	mux.Handle("POST /api/admin/users/{id}/credits", requireAdmin(http.HandlerFunc(h.AddCredits)))
	mux.Handle("GET /api/admin/users/{id}/credits/reconcile", requireAdmin(http.HandlerFunc(h.ReconcileCredits)))
}

// GetPolicy returns the admission policy in force.
func (h *AdminHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.policies.Policy(r.Context())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// UpdatePolicy overlays the request body on the current policy and stores
// the result. Fields absent from the body keep their value.
func (h *AdminHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	const op = "admin.update_policy"

	policy, err := h.policies.Policy(r.Context())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if err := decodeJSON(w, r, op, &policy); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if err := h.policies.UpdatePolicy(r.Context(), policy); err != nil {
		ValidationErrorResponse(w, r, h.logger, err)
		return
	}

	p, _ := auth.GetPrincipalFromRequest(r)
	h.logger.Info("policy changed by admin", "admin_id", p.UserID)
	writeJSON(w, http.StatusOK, policy)
}

type resetRequest struct {
	DryRun bool `json:"dry_run"`
	Force  bool `json:"force"`
}

// RunReset runs the monthly usage reset synchronously. An empty body runs
// with default options.
func (h *AdminHandler) RunReset(w http.ResponseWriter, r *http.Request) {
	const op = "admin.run_reset"

	var req resetRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, op, &req); err != nil {
			ErrorResponse(w, r, h.logger, err)
			return
		}
	}

	report, err := h.engine.RunMonthlyReset(r.Context(), req.DryRun, req.Force)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type approachingUser struct {
	UserID            uuid.UUID  `json:"user_id"`
	CurrentMonthUsage int64      `json:"current_month_usage"`
	TotalLines        int64      `json:"total_lines_processed"`
	UsageResetDate    *time.Time `json:"usage_reset_date,omitempty"`
}

// ApproachingLimit lists users near the free monthly allowance. The share is
// set with ?threshold= (0 < threshold <= 1).
func (h *AdminHandler) ApproachingLimit(w http.ResponseWriter, r *http.Request) {
	const op = "admin.approaching_limit"

	threshold := service.DefaultApproachingThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || v > 1 {
			ValidationErrorResponse(w, r, h.logger, domain.NewValidationError(op, "threshold", "must be a number in (0, 1]"))
			return
		}
		threshold = v
	}

	users, err := h.engine.Metering().UsersApproachingLimit(r.Context(), threshold)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	out := make([]approachingUser, 0, len(users))
	for _, u := range users {
		out = append(out, approachingUser{
			UserID:            u.UserID,
			CurrentMonthUsage: u.CurrentMonthUsage,
			TotalLines:        u.TotalLinesProcessed,
			UsageResetDate:    u.UsageResetDate,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threshold": threshold,
		"users":     out,
	})
}

// UserUsage returns another user's usage counters.
func (h *AdminHandler) UserUsage(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "id", "admin.user_usage")
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	summary, err := h.engine.CurrentUsage(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type overrideRequest struct {
	LineLimit int64      `json:"line_limit"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type overrideResponse struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	LineLimit int64      `json:"line_limit"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreateOverride grants the user a custom line ceiling.
func (h *AdminHandler) CreateOverride(w http.ResponseWriter, r *http.Request) {
	const op = "admin.create_override"

	userID, err := pathUUID(r, "id", op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var req overrideRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	admin, _ := auth.GetPrincipalFromRequest(r)
	o, err := h.engine.CreateOverride(r.Context(), service.OverrideParams{
		UserID:    userID,
		LineLimit: req.LineLimit,
		ExpiresAt: req.ExpiresAt,
		CreatedBy: admin.UserID,
	})
	if err != nil {
		ValidationErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, overrideResponse{
		ID:        o.ID,
		UserID:    o.UserID,
		LineLimit: o.LineLimit,
		ExpiresAt: o.ExpiresAt,
		CreatedAt: o.CreatedAt,
	})
}

type addCreditsRequest struct {
	Amount         int64  `json:"amount"`
	Type           string `json:"type"`
	Description    string `json:"description"`
	SubscriptionID string `json:"subscription_id"`
}

// AddCredits records a purchase or grant for the user. The type defaults
// to grant.
func (h *AdminHandler) AddCredits(w http.ResponseWriter, r *http.Request) {
	const op = "admin.add_credits"

	userID, err := pathUUID(r, "id", op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var req addCreditsRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	txType := domain.CreditTransactionGrant
	if req.Type != "" {
		txType = domain.CreditTransactionType(req.Type)
	}

	// Unknown users must fail before the ledger is touched.
	if _, err := h.engine.ResolvePrincipal(r.Context(), userID, ""); err != nil {
		if domain.ErrorCode(err) == domain.EUNAUTHORIZED {
			err = domain.NotFound(op, "user", userID.String())
		}
		ErrorResponse(w, r, h.logger, err)
		return
	}

	txID, err := h.engine.Credits().Credit(r.Context(), userID, req.Amount, txType, domain.Correlation{
		SubscriptionID: req.SubscriptionID,
		Description:    req.Description,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	balance, err := h.engine.Credits().Balance(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"transaction_id": txID,
		"balance":        balance,
	})
}

// ReconcileCredits replays the user's ledger against the running balance.
func (h *AdminHandler) ReconcileCredits(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "id", "admin.reconcile_credits")
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	drift, err := h.engine.Credits().Reconcile(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      drift.UserID,
		"ledger_sum":   drift.LedgerSum,
		"materialized": drift.Materialized,
		"consistent":   drift.Consistent(),
	})
}

package handler

import (
	"log/slog"
	"net/http"

	"github.com/DukeRupert/csvmeter/internal/auth"
	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/service"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// UsageHandler serves a caller's own usage, limits and credits.
type UsageHandler struct {
	engine *service.Engine
	logger *slog.Logger
}

// NewUsageHandler creates a new UsageHandler.
func NewUsageHandler(engine *service.Engine, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{
		engine: engine,
		logger: logger,
	}
}

// RegisterRoutes registers usage routes. Limits are open to anonymous
// callers; the rest require a user.
func (h *UsageHandler) RegisterRoutes(
	mux *http.ServeMux,
	withPrincipal func(http.Handler) http.Handler,
	requireUser func(http.Handler) http.Handler,
) {
	mux.Handle("GET /api/limits", withPrincipal(http.HandlerFunc(h.Limits)))
	mux.Handle("GET /api/usage", withPrincipal(requireUser(http.HandlerFunc(h.Usage))))
	mux.Handle("GET /api/usage/statistics", withPrincipal(requireUser(http.HandlerFunc(h.Statistics))))
	mux.Handle("GET /api/credits", withPrincipal(requireUser(http.HandlerFunc(h.Credits))))
}

// Usage returns the caller's monthly and lifetime counters.
func (h *UsageHandler) Usage(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipalFromRequest(r)

	summary, err := h.engine.CurrentUsage(r.Context(), p.UserID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Statistics returns aggregate figures over the caller's metrics.
func (h *UsageHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipalFromRequest(r)

	stats, err := h.engine.Metering().UsageStatistics(r.Context(), p.UserID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type limitsResponse struct {
	domain.LimitResolution
	MaxPeriodsPerFile int   `json:"max_periods_per_file"`
	CreditBalance     int64 `json:"credit_balance"`
	MonthlyLimit      int64 `json:"monthly_limit,omitempty"`
	MonthlyUsage      int64 `json:"monthly_usage,omitempty"`
}

// Limits reports the line ceiling that applies to the caller.
func (h *UsageHandler) Limits(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.GetPrincipalFromRequest(r)
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	limit, err := h.engine.Quota().ResolveLimit(r.Context(), p)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	policy, err := h.engine.Policy(r.Context())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := limitsResponse{
		LimitResolution:   limit,
		MaxPeriodsPerFile: policy.MaxPeriodsPerFile,
		CreditBalance:     p.CreditBalance,
	}
	if !p.IsAnonymous() {
		summary, err := h.engine.CurrentUsage(r.Context(), p.UserID)
		if err != nil {
			ErrorResponse(w, r, h.logger, err)
			return
		}
		resp.MonthlyLimit = summary.MonthlyLimit
		resp.MonthlyUsage = summary.Monthly
	}
	writeJSON(w, http.StatusOK, resp)
}

type creditsResponse struct {
	Balance      int64                       `json:"balance"`
	Transactions []creditTransactionResponse `json:"transactions"`
}

// Credits returns the caller's balance and recent ledger entries. The
// number of entries is set with ?limit=.
func (h *UsageHandler) Credits(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipalFromRequest(r)

	balance, err := h.engine.Credits().Balance(r.Context(), p.UserID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	history, err := h.engine.Credits().History(r.Context(), p.UserID, queryInt(r, "limit", defaultHistoryLimit, maxHistoryLimit))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, creditsResponse{
		Balance:      balance,
		Transactions: newCreditTransactionResponses(history),
	})
}

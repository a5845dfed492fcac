// Package service contains the business logic layer.
//
// This file implements Engine, the entry point used by handlers, the worker
// and the reset command. It sequences analysis, admission, debit and
// metering so that nothing is written before an upload is admitted.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/DukeRupert/csvmeter/internal/csvscan"
	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/metrics"
	"github.com/DukeRupert/csvmeter/internal/storage"
	"github.com/google/uuid"
)

// UploadRequest is one file offered for upload.
type UploadRequest struct {
	Principal   domain.Principal
	FileName    string
	SizeBytes   int64
	ContentType string

	// Body is read once for analysis and rewound for archiving.
	Body io.ReadSeeker
}

// AdmissionResult is the outcome of Engine.Admit. Upload and Metric are set
// only when the decision allowed the upload.
type AdmissionResult struct {
	Analysis      domain.PeriodAnalysis    `json:"analysis"`
	Decision      domain.AdmissionDecision `json:"decision"`
	Upload        *domain.Upload           `json:"upload,omitempty"`
	Metric        *domain.UploadMetric     `json:"metric,omitempty"`
	TransactionID uuid.NullUUID            `json:"transaction_id"`
}

// EngineDeps holds the collaborators of an Engine.
type EngineDeps struct {
	Store    Store
	Policy   PolicySource
	Analyzer *csvscan.Analyzer

	// Storage archives admitted files. Nil disables archiving.
	Storage storage.Storage

	ResetPageSize int
	Hooks         []TerminalHook
	Logger        *slog.Logger
}

// Engine coordinates the quota, credit and metering services.
type Engine struct {
	analyzer  *csvscan.Analyzer
	principal PrincipalResolver
	policy    PolicySource
	quota     QuotaService
	credits   CreditService
	metering  MeteringService
	reset     ResetService
	users     UserStore
	uploads   UploadStore
	ips       IPTrackingStore
	storage   storage.Storage
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine wires the services over deps.Store.
func NewEngine(deps EngineDeps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	analyzer := deps.Analyzer
	if analyzer == nil {
		analyzer = csvscan.New(csvscan.WithLogger(logger))
	}

	return &Engine{
		analyzer:  analyzer,
		principal: NewPrincipalResolver(deps.Store, deps.Store),
		policy:    deps.Policy,
		quota:     NewQuotaService(deps.Policy, logger),
		credits:   NewCreditService(deps.Store, logger),
		metering:  NewMeteringService(deps.Store, deps.Store, deps.Policy, logger, deps.Hooks...),
		reset:     NewResetService(deps.Store, deps.ResetPageSize, logger),
		users:     deps.Store,
		uploads:   deps.Store,
		ips:       deps.Store,
		storage:   deps.Storage,
		logger:    logger,
		now:       time.Now,
	}
}

// Credits returns the credit ledger service.
func (e *Engine) Credits() CreditService { return e.credits }

// Metering returns the metering service.
func (e *Engine) Metering() MeteringService { return e.metering }

// Quota returns the quota resolver.
func (e *Engine) Quota() QuotaService { return e.quota }

// Policy returns the admission policy in force.
func (e *Engine) Policy(ctx context.Context) (domain.Policy, error) {
	return e.policy.Policy(ctx)
}

// ResolvePrincipal builds the principal for a request.
func (e *Engine) ResolvePrincipal(ctx context.Context, userID uuid.UUID, ip string) (domain.Principal, error) {
	return e.principal.Resolve(ctx, userID, ip)
}

// AnalyzeCSV runs the structural analysis over r.
func (e *Engine) AnalyzeCSV(ctx context.Context, r io.Reader) (domain.PeriodAnalysis, error) {
	start := time.Now()
	a, err := e.analyzer.Analyze(ctx, r)
	metrics.AnalysisObserved(time.Since(start), err)
	return a, err
}

// ResolveAdmission decides whether p may upload a file described by a.
func (e *Engine) ResolveAdmission(ctx context.Context, p domain.Principal, a domain.PeriodAnalysis) (domain.AdmissionDecision, error) {
	d, err := e.quota.AdmitUpload(ctx, p, a)
	if err != nil {
		return domain.AdmissionDecision{}, err
	}
	metrics.AdmissionDecided(d)
	return d, nil
}

// Admit analyzes req.Body, decides admission and, when allowed, debits
// credits, archives the file, records the upload and starts metering.
//
// Structural failures return a *domain.Error with a structural code.
// Policy denials return a nil error and a decision with Allowed false.
// When a step after the debit fails, the debit is refunded before the error
// is returned.
func (e *Engine) Admit(ctx context.Context, req UploadRequest) (AdmissionResult, error) {
	const op = "engine.admit"

	if req.Body == nil {
		return AdmissionResult{}, domain.Invalid(op, "no file provided")
	}
	p := req.Principal

	analysis, err := e.AnalyzeCSV(ctx, req.Body)
	if err != nil {
		return AdmissionResult{}, err
	}
	res := AdmissionResult{Analysis: analysis}

	decision, err := e.ResolveAdmission(ctx, p, analysis)
	if err != nil {
		return res, err
	}
	res.Decision = decision
	if !decision.Allowed {
		return res, nil
	}

	if err := e.metering.CheckMonthlyAllowance(ctx, p, analysis.LineCount); err != nil {
		return res, err
	}

	uploadID := uuid.New()
	if decision.RequiredCredits > 0 {
		decision, txID, err := e.debit(ctx, p, analysis, uploadID, req.FileName, decision)
		res.Decision = decision
		if err != nil || !decision.Allowed {
			return res, err
		}
		res.TransactionID = uuid.NullUUID{UUID: txID, Valid: true}
	}

	upload, err := e.persist(ctx, p, req, analysis, uploadID)
	if err != nil {
		e.rollback(ctx, p, uploadID)
		return res, err
	}
	res.Upload = &upload

	if p.IsAnonymous() {
		if _, err := e.ips.TrackIPUpload(ctx, p.IPAddress, analysis.LineCount, e.now()); err != nil {
			e.logger.Warn("failed to record anonymous upload", "ip_address", p.IPAddress, "error", err)
		}
	}

	metric, err := e.metering.TrackUploadStart(ctx, p, upload, analysis.LineCount, req.SizeBytes)
	if err != nil {
		e.rollback(ctx, p, uploadID)
		return res, err
	}
	res.Metric = &metric

	e.logger.Info("upload admitted",
		"upload_id", upload.ID,
		"metric_id", metric.ID,
		"principal", p.Identity(),
		"tier", decision.TierName,
		"line_count", analysis.LineCount,
		"period_count", analysis.PeriodCount,
		"required_credits", res.Decision.RequiredCredits,
	)
	return res, nil
}

// debit consumes the decision's credits. A debit that loses a race with a
// concurrent upload is retried once against the refreshed balance; a second
// loss turns the decision into an InsufficientCredits denial.
func (e *Engine) debit(ctx context.Context, p domain.Principal, a domain.PeriodAnalysis, uploadID uuid.UUID, fileName string, d domain.AdmissionDecision) (domain.AdmissionDecision, uuid.UUID, error) {
	corr := domain.ForUpload(uploadID, fmt.Sprintf("Upload %s (%d periods)", fileName, a.PeriodCount))

	txID, err := e.credits.Debit(ctx, p.UserID, d.RequiredCredits, corr)
	if err == nil {
		return d, txID, nil
	}
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		return d, uuid.Nil, err
	}

	balance, err := e.credits.Balance(ctx, p.UserID)
	if err != nil {
		return d, uuid.Nil, err
	}
	if balance >= d.RequiredCredits {
		txID, err = e.credits.Debit(ctx, p.UserID, d.RequiredCredits, corr)
		if err == nil {
			metrics.DebitRetried(true)
			return d, txID, nil
		}
		if !errors.Is(err, domain.ErrInsufficientBalance) {
			return d, uuid.Nil, err
		}
		if balance, err = e.credits.Balance(ctx, p.UserID); err != nil {
			e.logger.Warn("failed to read balance after lost debit",
				"user_id", p.UserID,
				"error", err,
			)
			balance = domain.BalanceUnknown
		}
	}

	metrics.DebitRetried(false)
	e.logger.Info("debit lost to concurrent upload",
		"user_id", p.UserID,
		"required_credits", d.RequiredCredits,
		"balance", balance,
	)

	d.Allowed = false
	d.Reason = domain.DenialInsufficientCredits
	d.Kind = d.Reason.Kind()
	d.Message = domain.InsufficientCreditsMessage(d.RequiredCredits, balance)
	return d, uuid.Nil, nil
}

func (e *Engine) persist(ctx context.Context, p domain.Principal, req UploadRequest, a domain.PeriodAnalysis, uploadID uuid.UUID) (domain.Upload, error) {
	const op = "engine.persist"

	var key string
	if e.storage != nil {
		if _, err := req.Body.Seek(0, io.SeekStart); err != nil {
			return domain.Upload{}, domain.Internal(err, op, "failed to rewind upload")
		}
		key = storage.UploadKey(uploadID, req.FileName)
		obj, err := e.storage.Put(ctx, key, req.Body, storage.PutOptions{
			ContentType: storage.DetectContentType(req.ContentType, req.FileName, nil),
		})
		if err != nil {
			return domain.Upload{}, storage.ToDomain(err, op)
		}
		e.logger.Debug("upload archived", "upload_id", uploadID, "key", key, "sha256", obj.SHA256)
	}

	var userID uuid.NullUUID
	if !p.IsAnonymous() {
		userID = uuid.NullUUID{UUID: p.UserID, Valid: true}
	}

	upload, err := e.uploads.CreateUpload(ctx, domain.Upload{
		ID:           uploadID,
		UserID:       userID,
		IPAddress:    p.IPAddress,
		OriginalName: req.FileName,
		SizeBytes:    req.SizeBytes,
		LineCount:    a.LineCount,
		Periods:      a.Periods,
		StorageKey:   key,
	})
	if err != nil {
		if key != "" {
			if delErr := e.storage.Delete(ctx, key); delErr != nil {
				e.logger.Warn("failed to remove archived upload", "key", key, "error", delErr)
			}
		}
		return domain.Upload{}, domain.Internal(err, op, "failed to record upload")
	}
	return upload, nil
}

// OpenUploadFile streams the archived CSV of an upload. The caller closes
// the reader.
func (e *Engine) OpenUploadFile(ctx context.Context, upload domain.Upload) (io.ReadCloser, storage.ObjectInfo, error) {
	const op = "engine.open_upload_file"

	if e.storage == nil || upload.StorageKey == "" {
		return nil, storage.ObjectInfo{}, domain.NotFound(op, "upload file", upload.ID.String())
	}
	rc, info, err := e.storage.Open(ctx, upload.StorageKey)
	if err != nil {
		return nil, storage.ObjectInfo{}, storage.ToDomain(err, op)
	}
	return rc, info, nil
}

// rollback refunds whatever was debited for uploadID.
func (e *Engine) rollback(ctx context.Context, p domain.Principal, uploadID uuid.UUID) {
	if p.IsAnonymous() {
		return
	}
	refunded, err := e.credits.RefundUpload(context.WithoutCancel(ctx), p.UserID, uploadID)
	if err != nil {
		e.logger.Error("failed to refund credits after admission failure",
			"user_id", p.UserID,
			"upload_id", uploadID,
			"error", err,
		)
		return
	}
	if refunded > 0 {
		e.logger.Info("refunded credits after admission failure",
			"user_id", p.UserID,
			"upload_id", uploadID,
			"amount", refunded,
		)
	}
}

// GetUpload returns an admitted upload.
func (e *Engine) GetUpload(ctx context.Context, uploadID uuid.UUID) (domain.Upload, error) {
	const op = "engine.get_upload"

	upload, err := e.uploads.GetUpload(ctx, uploadID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Upload{}, domain.NotFound(op, "upload", uploadID.String())
	}
	if err != nil {
		return domain.Upload{}, domain.Internal(err, op, "failed to load upload")
	}
	return upload, nil
}

// StartMetering opens the metric for an admitted upload.
func (e *Engine) StartMetering(ctx context.Context, uploadID uuid.UUID, lineCount, sizeBytes int64) (uuid.UUID, error) {
	const op = "engine.start_metering"

	upload, err := e.uploads.GetUpload(ctx, uploadID)
	if errors.Is(err, domain.ErrNotFound) {
		return uuid.Nil, domain.NotFound(op, "upload", uploadID.String())
	}
	if err != nil {
		return uuid.Nil, domain.Internal(err, op, "failed to load upload")
	}

	p, err := e.principal.Resolve(ctx, upload.UserID.UUID, upload.IPAddress)
	if err != nil {
		return uuid.Nil, err
	}

	m, err := e.metering.TrackUploadStart(ctx, p, upload, lineCount, sizeBytes)
	if err != nil {
		return uuid.Nil, err
	}
	return m.ID, nil
}

// CompleteMetering closes a metric. A successful completion without an
// explicit credit figure records what the ledger consumed for the upload.
// A failed metric has its upload's credits refunded; the refund is
// idempotent, so retried completions are safe.
func (e *Engine) CompleteMetering(ctx context.Context, metricID uuid.UUID, params CompletionParams) (domain.UploadMetric, error) {
	m, err := e.metering.GetMetric(ctx, metricID)
	if err != nil {
		return domain.UploadMetric{}, err
	}
	owned := m.UserID.Valid && m.UploadID.Valid

	if params.Success && params.CreditsConsumed == 0 && owned && !m.Status.IsTerminal() {
		consumed, err := e.credits.ConsumedForUpload(ctx, m.UserID.UUID, m.UploadID.UUID)
		if err != nil {
			return domain.UploadMetric{}, err
		}
		params.CreditsConsumed = consumed
	}

	m, _, err = e.metering.Complete(ctx, metricID, params)
	if err != nil {
		return domain.UploadMetric{}, err
	}

	if m.Status == domain.MetricStatusFailed && owned {
		refunded, err := e.credits.RefundUpload(ctx, m.UserID.UUID, m.UploadID.UUID)
		if err != nil {
			return m, err
		}
		if refunded > 0 {
			e.logger.Info("refunded credits for failed upload",
				"user_id", m.UserID.UUID,
				"upload_id", m.UploadID.UUID,
				"amount", refunded,
			)
		}
	}
	return m, nil
}

// CurrentUsage returns the user's counters along with their monthly limit,
// which is zero when their tier has no monthly allowance.
func (e *Engine) CurrentUsage(ctx context.Context, userID uuid.UUID) (domain.UsageSummary, error) {
	summary, err := e.metering.CurrentUsage(ctx, userID)
	if err != nil {
		return domain.UsageSummary{}, err
	}

	p, err := e.principal.Resolve(ctx, userID, "")
	if err != nil {
		return domain.UsageSummary{}, err
	}
	policy, err := e.policy.Policy(ctx)
	if err != nil {
		return domain.UsageSummary{}, err
	}
	if ceiling, ok := MonthlyCeiling(p, policy, e.now()); ok {
		summary.MonthlyLimit = ceiling
	}
	return summary, nil
}

// OverrideParams describes an admin-granted line ceiling.
type OverrideParams struct {
	UserID    uuid.UUID
	LineLimit int64
	ExpiresAt *time.Time
	CreatedBy uuid.UUID
}

// CreateOverride grants a user a custom line ceiling. The newest active
// override wins when several are in force.
func (e *Engine) CreateOverride(ctx context.Context, params OverrideParams) (domain.UploadLimitOverride, error) {
	const op = "engine.create_override"

	if params.LineLimit <= 0 {
		return domain.UploadLimitOverride{}, domain.NewValidationError(op, "line_limit", "must be positive")
	}
	if params.ExpiresAt != nil && !params.ExpiresAt.After(e.now()) {
		return domain.UploadLimitOverride{}, domain.NewValidationError(op, "expires_at", "must be in the future")
	}

	var createdBy uuid.NullUUID
	if params.CreatedBy != uuid.Nil {
		createdBy = uuid.NullUUID{UUID: params.CreatedBy, Valid: true}
	}

	o, err := e.users.CreateOverride(ctx, domain.UploadLimitOverride{
		UserID:    params.UserID,
		LineLimit: params.LineLimit,
		ExpiresAt: params.ExpiresAt,
		CreatedBy: createdBy,
	})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.UploadLimitOverride{}, domain.NotFound(op, "user", params.UserID.String())
	}
	if err != nil {
		return domain.UploadLimitOverride{}, domain.Internal(err, op, "failed to create override")
	}

	e.logger.Info("upload limit override created",
		"user_id", o.UserID,
		"line_limit", o.LineLimit,
		"created_by", nullUUIDString(o.CreatedBy),
	)
	return o, nil
}

// RunMonthlyReset runs the monthly usage reset.
func (e *Engine) RunMonthlyReset(ctx context.Context, dryRun, force bool) (ResetReport, error) {
	return e.reset.Run(ctx, ResetOptions{DryRun: dryRun, Force: force})
}

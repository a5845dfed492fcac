package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/service"
	"github.com/google/uuid"
)

// =============================================================================
// Upload notifications
// =============================================================================

// Deliverer sends one upload notification. Implemented by
// service.NotificationDispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, uploadID uuid.UUID, n domain.UploadNotification) error
}

// UploadNotificationHandler delivers queued upload outcome emails.
type UploadNotificationHandler struct {
	deliverer Deliverer
	logger    *slog.Logger
}

// NewUploadNotificationHandler creates a handler for upload_notification jobs.
func NewUploadNotificationHandler(d Deliverer, logger *slog.Logger) *UploadNotificationHandler {
	return &UploadNotificationHandler{deliverer: d, logger: logger}
}

// Type returns the job type this handler processes.
func (h *UploadNotificationHandler) Type() string {
	return JobTypeUploadNotification
}

// Handle decodes the payload and delivers the notification. A missing
// upload or a malformed payload fails the job permanently.
func (h *UploadNotificationHandler) Handle(ctx context.Context, payload []byte) error {
	p, err := decodePayload[UploadNotificationPayload](payload)
	if err != nil {
		return err
	}
	if p.UploadID == uuid.Nil || !p.Type.IsValid() {
		return NewPermanentError(fmt.Errorf("invalid notification payload for upload %s", p.UploadID))
	}

	return Classify(h.deliverer.Deliver(ctx, p.UploadID, p.Notification()))
}

// =============================================================================
// Monthly usage reset
// =============================================================================

// Resetter runs the usage reset. Implemented by service.Engine.
type Resetter interface {
	RunMonthlyReset(ctx context.Context, dryRun, force bool) (service.ResetReport, error)
}

// MonthlyUsageResetHandler runs queued usage resets.
type MonthlyUsageResetHandler struct {
	resetter Resetter
	logger   *slog.Logger
}

// NewMonthlyUsageResetHandler creates a handler for monthly_usage_reset jobs.
func NewMonthlyUsageResetHandler(r Resetter, logger *slog.Logger) *MonthlyUsageResetHandler {
	return &MonthlyUsageResetHandler{resetter: r, logger: logger}
}

// Type returns the job type this handler processes.
func (h *MonthlyUsageResetHandler) Type() string {
	return JobTypeMonthlyUsageReset
}

// Handle runs the reset described by the payload. An empty payload runs a
// normal reset.
func (h *MonthlyUsageResetHandler) Handle(ctx context.Context, payload []byte) error {
	p, err := decodePayload[MonthlyUsageResetPayload](payload)
	if err != nil {
		return err
	}

	report, err := h.resetter.RunMonthlyReset(ctx, p.DryRun, p.Force)
	if err != nil {
		return Classify(err)
	}
	h.logger.Info("usage reset job finished",
		"users_reset", report.ResetCount,
		"dry_run", report.DryRun,
		"forced", report.Forced,
	)
	return nil
}

var (
	_ JobHandler = (*UploadNotificationHandler)(nil)
	_ JobHandler = (*MonthlyUsageResetHandler)(nil)
)

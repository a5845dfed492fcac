// Package service contains the business logic layer.
//
// This file implements the notification guard, which lets at most one
// terminal notification go out per upload, and the dispatcher that
// delivers upload outcomes through it.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/email"
	"github.com/DukeRupert/csvmeter/internal/metrics"
	"github.com/google/uuid"
)

// =============================================================================
// Guard
// =============================================================================

// NotificationGuard decides whether an upload notification may be sent.
type NotificationGuard interface {
	// ShouldSend reports whether upload's stored marker allows type t.
	ShouldSend(upload domain.Upload, t domain.NotificationType) bool

	// MarkSent records t on upload. It returns false when another sender
	// already recorded a marker that forbids t.
	MarkSent(ctx context.Context, upload domain.Upload, t domain.NotificationType) (bool, error)

	// Claim is MarkSent by upload id.
	Claim(ctx context.Context, uploadID uuid.UUID, t domain.NotificationType) (bool, error)
}

type notificationGuard struct {
	store UploadStore
	now   func() time.Time
}

// NewNotificationGuard creates a new NotificationGuard.
func NewNotificationGuard(store UploadStore) NotificationGuard {
	return &notificationGuard{store: store, now: time.Now}
}

func (g *notificationGuard) ShouldSend(upload domain.Upload, t domain.NotificationType) bool {
	return t.IsValid() && upload.NotificationAllowed(t)
}

func (g *notificationGuard) MarkSent(ctx context.Context, upload domain.Upload, t domain.NotificationType) (bool, error) {
	if !g.ShouldSend(upload, t) {
		return false, nil
	}
	return g.Claim(ctx, upload.ID, t)
}

func (g *notificationGuard) Claim(ctx context.Context, uploadID uuid.UUID, t domain.NotificationType) (bool, error) {
	const op = "notification.claim"

	if !t.IsValid() {
		return false, domain.Invalid(op, "unknown notification type")
	}
	ok, err := g.store.ClaimUploadNotification(ctx, uploadID, t, g.now())
	if err != nil {
		return false, domain.Internal(err, op, "failed to record notification")
	}
	return ok, nil
}

// =============================================================================
// Dispatcher
// =============================================================================

// NotificationDispatcher delivers upload outcome emails through the guard.
// The marker is claimed before sending, so a delivery failure is not retried
// with a second message.
type NotificationDispatcher struct {
	guard   NotificationGuard
	uploads UploadStore
	users   UserStore
	email   email.EmailService
	logger  *slog.Logger
}

// NewNotificationDispatcher creates a dispatcher.
func NewNotificationDispatcher(store Store, emailSvc email.EmailService, logger *slog.Logger) *NotificationDispatcher {
	return &NotificationDispatcher{
		guard:   NewNotificationGuard(store),
		uploads: store,
		users:   store,
		email:   emailSvc,
		logger:  logger,
	}
}

// Guard returns the guard the dispatcher claims through.
func (d *NotificationDispatcher) Guard() NotificationGuard {
	return d.guard
}

// Deliver sends n for uploadID unless a notification forbidding it was
// already recorded. Anonymous uploads have no recipient and are skipped.
func (d *NotificationDispatcher) Deliver(ctx context.Context, uploadID uuid.UUID, n domain.UploadNotification) error {
	const op = "notification.deliver"

	upload, err := d.uploads.GetUpload(ctx, uploadID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NotFound(op, "upload", uploadID.String())
	}
	if err != nil {
		return domain.Internal(err, op, "failed to load upload")
	}

	if !upload.UserID.Valid {
		metrics.NotificationHandled(n.Type, "suppressed")
		return nil
	}
	if !d.guard.ShouldSend(upload, n.Type) {
		metrics.NotificationHandled(n.Type, "suppressed")
		d.logger.Debug("notification already sent", "upload_id", uploadID, "type", n.Type)
		return nil
	}

	user, err := d.users.GetUser(ctx, upload.UserID.UUID)
	if err != nil {
		return domain.Internal(err, op, "failed to load upload owner")
	}

	claimed, err := d.guard.MarkSent(ctx, upload, n.Type)
	if err != nil {
		return err
	}
	if !claimed {
		metrics.NotificationHandled(n.Type, "suppressed")
		return nil
	}

	n.UploadID = upload.ID
	if n.FileName == "" {
		n.FileName = upload.OriginalName
	}
	if len(n.Periods) == 0 {
		n.Periods = upload.Periods
	}

	if err := d.email.SendUploadOutcomeEmail(ctx, user.Email, user.DisplayName(), n); err != nil {
		metrics.NotificationHandled(n.Type, "failed")
		d.logger.Error("failed to send upload notification",
			"upload_id", uploadID,
			"type", n.Type,
			"error", err,
		)
		return domain.Internal(err, op, "failed to send upload notification")
	}

	metrics.NotificationHandled(n.Type, "sent")
	d.logger.Info("upload notification sent", "upload_id", uploadID, "type", n.Type)
	return nil
}

// NotificationFor builds the notification for a terminal metric.
func NotificationFor(m domain.UploadMetric) domain.UploadNotification {
	t := domain.NotificationFailure
	if m.Status == domain.MetricStatusCompleted {
		t = domain.NotificationSuccess
	}
	return domain.UploadNotification{
		UploadID:     m.UploadID.UUID,
		Type:         t,
		FileName:     m.FileName,
		LineCount:    m.LineCount,
		Credits:      m.CreditsConsumed,
		ErrorMessage: m.ErrorMessage,
	}
}

// InlineHook returns a TerminalHook that delivers notifications on the
// calling goroutine.
func (d *NotificationDispatcher) InlineHook() TerminalHook {
	return func(ctx context.Context, m domain.UploadMetric) {
		if !m.UploadID.Valid {
			return
		}
		if err := d.Deliver(ctx, m.UploadID.UUID, NotificationFor(m)); err != nil {
			d.logger.Warn("inline notification failed", "metric_id", m.ID, "error", err)
		}
	}
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/repository"
	"github.com/DukeRupert/csvmeter/internal/service"
)

// Job types. Each has exactly one registered JobHandler.
const (
	JobTypeUploadNotification = "upload_notification"
	JobTypeMonthlyUsageReset  = "monthly_usage_reset"
)

// Higher priorities are claimed first.
const (
	PriorityNormal int32 = 10
	PriorityHigh   int32 = 20
)

const defaultMaxAttempts int32 = 3

// UploadNotificationPayload is what the notification hook queues. Periods
// are looked up again at delivery time.
type UploadNotificationPayload struct {
	UploadID     uuid.UUID               `json:"upload_id"`
	Type         domain.NotificationType `json:"type"`
	FileName     string                  `json:"file_name"`
	LineCount    int64                   `json:"line_count"`
	Credits      int64                   `json:"credits"`
	ErrorMessage string                  `json:"error_message,omitempty"`
}

func newUploadNotificationPayload(n domain.UploadNotification) UploadNotificationPayload {
	return UploadNotificationPayload{
		UploadID:     n.UploadID,
		Type:         n.Type,
		FileName:     n.FileName,
		LineCount:    n.LineCount,
		Credits:      n.Credits,
		ErrorMessage: n.ErrorMessage,
	}
}

func (p UploadNotificationPayload) Notification() domain.UploadNotification {
	return domain.UploadNotification{
		UploadID:     p.UploadID,
		Type:         p.Type,
		FileName:     p.FileName,
		LineCount:    p.LineCount,
		Credits:      p.Credits,
		ErrorMessage: p.ErrorMessage,
	}
}

// MonthlyUsageResetPayload mirrors the reset command's flags.
type MonthlyUsageResetPayload struct {
	DryRun bool `json:"dry_run"`
	Force  bool `json:"force"`
}

// EnqueueOption adjusts a job before it is inserted.
type EnqueueOption func(*repository.EnqueueJobParams)

func WithPriority(priority int32) EnqueueOption {
	return func(p *repository.EnqueueJobParams) { p.Priority = priority }
}

func WithMaxAttempts(attempts int32) EnqueueOption {
	return func(p *repository.EnqueueJobParams) { p.MaxAttempts = attempts }
}

// enqueue inserts a job due now at normal priority unless opts say otherwise.
func enqueue[P any](ctx context.Context, q *repository.Queries, jobType string, payload P, opts ...EnqueueOption) (repository.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return repository.Job{}, fmt.Errorf("marshal %s payload: %w", jobType, err)
	}

	params := repository.EnqueueJobParams{
		JobType:     jobType,
		Payload:     raw,
		Priority:    PriorityNormal,
		MaxAttempts: defaultMaxAttempts,
		ScheduledAt: time.Now(),
	}
	for _, opt := range opts {
		opt(&params)
	}

	job, err := q.EnqueueJob(ctx, params)
	if err != nil {
		return repository.Job{}, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return job, nil
}

// decodePayload unmarshals a job payload. Bad JSON never gets better on
// retry, so it is a permanent failure. An empty payload yields the zero P.
func decodePayload[P any](raw []byte) (P, error) {
	var p P
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, NewPermanentError(fmt.Errorf("unmarshal payload: %w", err))
	}
	return p, nil
}

// EnqueueUploadNotification queues delivery of an upload outcome email.
func EnqueueUploadNotification(ctx context.Context, q *repository.Queries, n domain.UploadNotification, opts ...EnqueueOption) (repository.Job, error) {
	return enqueue(ctx, q, JobTypeUploadNotification, newUploadNotificationPayload(n), opts...)
}

// EnqueueMonthlyUsageReset queues a reset ahead of other work. A reset that
// fails is left for the next schedule rather than retried.
func EnqueueMonthlyUsageReset(ctx context.Context, q *repository.Queries, payload MonthlyUsageResetPayload, opts ...EnqueueOption) (repository.Job, error) {
	opts = append([]EnqueueOption{WithPriority(PriorityHigh), WithMaxAttempts(1)}, opts...)
	return enqueue(ctx, q, JobTypeMonthlyUsageReset, payload, opts...)
}

// NotificationHook queues a notification for each terminal metric that has
// both an upload and a user. The transition is already committed when it
// runs, so enqueue failures are only logged.
func NotificationHook(q *repository.Queries, logger *slog.Logger) service.TerminalHook {
	return func(ctx context.Context, m domain.UploadMetric) {
		if !m.UploadID.Valid || !m.UserID.Valid {
			return
		}
		job, err := EnqueueUploadNotification(context.WithoutCancel(ctx), q, service.NotificationFor(m))
		if err != nil {
			logger.Error("failed to enqueue upload notification",
				"metric_id", m.ID,
				"upload_id", m.UploadID.UUID,
				"error", err,
			)
			return
		}
		logger.Debug("upload notification queued", "job_id", job.ID, "upload_id", m.UploadID.UUID)
	}
}

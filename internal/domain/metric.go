// Package domain contains core business types and interfaces.
//
// This file defines the UploadMetric type that tracks one upload attempt
// from acceptance to its terminal outcome.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Metric Status
// =============================================================================

// MetricStatus represents the lifecycle state of an upload metric.
type MetricStatus string

const (
	// MetricStatusPending indicates the metric row exists but processing has not started.
	MetricStatusPending MetricStatus = "pending"

	// MetricStatusProcessing indicates the upload was admitted and is being transformed.
	MetricStatusProcessing MetricStatus = "processing"

	// MetricStatusCompleted indicates processing succeeded. Terminal.
	MetricStatusCompleted MetricStatus = "completed"

	// MetricStatusFailed indicates processing failed. Terminal.
	MetricStatusFailed MetricStatus = "failed"
)

// String returns the string representation of the status.
func (s MetricStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized value.
func (s MetricStatus) IsValid() bool {
	switch s {
	case MetricStatusPending, MetricStatusProcessing,
		MetricStatusCompleted, MetricStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s MetricStatus) IsTerminal() bool {
	return s == MetricStatusCompleted || s == MetricStatusFailed
}

// CanTransitionTo checks if the metric can move to the target status.
//
// Valid transitions:
// - pending -> processing
// - processing -> completed | failed
func (s MetricStatus) CanTransitionTo(target MetricStatus) bool {
	switch s {
	case MetricStatusPending:
		return target == MetricStatusProcessing
	case MetricStatusProcessing:
		return target.IsTerminal()
	}
	return false
}

// =============================================================================
// UploadMetric Domain Type
// =============================================================================

// UploadMetric is the metering record for a single upload attempt.
type UploadMetric struct {
	ID                        uuid.UUID
	UserID                    uuid.NullUUID
	UploadID                  uuid.NullUUID
	FileName                  string
	LineCount                 int64
	FileSizeBytes             int64
	Status                    MetricStatus
	ProcessingStartedAt       *time.Time
	ProcessingCompletedAt     *time.Time
	ProcessingDurationSeconds *int64
	CreditsConsumed           int64
	ErrorMessage              string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// Finish applies a terminal outcome to the metric in memory. It returns false
// and leaves the metric untouched unless the metric is processing.
// The duration is computed only if it has not been set before.
func (m *UploadMetric) Finish(success bool, creditsConsumed int64, errorMessage string, now time.Time) bool {
	target := MetricStatusFailed
	if success {
		target = MetricStatusCompleted
	}
	if !m.Status.CanTransitionTo(target) {
		return false
	}

	m.Status = target
	completed := now
	m.ProcessingCompletedAt = &completed
	if m.ProcessingDurationSeconds == nil && m.ProcessingStartedAt != nil {
		d := int64(completed.Sub(*m.ProcessingStartedAt).Seconds())
		if d < 0 {
			d = 0
		}
		m.ProcessingDurationSeconds = &d
	}

	if success {
		if creditsConsumed < 0 {
			creditsConsumed = 0
		}
		m.CreditsConsumed = creditsConsumed
		m.ErrorMessage = ""
	} else {
		m.CreditsConsumed = 0
		m.ErrorMessage = errorMessage
	}
	m.UpdatedAt = now
	return true
}

// UsageSummary reports a user's usage counters.
type UsageSummary struct {
	UserID        uuid.UUID `json:"user_id"`
	Monthly       int64     `json:"monthly"`
	Lifetime      int64     `json:"lifetime"`
	CalendarMonth int64     `json:"calendar_month"`
	MonthlyLimit  int64     `json:"monthly_limit,omitempty"`
}

// UsageStatistics aggregates a user's metrics.
type UsageStatistics struct {
	TotalUploads          int64   `json:"total_uploads"`
	SuccessfulUploads     int64   `json:"successful_uploads"`
	FailedUploads         int64   `json:"failed_uploads"`
	TotalLinesProcessed   int64   `json:"total_lines_processed"`
	TotalCreditsConsumed  int64   `json:"total_credits_consumed"`
	AverageLinesPerUpload float64 `json:"average_lines_per_upload"`
	AverageDurationSecs   float64 `json:"average_duration_seconds"`
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PeriodColumn is the header that carries a row's activity period.
const PeriodColumn = "ACTIVITY_PERIOD"

// PeriodAnalysis is the result of one structural pass over a CSV file.
// LineCount excludes the header row.
type PeriodAnalysis struct {
	LineCount       int64    `json:"line_count"`
	PeriodCount     int      `json:"period_count"`
	Periods         []string `json:"periods"`
	RequiredCredits int64    `json:"required_credits"`
	MalformedRows   int64    `json:"malformed_rows"`
	Delimiter       rune     `json:"-"`
	Encoding        string   `json:"encoding"`
}

// CreditCost returns the credits a file costs: one per distinct period, and at
// least one when the file has any data lines.
func (a PeriodAnalysis) CreditCost() int64 {
	cost := int64(a.PeriodCount)
	if cost == 0 && a.LineCount > 0 {
		cost = 1
	}
	return cost
}

// NotificationType identifies an upload outcome message.
type NotificationType string

const (
	NotificationProcessing NotificationType = "processing"
	NotificationSuccess    NotificationType = "success"
	NotificationFailure    NotificationType = "failure"
)

// IsValid returns true if the type is a recognized value.
func (t NotificationType) IsValid() bool {
	switch t {
	case NotificationProcessing, NotificationSuccess, NotificationFailure:
		return true
	}
	return false
}

// IsTerminal reports whether the type describes a final outcome.
func (t NotificationType) IsTerminal() bool {
	return t == NotificationSuccess || t == NotificationFailure
}

// Upload is the record of an admitted file.
type Upload struct {
	ID                 uuid.UUID
	UserID             uuid.NullUUID
	IPAddress          string
	OriginalName       string
	SizeBytes          int64
	LineCount          int64
	Periods            []string
	StorageKey         string
	NotificationSentAt *time.Time
	NotificationType   NotificationType
	CreatedAt          time.Time
}

// NotificationAllowed reports whether a notification of type t may still be
// sent for this upload.
func (u Upload) NotificationAllowed(t NotificationType) bool {
	if u.NotificationSentAt == nil || u.NotificationType == "" {
		return true
	}
	if u.NotificationType == t {
		return false
	}
	return !u.NotificationType.IsTerminal()
}

// UploadNotification is the content of an upload outcome message.
type UploadNotification struct {
	UploadID     uuid.UUID
	Type         NotificationType
	FileName     string
	LineCount    int64
	Periods      []string
	Credits      int64
	ErrorMessage string
}

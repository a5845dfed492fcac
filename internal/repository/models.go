package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

type User struct {
	ID                  uuid.UUID
	Email               string
	Name                string
	IsAdmin             bool
	SubscriptionStatus  string
	CreditMeteredPlan   bool
	TotalLinesProcessed int64
	CurrentMonthUsage   int64
	UsageResetDate      sql.NullTime
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type CreditTransaction struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Type           string
	Amount         int64
	Description    string
	UploadID       uuid.NullUUID
	SubscriptionID sql.NullString
	CreatedAt      time.Time
}

type UploadLimitOverride struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	LineLimit int64
	ExpiresAt sql.NullTime
	CreatedBy uuid.NullUUID
	CreatedAt time.Time
}

type IpUploadTracking struct {
	IpAddress           pqtype.Inet
	UploadCount         int64
	TotalLinesAttempted int64
	LastUploadAt        time.Time
	CreatedAt           time.Time
}

type Upload struct {
	ID                 uuid.UUID
	UserID             uuid.NullUUID
	IpAddress          pqtype.Inet
	OriginalName       string
	SizeBytes          int64
	LineCount          int64
	Periods            []string
	StorageKey         string
	NotificationSentAt sql.NullTime
	NotificationType   sql.NullString
	CreatedAt          time.Time
}

type UploadMetric struct {
	ID                        uuid.UUID
	UserID                    uuid.NullUUID
	UploadID                  uuid.NullUUID
	FileName                  string
	LineCount                 int64
	FileSizeBytes             int64
	Status                    string
	ProcessingStartedAt       sql.NullTime
	ProcessingCompletedAt     sql.NullTime
	ProcessingDurationSeconds sql.NullInt64
	CreditsConsumed           int64
	ErrorMessage              sql.NullString
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

type AppSetting struct {
	Key       string
	Value     json.RawMessage
	UpdatedAt time.Time
}

type Job struct {
	ID           uuid.UUID
	JobType      string
	Payload      json.RawMessage
	Status       string
	Priority     int32
	Attempts     int32
	MaxAttempts  int32
	ScheduledAt  time.Time
	StartedAt    sql.NullTime
	CompletedAt  sql.NullTime
	ErrorMessage sql.NullString
	CreatedAt    time.Time
}

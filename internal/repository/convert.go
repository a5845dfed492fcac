package repository

import (
	"database/sql"
	"time"

	"github.com/DukeRupert/csvmeter/internal/domain"
)

func toDomainUser(u User) domain.User {
	return domain.User{
		ID:                  u.ID,
		Email:               u.Email,
		Name:                u.Name,
		IsAdmin:             u.IsAdmin,
		SubscriptionStatus:  domain.SubscriptionStatus(u.SubscriptionStatus),
		CreditMeteredPlan:   u.CreditMeteredPlan,
		TotalLinesProcessed: u.TotalLinesProcessed,
		CurrentMonthUsage:   u.CurrentMonthUsage,
		UsageResetDate:      timePtr(u.UsageResetDate),
		CreatedAt:           u.CreatedAt,
		UpdatedAt:           u.UpdatedAt,
	}
}

func toDomainOverride(o UploadLimitOverride) domain.UploadLimitOverride {
	return domain.UploadLimitOverride{
		ID:        o.ID,
		UserID:    o.UserID,
		LineLimit: o.LineLimit,
		ExpiresAt: timePtr(o.ExpiresAt),
		CreatedBy: o.CreatedBy,
		CreatedAt: o.CreatedAt,
	}
}

func toDomainCreditTransaction(t CreditTransaction) domain.CreditTransaction {
	return domain.CreditTransaction{
		ID:             t.ID,
		UserID:         t.UserID,
		Type:           domain.CreditTransactionType(t.Type),
		Amount:         t.Amount,
		Description:    t.Description,
		UploadID:       t.UploadID,
		SubscriptionID: stringOrEmpty(t.SubscriptionID),
		CreatedAt:      t.CreatedAt,
	}
}

func toDomainIPTracking(t IpUploadTracking) domain.IPUploadTracking {
	return domain.IPUploadTracking{
		IPAddress:           fromInet(t.IpAddress),
		UploadCount:         t.UploadCount,
		TotalLinesAttempted: t.TotalLinesAttempted,
		LastUploadAt:        t.LastUploadAt,
		CreatedAt:           t.CreatedAt,
	}
}

func toDomainUpload(u Upload) domain.Upload {
	periods := u.Periods
	if periods == nil {
		periods = []string{}
	}
	return domain.Upload{
		ID:                 u.ID,
		UserID:             u.UserID,
		IPAddress:          fromInet(u.IpAddress),
		OriginalName:       u.OriginalName,
		SizeBytes:          u.SizeBytes,
		LineCount:          u.LineCount,
		Periods:            periods,
		StorageKey:         u.StorageKey,
		NotificationSentAt: timePtr(u.NotificationSentAt),
		NotificationType:   domain.NotificationType(stringOrEmpty(u.NotificationType)),
		CreatedAt:          u.CreatedAt,
	}
}

func toDomainMetric(m UploadMetric) domain.UploadMetric {
	return domain.UploadMetric{
		ID:                        m.ID,
		UserID:                    m.UserID,
		UploadID:                  m.UploadID,
		FileName:                  m.FileName,
		LineCount:                 m.LineCount,
		FileSizeBytes:             m.FileSizeBytes,
		Status:                    domain.MetricStatus(m.Status),
		ProcessingStartedAt:       timePtr(m.ProcessingStartedAt),
		ProcessingCompletedAt:     timePtr(m.ProcessingCompletedAt),
		ProcessingDurationSeconds: int64Ptr(m.ProcessingDurationSeconds),
		CreditsConsumed:           m.CreditsConsumed,
		ErrorMessage:              stringOrEmpty(m.ErrorMessage),
		CreatedAt:                 m.CreatedAt,
		UpdatedAt:                 m.UpdatedAt,
	}
}

func toDomainUsage(r UsageRow) domain.UserUsage {
	return domain.UserUsage{
		UserID:              r.ID,
		TotalLinesProcessed: r.TotalLinesProcessed,
		CurrentMonthUsage:   r.CurrentMonthUsage,
		UsageResetDate:      timePtr(r.UsageResetDate),
	}
}

// =============================================================================
// Nullable columns
// =============================================================================

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringOrEmpty(ns sql.NullString) string {
	return ns.String
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	return &nt.Time
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	return &ni.Int64
}

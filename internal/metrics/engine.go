package metrics

import (
	"time"

	"github.com/DukeRupert/csvmeter/internal/domain"
)

// AnalysisObserved records one CSV analysis.
func AnalysisObserved(duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = domain.ErrorCode(err)
	}
	AnalysesTotal.WithLabelValues(result).Inc()
	AnalysisDuration.Observe(duration.Seconds())
}

// AdmissionDecided records an admission outcome.
func AdmissionDecided(d domain.AdmissionDecision) {
	outcome := "allowed"
	if !d.Allowed {
		outcome = string(d.Reason)
	}
	AdmissionsTotal.WithLabelValues(d.Tier.String(), outcome).Inc()
}

// CreditsDebited records credits consumed by an admission.
func CreditsDebited(amount int64) {
	if amount > 0 {
		CreditsDebitedTotal.Add(float64(amount))
	}
}

// CreditsRefunded records credits returned to a user.
func CreditsRefunded(amount int64) {
	if amount > 0 {
		CreditsRefundedTotal.Add(float64(amount))
	}
}

// DebitRetried records the outcome of a retried debit.
func DebitRetried(recovered bool) {
	if recovered {
		DebitRetriesTotal.WithLabelValues("recovered").Inc()
		return
	}
	DebitRetriesTotal.WithLabelValues("denied").Inc()
}

// MetricTransitioned records an upload metric reaching status.
func MetricTransitioned(status domain.MetricStatus, lines int64) {
	MeteringTransitionsTotal.WithLabelValues(status.String()).Inc()
	if status == domain.MetricStatusCompleted && lines > 0 {
		LinesProcessedTotal.Add(float64(lines))
	}
}

// UsageReset records users reset by the monthly job.
func UsageReset(count int, dryRun, force bool) {
	mode := "scheduled"
	switch {
	case dryRun:
		mode = "dry_run"
	case force:
		mode = "forced"
	}
	UsageResetUsersTotal.WithLabelValues(mode).Add(float64(count))
}

// NotificationHandled records the result of a notification attempt.
func NotificationHandled(t domain.NotificationType, result string) {
	NotificationsTotal.WithLabelValues(string(t), result).Inc()
}

// SettingsCacheLookup records a settings cache lookup result.
func SettingsCacheLookup(result string) {
	SettingsCacheTotal.WithLabelValues(result).Inc()
}

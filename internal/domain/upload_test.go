package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUpload_NotificationAllowed(t *testing.T) {
	sent := time.Now()

	tests := []struct {
		name     string
		previous NotificationType
		sentAt   *time.Time
		request  NotificationType
		want     bool
	}{
		{"nothing sent yet", "", nil, NotificationSuccess, true},
		{"same type already sent", NotificationSuccess, &sent, NotificationSuccess, false},
		{"terminal blocks other terminal", NotificationSuccess, &sent, NotificationFailure, false},
		{"terminal blocks processing", NotificationFailure, &sent, NotificationProcessing, false},
		{"processing allows terminal", NotificationProcessing, &sent, NotificationFailure, true},
		{"processing blocks processing", NotificationProcessing, &sent, NotificationProcessing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := Upload{NotificationType: tt.previous, NotificationSentAt: tt.sentAt}
			assert.Equal(t, tt.want, u.NotificationAllowed(tt.request))
		})
	}
}

func TestPeriodAnalysis_CreditCost(t *testing.T) {
	assert.Equal(t, int64(2), PeriodAnalysis{LineCount: 10, PeriodCount: 2}.CreditCost())
	assert.Equal(t, int64(1), PeriodAnalysis{LineCount: 10, PeriodCount: 0}.CreditCost())
	assert.Equal(t, int64(0), PeriodAnalysis{}.CreditCost())
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{InvalidFormat(nil, "op", "bad"), KindStructural},
		{MissingColumn("op", PeriodColumn), KindStructural},
		{Errorf(ETOOLARGE, "op", "big"), KindQuota},
		{InsufficientCredits("op", 2, 1), KindCredit},
		{Conflict("op", "race"), KindConcurrency},
		{UsageLimitExceeded("op", 90, 20, 100), KindUsage},
		{NotFound("op", "metric", "x"), KindRequest},
		{errors.New("disk on fire"), KindFatal},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}

	assert.ErrorIs(t, InsufficientCredits("op", 2, 1), ErrInsufficientBalance)
}

package worker

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/repository"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{Concurrency: 4}.WithDefaults()

	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, DefaultConfig().PollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultConfig().StaleJobThreshold, cfg.StaleJobThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no pollers", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"too many pollers", func(c *Config) { c.Concurrency = 101 }, "concurrency"},
		{"poll too fast", func(c *Config) { c.PollInterval = 500 * time.Millisecond }, "poll interval"},
		{"stale before timeout", func(c *Config) { c.JobTimeout = 20 * time.Minute }, "must exceed job timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	err := Config{}.Validate()
	require.Error(t, err)
	for _, field := range []string{"concurrency", "poll interval", "job timeout", "shutdown timeout", "stale job threshold"} {
		assert.Contains(t, err.Error(), field, "all problems are reported together")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantPermanent bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("connection reset"), false},
		{"not found", domain.NotFound("op", "upload", "x"), true},
		{"validation", domain.NewValidationError("op", "field", "bad"), true},
		{"malformed csv", &domain.Error{Code: domain.EINVALIDFORMAT, Op: "op"}, true},
		{"lost race", &domain.Error{Code: domain.ECONFLICT, Op: "op"}, false},
		{"internal", domain.Internal(errors.New("db"), "op", "failed"), false},
		{"already permanent", NewPermanentError(errors.New("x")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.wantPermanent, IsPermanent(got))
			if tt.err != nil {
				assert.ErrorIs(t, got, tt.err)
			}
		})
	}

	assert.NoError(t, NewPermanentError(nil))
}

func TestRegister(t *testing.T) {
	w, _ := newMockWorker(t)
	noop := HandlerFunc{JobType: "noop", Fn: func(context.Context, []byte) error { return nil }}

	require.NoError(t, w.Register(noop))
	assert.Error(t, w.Register(noop), "duplicate job type")
	assert.Error(t, w.Register(HandlerFunc{}), "empty job type")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(nil, nil, Config{Concurrency: 500}, testLogger())
	assert.Error(t, err)
}

func TestExecute_RecoversPanic(t *testing.T) {
	w, _ := newMockWorker(t, HandlerFunc{
		JobType: "explode",
		Fn:      func(context.Context, []byte) error { panic("boom") },
	})

	err := w.execute(context.Background(), repository.Job{ID: uuid.New(), JobType: "explode"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestExecute_AppliesTimeout(t *testing.T) {
	w, _ := newMockWorker(t, HandlerFunc{
		JobType: "deadline",
		Fn: func(ctx context.Context, _ []byte) error {
			_, ok := ctx.Deadline()
			if !ok {
				return errors.New("no deadline")
			}
			return nil
		},
	})
	assert.NoError(t, w.execute(context.Background(), repository.Job{JobType: "deadline"}))
}

func TestDrain_RunsUntilQueueEmpty(t *testing.T) {
	var ran int
	w, mock := newMockWorker(t, HandlerFunc{
		JobType: "count",
		Fn:      func(context.Context, []byte) error { ran++; return nil },
	})

	for range 2 {
		id := uuid.New()
		mock.ExpectBegin()
		mock.ExpectQuery("FROM jobs").WillReturnRows(jobRow(id, "count", []byte(`{}`), 0, 3))
		mock.ExpectExec(regexp.QuoteMeta("SET status = 'running'")).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		mock.ExpectExec(regexp.QuoteMeta("SET status = 'completed'")).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectBegin()
	mock.ExpectQuery("FROM jobs").WillReturnRows(sqlmock.NewRows(jobColumns))
	mock.ExpectRollback()

	w.drain(context.Background(), testLogger())

	assert.Equal(t, 2, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrain_StopsWhenStopped(t *testing.T) {
	w, mock := newMockWorker(t)
	w.Stop()
	w.Stop()

	w.drain(context.Background(), testLogger())
	assert.NoError(t, mock.ExpectationsWereMet(), "no queries after stop")
}

func TestRunOne_ExhaustedAttempts(t *testing.T) {
	w, mock := newMockWorker(t, HandlerFunc{
		JobType: "flaky",
		Fn:      func(context.Context, []byte) error { return errors.New("still down") },
	})
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM jobs").WillReturnRows(jobRow(id, "flaky", []byte(`{}`), 2, 3))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'running'")).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs")).
		WithArgs(id, sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := w.runOne(context.Background(), testLogger())
	assert.True(t, claimed)
	require.Error(t, err)
	assert.False(t, IsPermanent(err), "the query decides that attempts ran out")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOne_ClaimFailure(t *testing.T) {
	w, mock := newMockWorker(t)
	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	claimed, err := w.runOne(context.Background(), testLogger())
	assert.False(t, claimed)
	assert.ErrorContains(t, err, "pool exhausted")
}

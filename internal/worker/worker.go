// Package worker runs background jobs from the PostgreSQL jobs table:
// upload outcome notifications and the monthly usage reset.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/csvmeter/internal/metrics"
	"github.com/DukeRupert/csvmeter/internal/repository"
)

// bookkeepingTimeout bounds the status update written after a job, which
// must land even when the job's own context has been cancelled.
const bookkeepingTimeout = 5 * time.Second

// Worker polls the jobs table with a fixed number of goroutines. Jobs are
// claimed with FOR UPDATE SKIP LOCKED, so several processes may share a
// queue.
type Worker struct {
	db       *sql.DB
	queries  *repository.Queries
	handlers map[string]JobHandler
	config   Config
	logger   *slog.Logger

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New validates config, after filling zero fields with defaults.
func New(db *sql.DB, queries *repository.Queries, config Config, logger *slog.Logger) (*Worker, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	return &Worker{
		db:       db,
		queries:  queries,
		handlers: make(map[string]JobHandler),
		config:   config,
		logger:   logger.With("component", "worker"),
		stop:     make(chan struct{}),
	}, nil
}

// Queries returns the query set jobs are enqueued through.
func (w *Worker) Queries() *repository.Queries {
	return w.queries
}

// Register adds h before Start. Each job type has exactly one handler.
func (w *Worker) Register(h JobHandler) error {
	jobType := h.Type()
	if jobType == "" {
		return errors.New("worker: handler has an empty job type")
	}
	if _, dup := w.handlers[jobType]; dup {
		return fmt.Errorf("worker: handler for %q already registered", jobType)
	}
	w.handlers[jobType] = h
	return nil
}

// Start requeues orphaned jobs and launches the pollers. It returns
// immediately; Stop or cancelling ctx ends the pollers.
func (w *Worker) Start(ctx context.Context) {
	if n, err := w.queries.RecoverStaleJobs(ctx, w.config.StaleJobThreshold.Seconds()); err != nil {
		w.logger.Error("failed to recover stale jobs", "error", err)
	} else if n > 0 {
		metrics.JobsRecovered(n)
		w.logger.Warn("requeued stale jobs", "count", n, "threshold", w.config.StaleJobThreshold)
	}

	for i := range w.config.Concurrency {
		w.wg.Add(1)
		go w.poll(ctx, i+1)
	}
	w.logger.Info("worker started", "concurrency", w.config.Concurrency, "job_types", len(w.handlers))
}

// Stop ends polling and waits up to ShutdownTimeout for running jobs. It is
// safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped")
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("worker shutdown timed out with jobs still running")
	}
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-w.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// poll checks the queue at once and then every PollInterval, draining it
// each time.
func (w *Worker) poll(ctx context.Context, id int) {
	defer w.wg.Done()
	logger := w.logger.With("poller", id)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if id == 1 {
			w.reportQueueDepth(ctx)
		}
		w.drain(ctx, logger)
		timer.Reset(w.config.PollInterval)
	}
}

// drain runs jobs back to back until the queue is empty or the worker is
// stopping.
func (w *Worker) drain(ctx context.Context, logger *slog.Logger) {
	for !w.stopping(ctx) {
		claimed, err := w.runOne(ctx, logger)
		if !claimed {
			if err != nil {
				logger.Error("failed to claim job", "error", err)
			}
			return
		}
	}
}

func (w *Worker) reportQueueDepth(ctx context.Context) {
	n, err := w.queries.CountPendingJobs(ctx)
	if err != nil {
		w.logger.Debug("failed to count pending jobs", "error", err)
		return
	}
	metrics.QueueDepth(n)
}

// runOne claims and executes a single job. claimed is false when the queue
// was empty or the claim failed. A non-nil error with claimed set is the
// job's own failure, already recorded.
func (w *Worker) runOne(ctx context.Context, logger *slog.Logger) (claimed bool, err error) {
	job, err := w.claim(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logger = logger.With("job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts)
	logger.Debug("running job")

	done := metrics.TrackJob(job.JobType)
	start := time.Now()
	jobErr := w.execute(ctx, job)
	done()

	w.finish(ctx, job, jobErr, time.Since(start), logger)
	return true, jobErr
}

// claim locks the next due job and marks it running in one transaction.
// The returned job carries the incremented attempt count.
func (w *Worker) claim(ctx context.Context) (repository.Job, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return repository.Job{}, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	q := w.queries.WithTx(tx)
	job, err := q.DequeueJob(ctx)
	if err != nil {
		return repository.Job{}, err
	}
	if err := q.UpdateJobStarted(ctx, job.ID); err != nil {
		return repository.Job{}, fmt.Errorf("mark job %s running: %w", job.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return repository.Job{}, fmt.Errorf("commit claim: %w", err)
	}

	job.Attempts++
	return job, nil
}

// execute runs the job's handler under JobTimeout. A panic fails the job
// permanently instead of taking the process down.
func (w *Worker) execute(ctx context.Context, job repository.Job) (err error) {
	h, ok := w.handlers[job.JobType]
	if !ok {
		return NewPermanentError(fmt.Errorf("no handler registered for job type %q", job.JobType))
	}

	ctx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError(fmt.Errorf("job handler panicked: %v", r))
		}
	}()
	return Classify(h.Handle(ctx, job.Payload))
}

// finish records the outcome. Failed jobs with attempts left are
// rescheduled with backoff by the UpdateJobFailed query.
func (w *Worker) finish(ctx context.Context, job repository.Job, jobErr error, took time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if jobErr == nil {
		metrics.ObserveJob(job.JobType, metrics.JobSucceeded, took)
		if err := w.queries.UpdateJobCompleted(ctx, job.ID); err != nil {
			logger.Error("failed to mark job completed", "error", err)
			return
		}
		logger.Info("job completed", "duration_ms", took.Milliseconds())
		return
	}

	permanent := IsPermanent(jobErr)
	outcome := metrics.JobRetrying
	if permanent || job.Attempts >= job.MaxAttempts {
		outcome = metrics.JobAbandoned
	}
	metrics.ObserveJob(job.JobType, outcome, took)

	err := w.queries.UpdateJobFailed(ctx, repository.UpdateJobFailedParams{
		ID:           job.ID,
		ErrorMessage: sql.NullString{String: jobErr.Error(), Valid: true},
		Permanent:    permanent,
	})
	if err != nil {
		logger.Error("failed to record job failure", "error", err, "job_error", jobErr)
		return
	}

	if outcome == metrics.JobAbandoned {
		logger.Error("job failed", "error", jobErr, "permanent", permanent, "max_attempts", job.MaxAttempts)
	} else {
		logger.Warn("job failed, will retry", "error", jobErr)
	}
}

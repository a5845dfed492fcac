package worker

import (
	"context"
	"errors"

	"github.com/DukeRupert/csvmeter/internal/domain"
)

// JobHandler executes one job type. Type must match the job_type column.
type JobHandler interface {
	Type() string
	Handle(ctx context.Context, payload []byte) error
}

// HandlerFunc adapts a function to JobHandler.
type HandlerFunc struct {
	JobType string
	Fn      func(ctx context.Context, payload []byte) error
}

func (h HandlerFunc) Type() string { return h.JobType }

func (h HandlerFunc) Handle(ctx context.Context, payload []byte) error {
	return h.Fn(ctx, payload)
}

// PermanentError fails a job without further attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError marks err as not worth retrying.
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// Classify decides whether a failed job may be retried. Request and
// structural errors repeat identically on every attempt, so they are made
// permanent; everything else is left retryable.
func Classify(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return NewPermanentError(err)
	}
	switch domain.Kind(err) {
	case domain.KindRequest, domain.KindStructural:
		return NewPermanentError(err)
	}
	return err
}

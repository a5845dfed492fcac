package worker

import (
	"errors"
	"fmt"
	"time"
)

// Config tunes the job worker.
type Config struct {
	// Concurrency is the number of polling goroutines.
	Concurrency int

	// PollInterval is how long an idle goroutine waits before checking the
	// queue again. A busy goroutine drains the queue without waiting.
	PollInterval time.Duration

	// JobTimeout bounds a single execution.
	JobTimeout time.Duration

	// ShutdownTimeout bounds how long Stop waits for running jobs.
	ShutdownTimeout time.Duration

	// StaleJobThreshold is the age at which a running job is presumed
	// orphaned by a crashed process and requeued on Start.
	StaleJobThreshold time.Duration
}

// DefaultConfig suits the notification and reset jobs: both are short and
// tolerate a few seconds of queueing delay.
func DefaultConfig() Config {
	return Config{
		Concurrency:       2,
		PollInterval:      5 * time.Second,
		JobTimeout:        5 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
		StaleJobThreshold: 10 * time.Minute,
	}
}

// WithDefaults fills every zero field from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency == 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.StaleJobThreshold == 0 {
		c.StaleJobThreshold = d.StaleJobThreshold
	}
	return c
}

// Validate reports every out-of-range field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 || c.Concurrency > 100 {
		errs = append(errs, fmt.Errorf("concurrency must be between 1 and 100, got %d", c.Concurrency))
	}
	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("poll interval must be at least 1s, got %v", c.PollInterval))
	}
	if c.JobTimeout < time.Second {
		errs = append(errs, fmt.Errorf("job timeout must be at least 1s, got %v", c.JobTimeout))
	}
	if c.ShutdownTimeout < time.Second {
		errs = append(errs, fmt.Errorf("shutdown timeout must be at least 1s, got %v", c.ShutdownTimeout))
	}
	if c.StaleJobThreshold < time.Minute {
		errs = append(errs, fmt.Errorf("stale job threshold must be at least 1m, got %v", c.StaleJobThreshold))
	}
	if c.StaleJobThreshold > 0 && c.StaleJobThreshold <= c.JobTimeout {
		errs = append(errs, fmt.Errorf("stale job threshold %v must exceed job timeout %v", c.StaleJobThreshold, c.JobTimeout))
	}
	return errors.Join(errs...)
}

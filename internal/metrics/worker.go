package metrics

import "time"

// JobOutcome is how a single job execution ended.
type JobOutcome string

const (
	JobSucceeded JobOutcome = "completed"
	// JobRetrying failed and goes back to the queue.
	JobRetrying JobOutcome = "retrying"
	// JobAbandoned failed permanently or ran out of attempts.
	JobAbandoned JobOutcome = "failed"
)

// TrackJob marks a job as executing. Call the returned func when it
// finishes.
func TrackJob(jobType string) (done func()) {
	g := JobsInFlight.WithLabelValues(jobType)
	g.Inc()
	return g.Dec
}

// ObserveJob records the outcome and run time of one execution.
func ObserveJob(jobType string, outcome JobOutcome, took time.Duration) {
	switch outcome {
	case JobSucceeded:
		JobsTotal.WithLabelValues(jobType, "completed").Inc()
		JobDuration.WithLabelValues(jobType).Observe(took.Seconds())
	case JobRetrying:
		JobsTotal.WithLabelValues(jobType, "failed").Inc()
		JobRetriesTotal.WithLabelValues(jobType).Inc()
	default:
		JobsTotal.WithLabelValues(jobType, "failed").Inc()
	}
}

// QueueDepth sets the number of pending jobs.
func QueueDepth(n int64) {
	JobsPending.Set(float64(n))
}

// JobsRecovered counts stale jobs put back in the queue.
func JobsRecovered(n int64) {
	JobsRecoveredTotal.Add(float64(n))
}

package interfaces

import "time"

// MetricsExporter exports metrics to a monitoring backend.
type MetricsExporter interface {
	// Counter increments a counter metric.
	Counter(name string, value int64, tags map[string]string)

	// Gauge sets a gauge metric to the specified value.
	Gauge(name string, value float64, tags map[string]string)

	// Histogram records a value in a histogram.
	Histogram(name string, value float64, tags map[string]string)

	// Timer records a duration.
	Timer(name string, duration time.Duration, tags map[string]string)

	// Flush sends any buffered metrics to the backend.
	Flush() error

	// Close releases resources.
	Close() error
}

// Metric names emitted by the engine and container.
const (
	MetricJobsStarted   = "trialflow.jobs.started"
	MetricJobsCompleted = "trialflow.jobs.completed"
	MetricJobsFailed    = "trialflow.jobs.failed"
	MetricJobDuration   = "trialflow.job.duration"

	MetricPlanDuration = "trialflow.plan.duration"

	MetricTrialsSucceeded = "trialflow.trials.succeeded"
	MetricTrialsFailed    = "trialflow.trials.failed"
	MetricTrialsSkipped   = "trialflow.trials.skipped"
	MetricTrialDuration   = "trialflow.trial.duration"
	MetricTrialRows       = "trialflow.trial.rows"

	MetricWorkersAlive = "trialflow.workers.alive"

	MetricContainerRows  = "trialflow.container.rows"
	MetricPublishedBytes = "trialflow.publish.bytes"
)

// Tag names.
const (
	TagJobID  = "job_id"
	TagKernel = "kernel"
	TagStatus = "status"
	TagMode   = "mode"
	TagCode   = "code"
)

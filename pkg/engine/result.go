package engine

import (
	"fmt"
	"time"

	"github.com/trialflow/trialflow/pkg/container"
	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/index"
	"github.com/trialflow/trialflow/pkg/trialdef"
)

// Outcome is what the executor reports once every trial has settled.
type Outcome struct {
	Succeeded *index.TrialSet
	Failed    *index.TrialSet
	// Skipped trials were adopted from an earlier run and are also
	// counted as succeeded.
	Skipped *index.TrialSet
	Errors  map[int]error
}

func newOutcome() *Outcome {
	return &Outcome{
		Succeeded: index.NewTrialSet(),
		Failed:    index.NewTrialSet(),
		Skipped:   index.NewTrialSet(),
		Errors:    make(map[int]error),
	}
}

// Settled returns the number of trials with a final status.
func (o *Outcome) Settled() int {
	return o.Succeeded.Len() + o.Failed.Len()
}

// Result describes a finished job.
type Result struct {
	JobID     string
	Plan      *Plan
	Container *container.Container

	Succeeded *index.TrialSet
	Failed    *index.TrialSet
	Skipped   *index.TrialSet
	Errors    map[int]error
	Warnings  []string

	// TrialDefinition and SampleRate describe the output, not the input.
	TrialDefinition *trialdef.Table
	SampleRate      float64

	Duration time.Duration
}

// FailedTrials returns the failed trial positions in ascending order.
func (r *Result) FailedTrials() []int {
	if r.Failed == nil {
		return nil
	}
	return r.Failed.Slice()
}

// Err returns nil if every trial succeeded, otherwise a CodeJobFailed error
// naming the failed trials and wrapping their individual errors.
func (r *Result) Err() error {
	failed := r.FailedTrials()
	if len(failed) == 0 {
		return nil
	}

	var all errors.MultiError
	for _, k := range failed {
		if err := r.Errors[k]; err != nil {
			all.Add(fmt.Errorf("trial %d: %w", k, err))
		}
	}
	return errors.Wrap(all.Combined(), errors.CodeJobFailed, "job failed").
		WithContext("job", r.JobID).
		WithContext("failed", failed)
}

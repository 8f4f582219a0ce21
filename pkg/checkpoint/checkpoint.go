// Package checkpoint records which trials of a job have been written so an
// interrupted job can resume without recomputing them.
package checkpoint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/trialflow/trialflow/pkg/index"
)

// Job phases.
const (
	PhasePlanning  = "planning"
	PhaseExecuting = "executing"
	PhaseComplete  = "complete"
	PhaseFailed    = "failed"
)

// Checkpoint tracks the progress of one job.
type Checkpoint struct {
	// Identification
	ID     string `json:"id"`
	Input  string `json:"input"`
	Output string `json:"output"`
	Kernel string `json:"kernel"`
	Trials int    `json:"trials"`

	// Fingerprint identifies everything besides the input that decides
	// what a trial's extent holds: parameters, selection and plan.
	Fingerprint string `json:"fingerprint"`

	// Progress
	Completed *index.TrialSet `json:"completed"`
	Checksums map[int]string  `json:"checksums,omitempty"`

	// State
	Phase       string     `json:"phase"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	mu sync.Mutex
}

// New creates a checkpoint for a job over trials trials.
func New(id, input, output, kernel, fingerprint string, trials int) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		ID:          id,
		Input:       input,
		Output:      output,
		Kernel:      kernel,
		Trials:      trials,
		Fingerprint: fingerprint,
		Completed:   index.NewTrialSet(),
		Checksums:   make(map[int]string),
		Phase:       PhasePlanning,
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// Fingerprint returns the hex blake2b-256 digest of the JSON encoding of
// parts. Map keys are encoded in sorted order, so equal values always give
// the same fingerprint.
func Fingerprint(parts ...any) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	enc := json.NewEncoder(h)
	for i, p := range parts {
		if err := enc.Encode(p); err != nil {
			return "", fmt.Errorf("fingerprint part %d: %w", i, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MarkDone records that trial k was written with the given extent checksum.
func (c *Checkpoint) MarkDone(k int, checksum string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Completed.Add(k)
	c.Checksums[k] = checksum
	c.UpdatedAt = time.Now().UTC()
}

// Done returns the recorded checksum of trial k if it completed.
func (c *Checkpoint) Done(k int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.Completed.Contains(k) {
		return "", false
	}
	return c.Checksums[k], true
}

// Pending returns the trials not yet completed.
func (c *Checkpoint) Pending() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return index.Range(c.Trials).Difference(c.Completed).Slice()
}

// SetPhase updates the phase.
func (c *Checkpoint) SetPhase(phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Phase = phase
	c.UpdatedAt = time.Now().UTC()

	if phase == PhaseComplete {
		now := c.UpdatedAt
		c.CompletedAt = &now
	}
}

// Progress returns progress as a percentage (0-100).
func (c *Checkpoint) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Trials == 0 {
		return 0
	}
	return float64(c.Completed.Len()) * 100 / float64(c.Trials)
}

// Incomplete reports whether the job can still be resumed.
func (c *Checkpoint) Incomplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Phase != PhaseComplete
}

// Duration returns how long the job has been running.
func (c *Checkpoint) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CompletedAt != nil {
		return c.CompletedAt.Sub(c.StartedAt)
	}
	return time.Since(c.StartedAt)
}

// Matches reports whether the checkpoint was written by the same job.
// Checkpoints without a fingerprint never match.
func (c *Checkpoint) Matches(input, kernel, fingerprint string, trials int) bool {
	return c.Fingerprint != "" && c.Fingerprint == fingerprint &&
		c.Input == input && c.Kernel == kernel && c.Trials == trials
}

type checkpointJSON Checkpoint

// encode serializes the checkpoint under its lock.
func (c *Checkpoint) encode() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.MarshalIndent((*checkpointJSON)(c), "", "  ")
}

func decode(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, (*checkpointJSON)(&cp)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if cp.Completed == nil {
		cp.Completed = index.NewTrialSet()
	}
	if cp.Checksums == nil {
		cp.Checksums = make(map[int]string)
	}
	return &cp, nil
}

// --- Auto-Save Goroutine ---

// StartAutoSave saves cp to b every interval until the returned stop
// function is called, which performs a final save.
func StartAutoSave(ctx context.Context, b Backend, cp *Checkpoint, interval time.Duration) func() error {
	done := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				result <- b.Save(context.WithoutCancel(ctx), cp)
				return
			case <-ticker.C:
				_ = b.Save(ctx, cp)
			}
		}
	}()
	return func() error {
		close(done)
		return <-result
	}
}

package pool

import (
	"context"
	"math"
	"time"

	"github.com/trialflow/trialflow/pkg/errors"
)

// DefaultQuorumExponent gives floor(total^0.7) as the minimum worker count.
const DefaultQuorumExponent = 0.7

// MinWorkers returns the quorum for total requested workers, at least 1.
func MinWorkers(total int, exponent float64) int {
	if total <= 0 {
		return 0
	}
	if exponent <= 0 {
		exponent = DefaultQuorumExponent
	}
	n := int(math.Floor(math.Pow(float64(total), exponent)))
	if n < 1 {
		n = 1
	}
	return n
}

// QuorumOptions bound the wait for workers.
type QuorumOptions struct {
	Exponent float64
	Timeout  time.Duration
	Poll     time.Duration
	// OnWait is called on every poll while the quorum is not met.
	OnWait func(alive, need, requested int)
}

// WaitForQuorum polls c until MinWorkers are alive or the timeout expires.
// A shortfall is returned as a CodeQuorumShortfall error, which callers
// treat as a warning: execution proceeds with the workers available.
func WaitForQuorum(ctx context.Context, c Cluster, opts QuorumOptions) (int, error) {
	need := MinWorkers(c.Requested(), opts.Exponent)
	alive := c.Alive()
	if alive >= need {
		return alive, nil
	}

	poll := opts.Poll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if opts.OnWait != nil {
			opts.OnWait(alive, need, c.Requested())
		}
		select {
		case <-ctx.Done():
			return alive, errors.ContextCanceled("wait for workers")
		case <-timer.C:
			alive = c.Alive()
			if alive >= need {
				return alive, nil
			}
			return alive, errors.New(errors.CodeQuorumShortfall, "worker quorum not reached").
				WithContext("alive", alive).
				WithContext("need", need).
				WithContext("requested", c.Requested())
		case <-ticker.C:
			alive = c.Alive()
			if alive >= need {
				return alive, nil
			}
		}
	}
}

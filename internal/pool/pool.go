// Package pool provides the bounded worker pool trials execute on, the
// worker quorum check, and reusable float64 buffers.
package pool

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Cluster reports worker availability. A local Pool is its own cluster;
// remote schedulers can implement it to gate execution on a quorum.
type Cluster interface {
	// Requested is the number of workers asked for.
	Requested() int
	// Alive is the number of workers currently able to take tasks.
	Alive() int
}

// Pool runs tasks on at most Size goroutines. Submit blocks while all
// workers are busy. Task failures are the caller's business: a task never
// cancels its siblings.
type Pool struct {
	size int
	g    errgroup.Group
	done atomic.Int64
}

// New creates a pool. workers <= 0 means one worker per CPU.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pool{size: workers}
	p.g.SetLimit(workers)
	return p
}

// Size returns the worker limit.
func (p *Pool) Size() int { return p.size }

// Requested implements Cluster.
func (p *Pool) Requested() int { return p.size }

// Alive implements Cluster. In-process workers are always available.
func (p *Pool) Alive() int { return p.size }

// Completed returns the number of finished tasks.
func (p *Pool) Completed() int { return int(p.done.Load()) }

// Submit schedules task, blocking until a worker is free. It returns the
// context error without scheduling if ctx is already done.
func (p *Pool) Submit(ctx context.Context, task func(ctx context.Context)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.g.Go(func() error {
		defer p.done.Add(1)
		task(ctx)
		return nil
	})
	return nil
}

// Wait blocks until every submitted task has returned.
func (p *Pool) Wait() {
	_ = p.g.Wait()
}

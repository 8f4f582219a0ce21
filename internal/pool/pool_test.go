package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trialflow/trialflow/pkg/errors"
)

func TestPoolLimitsConcurrency(t *testing.T) {
	p := New(2)
	var (
		current atomic.Int64
		peak    atomic.Int64
	)

	for i := 0; i < 10; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	p.Wait()

	if peak.Load() > 2 {
		t.Errorf("Expected at most 2 concurrent tasks, got %d", peak.Load())
	}
	if p.Completed() != 10 {
		t.Errorf("Expected 10 completed tasks, got %d", p.Completed())
	}
}

func TestPoolSubmitCanceled(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Submit(ctx, func(context.Context) {}); err == nil {
		t.Error("Expected error for canceled context")
	}
	p.Wait()
}

func TestMinWorkers(t *testing.T) {
	tests := []struct {
		total int
		want  int
	}{
		{0, 0},
		{1, 1},
		{2, 1},
		{10, 5},
		{100, 25},
	}

	for _, tt := range tests {
		if got := MinWorkers(tt.total, DefaultQuorumExponent); got != tt.want {
			t.Errorf("MinWorkers(%d): expected %d, got %d", tt.total, tt.want, got)
		}
	}
}

type fakeCluster struct {
	mu        sync.Mutex
	requested int
	alive     int
}

func (c *fakeCluster) Requested() int { return c.requested }

func (c *fakeCluster) Alive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeCluster) set(n int) {
	c.mu.Lock()
	c.alive = n
	c.mu.Unlock()
}

func TestWaitForQuorumReached(t *testing.T) {
	c := &fakeCluster{requested: 10, alive: 1}
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.set(6)
	}()

	alive, err := WaitForQuorum(context.Background(), c, QuorumOptions{
		Timeout: time.Second,
		Poll:    5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Expected quorum, got %v", err)
	}
	if alive != 6 {
		t.Errorf("Expected 6 alive, got %d", alive)
	}
}

func TestWaitForQuorumShortfall(t *testing.T) {
	c := &fakeCluster{requested: 10, alive: 2}
	var waits int

	alive, err := WaitForQuorum(context.Background(), c, QuorumOptions{
		Timeout: 30 * time.Millisecond,
		Poll:    5 * time.Millisecond,
		OnWait:  func(int, int, int) { waits++ },
	})
	if !errors.IsCode(err, errors.CodeQuorumShortfall) {
		t.Fatalf("Expected shortfall, got %v", err)
	}
	if alive != 2 {
		t.Errorf("Expected 2 alive, got %d", alive)
	}
	if waits == 0 {
		t.Error("Expected OnWait to be called")
	}
}

func TestFloatPool(t *testing.T) {
	fp := NewFloatPool(4)
	buf := fp.Get()
	data := buf.Zeroed(8)
	data[3] = 7
	fp.Put(buf)

	buf = fp.Get()
	for i, v := range buf.Zeroed(8) {
		if v != 0 {
			t.Fatalf("Expected zeroed buffer, index %d is %v", i, v)
		}
	}
}

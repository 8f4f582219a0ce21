package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/trialflow/trialflow/pkg/errors"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return stderrors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryStops(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		policy    RetryPolicy
		wantCalls int
	}{
		{"exhausted", stderrors.New("down"), fastPolicy(4), 4},
		{"config error", errors.New(errors.CodeInvalidParams, "bad"), fastPolicy(4), 1},
		{"canceled", context.Canceled, fastPolicy(4), 1},
		{"not retryable", stderrors.New("404"), RetryPolicy{
			MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond,
			Retryable: func(error) bool { return false },
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), tt.policy, nil, func(context.Context) error {
				calls++
				return tt.err
			})
			if !stderrors.Is(err, tt.err) && err != tt.err {
				t.Errorf("Expected %v, got %v", tt.err, err)
			}
			if calls != tt.wantCalls {
				t.Errorf("Expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker().WithMaxFailures(2).WithCooldown(time.Minute)
	cb.now = func() time.Time { return now }

	boom := stderrors.New("boom")
	cb.Record(boom)
	if cb.State() != CircuitClosed {
		t.Fatalf("Expected closed after 1 failure, got %s", cb.State())
	}
	cb.Record(boom)
	if cb.State() != CircuitOpen || cb.Allow() {
		t.Fatalf("Expected open and rejecting, got %s", cb.State())
	}

	err := Retry(context.Background(), fastPolicy(3), cb, func(context.Context) error {
		t.Error("fn must not run while open")
		return nil
	})
	if !stderrors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(time.Minute)
	if !cb.Allow() {
		t.Fatal("Expected probe after cooldown")
	}
	if cb.State() != CircuitHalfOpen || cb.Allow() {
		t.Fatalf("Expected a single half-open probe, got %s", cb.State())
	}
	cb.Record(nil)
	if cb.State() != CircuitClosed || !cb.Allow() {
		t.Errorf("Expected closed after successful probe, got %s", cb.State())
	}
}

func TestBackoffBounded(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for n := 1; n < 70; n++ {
		if d := p.backoff(n); d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: backoff %v out of bounds", n, d)
		}
	}
}

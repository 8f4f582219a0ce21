package lifecycle

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestCloseOrder(t *testing.T) {
	m := NewShutdownManager(DefaultShutdownConfig())
	var order []string
	for _, name := range []string{"redis", "tracing", "lock"} {
		name := name
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if strings.Join(order, ",") != "lock,tracing,redis" {
		t.Errorf("Expected reverse order, got %v", order)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}

func TestCloseCollectsErrors(t *testing.T) {
	m := NewShutdownManager(DefaultShutdownConfig())
	ran := 0
	m.Register("a", func(context.Context) error { ran++; return errors.New("a failed") })
	m.Register("b", func(context.Context) error { ran++; return errors.New("b failed") })

	err := m.Close()
	if err == nil {
		t.Fatal("Expected error")
	}
	if ran != 2 {
		t.Errorf("Expected both closers to run, got %d", ran)
	}
	if !strings.Contains(err.Error(), "close a") || !strings.Contains(err.Error(), "close b") {
		t.Errorf("Expected both failures reported, got %v", err)
	}
}

func TestInterruptCancelsThenExits(t *testing.T) {
	var exited atomic.Bool
	var interrupted atomic.Bool
	m := NewShutdownManager(ShutdownConfig{
		OnInterrupt: func(os.Signal) { interrupted.Store(true) },
		Exit:        func() { exited.Store(true) },
	})
	defer m.Close()

	ctx := m.Context(context.Background())
	m.Interrupt()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected context to be canceled")
	}
	if !interrupted.Load() {
		t.Error("Expected OnInterrupt to be called")
	}
	if exited.Load() {
		t.Error("Expected no exit after the first signal")
	}

	m.Interrupt()
	deadline := time.Now().Add(time.Second)
	for !exited.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !exited.Load() {
		t.Error("Expected exit after the second signal")
	}
}

// Package lifecycle provides graceful shutdown for command-line jobs.
// The first interrupt cancels the job context so running trials can
// settle; registered closers then run in reverse order.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/trialflow/trialflow/pkg/errors"
)

// Closer releases one resource during shutdown.
type Closer func(ctx context.Context) error

type namedCloser struct {
	name string
	fn   Closer
}

// ShutdownConfig configures the shutdown manager.
type ShutdownConfig struct {
	// ForceTimeout bounds the time all closers may take together.
	ForceTimeout time.Duration
	// OnInterrupt is called when the first signal arrives.
	OnInterrupt func(sig os.Signal)
	// Exit is called on a second signal. Defaults to os.Exit(130).
	Exit func()
}

// DefaultShutdownConfig returns sensible defaults.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ForceTimeout: 30 * time.Second,
	}
}

// ShutdownManager cancels work on interrupt and closes resources.
type ShutdownManager struct {
	mu      sync.Mutex
	cfg     ShutdownConfig
	closers []namedCloser
	closed  bool

	cancel context.CancelFunc
	sig    chan os.Signal
	stop   chan struct{}
}

// NewShutdownManager creates a new shutdown manager.
func NewShutdownManager(cfg ShutdownConfig) *ShutdownManager {
	if cfg.ForceTimeout == 0 {
		cfg.ForceTimeout = 30 * time.Second
	}
	if cfg.Exit == nil {
		cfg.Exit = func() { os.Exit(130) }
	}
	return &ShutdownManager{
		cfg:  cfg,
		sig:  make(chan os.Signal, 2),
		stop: make(chan struct{}),
	}
}

// Context returns a child of parent that is canceled on the first SIGINT
// or SIGTERM. A second signal calls Exit.
func (m *ShutdownManager) Context(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	signal.Notify(m.sig, syscall.SIGINT, syscall.SIGTERM)
	go m.watch()
	return ctx
}

func (m *ShutdownManager) watch() {
	first := true
	for {
		select {
		case <-m.stop:
			return
		case s := <-m.sig:
			if !first {
				m.cfg.Exit()
				return
			}
			first = false
			if m.cfg.OnInterrupt != nil {
				m.cfg.OnInterrupt(s)
			}
			m.mu.Lock()
			if m.cancel != nil {
				m.cancel()
			}
			m.mu.Unlock()
		}
	}
}

// Interrupt behaves as if a signal had been received.
func (m *ShutdownManager) Interrupt() {
	m.sig <- syscall.SIGINT
}

// Register adds a resource to be closed during shutdown.
func (m *ShutdownManager) Register(name string, fn Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, namedCloser{name: name, fn: fn})
}

// Close stops signal handling and runs every closer, last registered
// first. All closers run even if some fail. Close is idempotent.
func (m *ShutdownManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	closers := m.closers
	m.closers = nil
	cancel := m.cancel
	m.mu.Unlock()

	signal.Stop(m.sig)
	close(m.stop)

	ctx, done := context.WithTimeout(context.Background(), m.cfg.ForceTimeout)
	defer done()

	var errs errors.MultiError
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.fn(ctx); err != nil {
			errs.Add(fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	if cancel != nil {
		cancel()
	}
	return errs.Combined()
}

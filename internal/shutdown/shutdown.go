// Package shutdown coordinates graceful teardown: cleanups registered by the
// rest of the process run exactly once, in registration order, when a
// termination signal arrives or the process exits normally.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pysugar/codex-nexus/internal/logging"
)

// DefaultTimeout bounds how long the whole cleanup pass may take.
const DefaultTimeout = 10 * time.Second

type cleanup struct {
	name string
	fn   func(ctx context.Context) error
}

// Manager is a one-shot ordered cleanup registry.
type Manager struct {
	mu       sync.Mutex
	cleanups []cleanup
	ran      bool
	timeout  time.Duration
	log      *logging.Logger
}

func NewManager() *Manager {
	return &Manager{timeout: DefaultTimeout, log: logging.New("shutdown")}
}

// WithTimeout overrides the cleanup deadline.
func (m *Manager) WithTimeout(d time.Duration) *Manager {
	m.timeout = d
	return m
}

// Register adds a named cleanup. Registrations after Run has fired are
// ignored; there is nothing left to run them.
func (m *Manager) Register(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ran {
		m.log.Warn("cleanup registered after shutdown", map[string]any{"name": name})
		return
	}
	m.cleanups = append(m.cleanups, cleanup{name: name, fn: fn})
}

// Run executes every registered cleanup once, in registration order, under
// the manager's deadline. Cleanup errors are logged and do not stop the pass.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	if m.ran {
		m.mu.Unlock()
		return
	}
	m.ran = true
	cleanups := m.cleanups
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	for _, c := range cleanups {
		if err := c.fn(ctx); err != nil {
			m.log.Warn("cleanup failed", map[string]any{"name": c.name, "error": err.Error()})
		} else {
			m.log.Debug("cleanup done", map[string]any{"name": c.name})
		}
	}
}

// HandleSignals installs SIGINT/SIGTERM handling and returns a context that
// is cancelled on the first signal. The cleanup pass runs on that first
// signal; a second signal aborts the process without waiting.
func (m *Manager) HandleSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			m.log.Info("shutdown signal received", map[string]any{"signal": sig.String()})
			cancel()
			m.Run(context.Background())
			go func() {
				<-sigCh
				m.log.Warn("second signal, exiting immediately", nil)
				os.Exit(1)
			}()
		case <-parent.Done():
			cancel()
		}
	}()

	return ctx
}

package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/marianboard/internal/logging"
)

// Manager broadcasts the stop request to running work and then runs the
// registered cleanup functions in reverse registration order
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration

	mu    sync.Mutex
	funcs []namedFunc

	triggerCh    chan struct{}
	triggerOnce  sync.Once
	shutdownOnce sync.Once
	done         chan struct{}
	err          error
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

type namedFunc struct {
	name string
	fn   ShutdownFunc
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Manager{
		logger:    cfg.Logger.WithComponent("shutdown"),
		timeout:   cfg.Timeout,
		triggerCh: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// RegisterFunc registers a cleanup function. Functions run last registered
// first, one at a time.
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("target", name).Msg("Registered shutdown function")
	m.funcs = append(m.funcs, namedFunc{name: name, fn: fn})
}

// Component represents a component that can be gracefully shut down
type Component interface {
	Stop(context.Context) error
	Name() string
}

// RegisterComponent registers a component for graceful shutdown
func (m *Manager) RegisterComponent(component Component) {
	m.RegisterFunc(component.Name(), component.Stop)
}

// Context returns a child of parent that is canceled once shutdown is
// triggered
func (m *Manager) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-m.triggerCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// WaitForSignal blocks until a signal arrives or shutdown is triggered
// some other way. A signal triggers shutdown.
func (m *Manager) WaitForSignal(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received")
		m.Trigger()
	case <-m.triggerCh:
	}
}

// Trigger broadcasts the stop request without running cleanups
func (m *Manager) Trigger() {
	m.triggerOnce.Do(func() {
		close(m.triggerCh)
	})
}

// Triggered returns a channel that is closed when shutdown is requested
func (m *Manager) Triggered() <-chan struct{} {
	return m.triggerCh
}

// Shutdown triggers shutdown if needed and runs the cleanup functions.
// Later calls return the result of the first.
func (m *Manager) Shutdown() error {
	m.Trigger()
	m.shutdownOnce.Do(func() {
		m.err = m.performShutdown()
		close(m.done)
	})
	return m.err
}

func (m *Manager) performShutdown() error {
	m.mu.Lock()
	funcs := make([]namedFunc, len(m.funcs))
	copy(funcs, m.funcs)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("functions", len(funcs)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(funcs) - 1; i >= 0; i-- {
			f := funcs[i]
			if err := f.fn(ctx); err != nil {
				m.logger.Error().Err(err).Str("target", f.name).Msg("Shutdown function failed")
				errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
				continue
			}
			m.logger.Debug().Str("target", f.name).Msg("Shutdown function completed")
		}
		result <- errors.Join(errs...)
	}()

	select {
	case err := <-result:
		if err != nil {
			m.logger.Warn().Msg("Graceful shutdown completed with errors")
		} else {
			m.logger.Info().Msg("Graceful shutdown completed successfully")
		}
		return err
	case <-ctx.Done():
		m.logger.Warn().
			Dur("timeout", m.timeout).
			Msg("Graceful shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown did not complete within %v", m.timeout)
	}
}

// Done returns a channel that is closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// WaitWithTimeout waits for shutdown to complete with a timeout
func (m *Manager) WaitWithTimeout(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("shutdown did not complete within %v", timeout)
	}
}

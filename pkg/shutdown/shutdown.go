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

	"github.com/Xseven888/Sora2-Video-Generator/pkg/logging"
)

// Hook is one step of an orderly shutdown
type Hook struct {
	Name string
	Fn   func(context.Context) error
}

// Manager runs registered hooks in reverse order once, within a timeout
type Manager struct {
	hooks   []Hook
	mu      sync.Mutex
	timeout time.Duration
	logger  *logging.Logger
	done    chan struct{}
	once    sync.Once
	signals []os.Signal
}

// New creates a shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger.WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
}

// Register adds a hook. Hooks run last-registered first.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Fn: fn})
}

// Done is closed once shutdown has started
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until SIGINT/SIGTERM, ctx is done or Shutdown is called
// elsewhere, then runs the hooks
func (m *Manager) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, m.signals...)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("Received signal, shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
	case <-ctx.Done():
		m.logger.Info("Context finished, shutting down", nil)
	case <-m.done:
	}
	return m.Shutdown()
}

// Shutdown runs every hook once. Later calls return nil.
func (m *Manager) Shutdown() error {
	var err error
	m.once.Do(func() {
		close(m.done)
		err = m.run()
	})
	return err
}

func (m *Manager) run() error {
	m.mu.Lock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.Fn(ctx); err != nil {
			m.logger.Error("Shutdown hook failed", map[string]interface{}{
				"hook":  h.Name,
				"error": err,
			})
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		m.logger.Debug("Shutdown hook finished", map[string]interface{}{
			"hook":     h.Name,
			"duration": time.Since(start).String(),
		})
	}

	m.logger.Info("Graceful shutdown complete", nil)
	return errors.Join(errs...)
}

// StopHTTPServer adapts an http.Server to a hook
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop http server: %w", err)
		}
		return nil
	}
}

// CloseResource adapts an io.Closer to a hook
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}

// Drain runs a blocking wait, giving up when the hook context expires
func Drain(wait func()) func(context.Context) error {
	return func(ctx context.Context) error {
		finished := make(chan struct{})
		go func() {
			wait()
			close(finished)
		}()
		select {
		case <-finished:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting: %w", ctx.Err())
		}
	}
}

// Package shutdown coordinates orderly teardown: the poller stops first so
// no new reads start, then consumers flush, then transports close. Stages
// run in reverse registration order.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/warfeedhq/ingest/internal/logging"
)

// StopFunc tears down one component.
type StopFunc func(context.Context) error

type stage struct {
	name string
	fn   StopFunc
}

// Manager runs registered teardown stages when a signal arrives or Shutdown
// is called.
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration

	mu     sync.Mutex
	stages []stage

	once sync.Once
	done chan struct{}
}

// New creates a shutdown manager.
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		logger:  logger.WithComponent("shutdown"),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Register adds a teardown stage. Stages run last-registered first, so
// register in startup order.
func (m *Manager) Register(name string, fn StopFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage{name: name, fn: fn})
}

// WaitForSignal blocks until SIGINT or SIGTERM, then shuts down.
func (m *Manager) WaitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		m.logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		m.Shutdown()
	case <-m.done:
	}
}

// Shutdown runs all stages once, in reverse registration order, under one
// shared deadline.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		defer close(m.done)

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		m.mu.Lock()
		stages := make([]stage, len(m.stages))
		copy(stages, m.stages)
		m.mu.Unlock()

		m.logger.Info().Int("stages", len(stages)).Msg("starting graceful shutdown")

		for i := len(stages) - 1; i >= 0; i-- {
			s := stages[i]
			if ctx.Err() != nil {
				m.logger.Warn().Str("stage", s.name).Msg("shutdown deadline reached, skipping remaining stages")
				return
			}
			if err := s.fn(ctx); err != nil {
				m.logger.Error().Err(err).Str("stage", s.name).Msg("shutdown stage failed")
				continue
			}
			m.logger.Debug().Str("stage", s.name).Msg("shutdown stage completed")
		}

		m.logger.Info().Msg("graceful shutdown completed")
	})
}

// Done is closed when shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Package shutdown coordinates graceful shutdown of the seatkeeper runner.
//
// Shutdown runs in two phases. Drain steps stop new work from starting (the
// scheduler tick, the metrics listener) and are bounded by the drain timeout.
// Finalize steps persist and release state (flushing the option store,
// waiting for dispatched requests) and always run, even when draining timed
// out.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the current shutdown state.
type State string

const (
	// StateRunning indicates the process is running normally.
	StateRunning State = "running"
	// StateDraining indicates new work is being stopped.
	StateDraining State = "draining"
	// StateFinalizing indicates state is being persisted and released.
	StateFinalizing State = "finalizing"
	// StateComplete indicates shutdown is complete.
	StateComplete State = "complete"
)

// Step is one named shutdown action.
type Step func(ctx context.Context) error

// Config holds configuration for the shutdown manager.
type Config struct {
	// Timeout is the maximum time for the whole shutdown.
	Timeout time.Duration
	// DrainTimeout bounds the drain phase.
	DrainTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		DrainTimeout: 10 * time.Second,
	}
}

type namedStep struct {
	name string
	fn   Step
}

// Status represents the current shutdown status.
type Status struct {
	State     State      `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Failed    []string   `json:"failed,omitempty"`
}

// Manager coordinates graceful shutdown.
type Manager struct {
	config Config
	logger zerolog.Logger

	mu        sync.RWMutex
	state     State
	startedAt *time.Time
	drain     []namedStep
	finalize  []namedStep
	failed    []string

	doneCh       chan struct{}
	shutdownOnce sync.Once
	err          error
}

// NewManager creates a new shutdown manager.
func NewManager(config Config, logger zerolog.Logger) *Manager {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.DrainTimeout <= 0 || config.DrainTimeout > config.Timeout {
		config.DrainTimeout = config.Timeout / 3
	}
	return &Manager{
		config: config,
		logger: logger.With().Str("component", "shutdown_manager").Logger(),
		state:  StateRunning,
		doneCh: make(chan struct{}),
	}
}

// OnDrain registers a step that stops new work. Drain steps run in
// registration order.
func (m *Manager) OnDrain(name string, fn Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drain = append(m.drain, namedStep{name: name, fn: fn})
}

// OnFinalize registers a step that persists or releases state. Finalize
// steps run in registration order after draining.
func (m *Manager) OnFinalize(name string, fn Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalize = append(m.finalize, namedStep{name: name, fn: fn})
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetStatus returns the current shutdown status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:     m.state,
		StartedAt: m.startedAt,
		Failed:    append([]string(nil), m.failed...),
	}
}

// Shutdown runs the drain and finalize steps once. Later calls return the
// result of the first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.err = m.doShutdown(ctx)
	})
	return m.err
}

func (m *Manager) doShutdown(ctx context.Context) error {
	m.logger.Info().
		Dur("timeout", m.config.Timeout).
		Dur("drain_timeout", m.config.DrainTimeout).
		Msg("initiating graceful shutdown")

	now := time.Now()
	m.mu.Lock()
	m.startedAt = &now
	m.state = StateDraining
	drain := append([]namedStep(nil), m.drain...)
	finalize := append([]namedStep(nil), m.finalize...)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	drainCtx, drainCancel := context.WithTimeout(ctx, m.config.DrainTimeout)
	errs := m.run(drainCtx, drain)
	drainCancel()

	m.mu.Lock()
	m.state = StateFinalizing
	m.mu.Unlock()

	finalizeCtx, finalizeCancel := finalizeContext(ctx)
	errs = append(errs, m.run(finalizeCtx, finalize)...)
	finalizeCancel()

	m.mu.Lock()
	m.state = StateComplete
	m.mu.Unlock()
	close(m.doneCh)

	m.logger.Info().
		Dur("duration", time.Since(now)).
		Int("failed", len(errs)).
		Msg("graceful shutdown complete")

	return errors.Join(errs...)
}

// finalizeContext keeps parent's deadline but not its cancellation, so
// finalize steps run even after draining used up the budget.
func finalizeContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(parent)
	if deadline, ok := parent.Deadline(); ok && time.Until(deadline) > 0 {
		return context.WithDeadline(ctx, deadline)
	}
	return context.WithTimeout(ctx, time.Second)
}

func (m *Manager) run(ctx context.Context, steps []namedStep) []error {
	var errs []error
	for _, step := range steps {
		logger := m.logger.With().Str("step", step.name).Logger()
		logger.Debug().Msg("running shutdown step")

		if err := step.fn(ctx); err != nil {
			logger.Warn().Err(err).Msg("shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			m.mu.Lock()
			m.failed = append(m.failed, step.name)
			m.mu.Unlock()
		}
	}
	return errs
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}

// WaitForShutdown blocks until shutdown is complete.
func (m *Manager) WaitForShutdown() {
	<-m.doneCh
}

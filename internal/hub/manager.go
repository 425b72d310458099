package hub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/EstateHub/internal/session"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Runner is one device session.
type Runner interface {
	Run(ctx context.Context) error
	Info() session.Info
}

// PortClaimer guards ports against concurrent sessions.
type PortClaimer interface {
	Claim(ctx context.Context, port string) (bool, error)
	Release(ctx context.Context, port string) error
}

type entry struct {
	runner Runner
	cancel context.CancelFunc
}

// Manager owns the running sessions, one per claimed port.
type Manager struct {
	newRunner  func(port string) Runner
	ports      PortClaimer
	retry      func(port string)
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*entry
	backoffs map[string]*backoff.ExponentialBackOff
	closed   bool
	wg       sync.WaitGroup
}

// NewManager creates a manager. retry is called with a port once its
// backoff elapsed after a failed session.
func NewManager(newRunner func(port string) Runner, ports PortClaimer, retry func(port string), minBackoff, maxBackoff time.Duration, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		newRunner:  newRunner,
		ports:      ports,
		retry:      retry,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		logger:     logger.Named("sessions"),
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*entry),
		backoffs:   make(map[string]*backoff.ExponentialBackOff),
	}
}

// Spawn claims port and starts a session on it. Nothing happens when the
// port already has a session here or is claimed elsewhere.
func (m *Manager) Spawn(port string) {
	m.mu.RLock()
	_, running := m.sessions[port]
	closed := m.closed
	m.mu.RUnlock()
	if running || closed {
		return
	}

	claimed, err := m.ports.Claim(m.ctx, port)
	if err != nil {
		m.logger.Error("Failed to claim port", zap.String("port", port), zap.Error(err))
		m.scheduleRetry(port, false)
		return
	}
	if !claimed {
		m.logger.Warn("Port already claimed", zap.String("port", port))
		m.scheduleRetry(port, false)
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	e := &entry{runner: m.newRunner(port), cancel: cancel}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		if err := m.ports.Release(context.Background(), port); err != nil {
			m.logger.Warn("Failed to release port", zap.String("port", port), zap.Error(err))
		}
		return
	}
	m.sessions[port] = e
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("Session started", zap.String("port", port))
	go m.run(port, e, ctx)
}

func (m *Manager) run(port string, e *entry, ctx context.Context) {
	defer m.wg.Done()
	defer e.cancel()

	err := e.runner.Run(ctx)
	connected := !e.runner.Info().ConnectedAt.IsZero()

	m.mu.Lock()
	delete(m.sessions, port)
	m.mu.Unlock()

	if err == nil {
		m.resetBackoff(port)
		m.logger.Info("Session ended", zap.String("port", port))
		return
	}
	m.scheduleRetry(port, connected)
}

func (m *Manager) resetBackoff(port string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backoffs, port)
}

// scheduleRetry hands port back to the scanner after its backoff delay. A
// session that got connected starts the backoff over.
func (m *Manager) scheduleRetry(port string, reset bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	b, ok := m.backoffs[port]
	if !ok {
		b = newRetryBackoff(m.minBackoff, m.maxBackoff)
		m.backoffs[port] = b
	}
	if reset {
		b.Reset()
	}
	delay := b.NextBackOff()
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Warn("Retrying port after backoff", zap.String("port", port), zap.Duration("delay", delay))

	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-m.ctx.Done():
		case <-timer.C:
			if m.retry != nil {
				m.retry(port)
			}
		}
	}()
}

// Cancel stops the session on port, if any.
func (m *Manager) Cancel(port string) {
	m.mu.RLock()
	e, ok := m.sessions[port]
	m.mu.RUnlock()

	if ok {
		m.logger.Info("Cancelling session", zap.String("port", port))
		e.cancel()
	}
}

func (m *Manager) List() []session.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]session.Info, 0, len(m.sessions))
	for _, e := range m.sessions {
		infos = append(infos, e.runner.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Port < infos[j].Port })
	return infos
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StopAll cancels every session and waits for them, bounded by ctx.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	count := len(m.sessions)
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions stopped", zap.Int("count", count))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for %d sessions: %w", m.Len(), ctx.Err())
	}
}

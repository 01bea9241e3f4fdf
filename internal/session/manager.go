package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxmirror/voxmirror/internal/observe"
)

// Factory builds an unstarted [Orchestrator] for a session configuration.
// The manager calls it once per created session.
type Factory func(cfg Config) (*Orchestrator, error)

// Manager owns the set of live sessions. Sessions run fully in parallel with
// no cross-session ordering; the manager only guards the session map. Safe
// for concurrent use.
type Manager struct {
	factory    Factory
	log        *slog.Logger
	metrics    *observe.Metrics
	sweepEvery time.Duration

	sweepStop chan struct{}
	stopOnce  sync.Once

	mu       sync.RWMutex
	sessions map[string]*Orchestrator
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger. Default is [slog.Default].
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// WithManagerMetrics enables active-session gauge recording.
func WithManagerMetrics(met *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = met }
}

// WithIdleSweep runs a background sweeper that calls [Manager.ReapIdle]
// every interval, destroying sessions past their configured idle timeout.
// The sweeper stops with [Manager.StopAll].
func WithIdleSweep(interval time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepEvery = interval }
}

// NewManager creates a Manager that builds sessions through factory.
func NewManager(factory Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory:   factory,
		log:       slog.Default(),
		sessions:  make(map[string]*Orchestrator),
		sweepStop: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.sweepEvery > 0 {
		go m.sweep()
	}
	return m
}

// Create builds and starts a new session. Returns an error when a session
// with the same ID already exists.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session: missing session ID")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[cfg.SessionID]; ok {
		return nil, fmt.Errorf("session: session %q already exists", cfg.SessionID)
	}

	orch, err := m.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("session: build session %q: %w", cfg.SessionID, err)
	}
	if err := orch.Start(ctx); err != nil {
		return nil, fmt.Errorf("session: start session %q: %w", cfg.SessionID, err)
	}

	m.sessions[cfg.SessionID] = orch
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}
	m.log.Info("session created", "session_id", cfg.SessionID, "sessions", len(m.sessions))
	return orch, nil
}

// Get returns the session with the given ID, or false when none exists.
func (m *Manager) Get(sessionID string) (*Orchestrator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orch, ok := m.sessions[sessionID]
	return orch, ok
}

// Stop stops and removes a session. The orchestrator drains per its
// configured grace timeout.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	orch, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session: no session %q", sessionID)
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, -1)
	}

	if err := orch.Stop(ctx); err != nil {
		return fmt.Errorf("session: stop session %q: %w", sessionID, err)
	}
	m.log.Info("session removed", "session_id", sessionID)
	return nil
}

// ReapIdle stops every session whose configured idle timeout has elapsed
// without a submitted chunk. A client that starts a session and then goes
// quiet would otherwise hold its pipeline goroutines forever. Returns the
// number of sessions destroyed.
func (m *Manager) ReapIdle(ctx context.Context) int {
	m.mu.RLock()
	var idle []string
	for id, orch := range m.sessions {
		if timeout := orch.Config().IdleTimeout; timeout > 0 && orch.IdleFor() > timeout {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.log.Info("session idle, destroying", "session_id", id)
		if err := m.Stop(ctx, id); err != nil {
			m.log.Warn("idle session stop failed", "session_id", id, "err", err)
		}
	}
	return len(idle)
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.ReapIdle(context.Background())
		case <-m.sweepStop:
			return
		}
	}
}

// StopAll stops every live session and the idle sweeper. Errors are
// aggregated in the log; the first one is returned.
func (m *Manager) StopAll(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.sweepStop) })

	m.mu.Lock()
	orphans := make(map[string]*Orchestrator, len(m.sessions))
	for id, orch := range m.sessions {
		orphans[id] = orch
	}
	m.sessions = make(map[string]*Orchestrator)
	m.mu.Unlock()

	var first error
	for id, orch := range orphans {
		if m.metrics != nil {
			m.metrics.ActiveSessions.Add(ctx, -1)
		}
		if err := orch.Stop(ctx); err != nil {
			m.log.Warn("session stop failed during shutdown", "session_id", id, "err", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// List returns a stats snapshot of every live session.
func (m *Manager) List() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.sessions))
	for _, orch := range m.sessions {
		out = append(out, orch.Stats())
	}
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

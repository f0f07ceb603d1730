// Package session owns the lifecycle of remote-agent sessions:
// Idle -> Connecting -> Connected -> Disconnecting -> Idle, with a
// terminal Terminated reachable from any state via forced termination.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ymgch/tether/internal/model"
)

var (
	// ErrWorkspaceBusy rejects a create/connect while another attempt is in
	// flight for the same workspace. Attempts are rejected, not queued.
	ErrWorkspaceBusy = errors.New("a connect attempt is already in flight for this workspace")
	ErrNotFound      = errors.New("session not found")
)

// Conn is an established link to a remote agent. Close is best-effort.
type Conn interface {
	Close(ctx context.Context) error
}

// Dialer establishes connectivity to a remote agent.
type Dialer interface {
	Dial(ctx context.Context, host string, port int, apiKey string) (Conn, error)
}

// ConnectParams are the validated inputs to a create/connect attempt.
type ConnectParams struct {
	ServerID string
	Host     string
	Port     int
	APIKey   string
}

type entry struct {
	mu   sync.Mutex
	item model.SessionItem
	conn Conn
}

// Manager is the keyed session store plus the state machine driving it.
// Per-session operations are serialized on the entry lock; the manager
// lock only guards the maps.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	order    []string
	inflight map[string]struct{}

	dialer  Dialer
	log     *slog.Logger
	onCount func(active int)
}

func NewManager(dialer Dialer, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		sessions: map[string]*entry{},
		inflight: map[string]struct{}{},
		dialer:   dialer,
		log:      log,
	}
}

// WithCountObserver installs a callback invoked with the active session
// count after every membership change.
func (m *Manager) WithCountObserver(fn func(active int)) *Manager {
	m.onCount = fn
	return m
}

// Create allocates a new session identity and connects it using the
// supplied parameters.
func (m *Manager) Create(ctx context.Context, workspaceID, correlationID string, params ConnectParams) (model.SessionItem, error) {
	return m.open(ctx, workspaceID, correlationID, params)
}

// Connect attaches to an already-known registration. The transition path
// is identical to Create; only the parameter source differs.
func (m *Manager) Connect(ctx context.Context, workspaceID, correlationID string, reg model.ServerRegistration) (model.SessionItem, error) {
	return m.open(ctx, workspaceID, correlationID, ConnectParams{
		ServerID: reg.ServerID,
		Host:     reg.Host,
		Port:     reg.Port,
		APIKey:   reg.APIKey,
	})
}

func (m *Manager) open(ctx context.Context, workspaceID, correlationID string, params ConnectParams) (model.SessionItem, error) {
	if params.Host == "" {
		return model.SessionItem{}, fmt.Errorf("host is required")
	}
	if params.Port < 1 || params.Port > 65535 {
		return model.SessionItem{}, fmt.Errorf("port out of range: %d", params.Port)
	}

	now := time.Now().UTC()
	e := &entry{item: model.SessionItem{
		SessionID:   uuid.NewString(),
		WorkspaceID: workspaceID,
		ServerID:    params.ServerID,
		Host:        params.Host,
		Port:        params.Port,
		State:       model.SessionConnecting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}

	m.mu.Lock()
	if _, busy := m.inflight[workspaceID]; busy {
		m.mu.Unlock()
		return model.SessionItem{}, ErrWorkspaceBusy
	}
	m.inflight[workspaceID] = struct{}{}
	m.sessions[e.item.SessionID] = e
	m.order = append(m.order, e.item.SessionID)
	m.notifyCountLocked()
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, params.Host, params.Port, params.APIKey)

	m.mu.Lock()
	delete(m.inflight, workspaceID)
	if err != nil {
		// Failed attempt reverts to idle and leaves the active set.
		m.removeLocked(e.item.SessionID)
		m.mu.Unlock()
		e.item.State = model.SessionIdle
		m.log.Warn("session connect failed",
			"session_id", e.item.SessionID, "host", params.Host, "port", params.Port,
			"correlation_id", correlationID, "error", err)
		return model.SessionItem{}, fmt.Errorf("connect %s:%d: %w", params.Host, params.Port, err)
	}
	m.mu.Unlock()

	e.conn = conn
	e.item.State = model.SessionConnected
	e.item.UpdatedAt = time.Now().UTC()
	m.log.Info("session connected",
		"session_id", e.item.SessionID, "server_id", params.ServerID,
		"host", params.Host, "port", params.Port, "correlation_id", correlationID)
	return e.item, nil
}

// Disconnect gracefully closes a connected session. It always succeeds
// locally; an unreachable remote end only produces a log line.
func (m *Manager) Disconnect(ctx context.Context, sessionID, correlationID string) (model.SessionItem, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return model.SessionItem{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.item.State = model.SessionDisconnecting
	if e.conn != nil {
		if err := e.conn.Close(ctx); err != nil {
			m.log.Warn("best-effort disconnect", "session_id", sessionID,
				"correlation_id", correlationID, "error", err)
		}
		e.conn = nil
	}
	e.item.State = model.SessionIdle
	e.item.UpdatedAt = time.Now().UTC()
	m.log.Info("session disconnected", "session_id", sessionID, "correlation_id", correlationID)
	return e.item, nil
}

// Terminate forces one session to the terminal state regardless of its
// current state and removes it from the active set. Terminating a session
// that no longer exists is a no-op success.
func (m *Manager) Terminate(ctx context.Context, sessionID, correlationID string) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		if err := e.conn.Close(ctx); err != nil {
			m.log.Warn("best-effort close on terminate", "session_id", sessionID,
				"correlation_id", correlationID, "error", err)
		}
		e.conn = nil
	}
	e.item.State = model.SessionTerminated
	e.item.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	m.removeLocked(sessionID)
	m.mu.Unlock()
	m.log.Info("session terminated", "session_id", sessionID, "correlation_id", correlationID)
	return nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (model.SessionItem, bool) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return model.SessionItem{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.item, true
}

// List returns session snapshots in creation order, scoped to workspaceID
// when non-empty. The slice and its items are copies; callers cannot
// mutate manager state through them.
func (m *Manager) List(workspaceID string) []model.SessionItem {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.order))
	for _, id := range m.order {
		if e, ok := m.sessions[id]; ok {
			entries = append(entries, e)
		}
	}
	m.mu.Unlock()

	out := make([]model.SessionItem, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		item := e.item
		e.mu.Unlock()
		if workspaceID != "" && item.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, item)
	}
	return out
}

func (m *Manager) removeLocked(sessionID string) {
	delete(m.sessions, sessionID)
	for i, id := range m.order {
		if id == sessionID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.notifyCountLocked()
}

func (m *Manager) notifyCountLocked() {
	if m.onCount != nil {
		m.onCount(len(m.sessions))
	}
}

// Package session tracks live logical sessions, their config, history, and
// metrics. Sessions live until explicitly destroyed or process exit; there
// is no idle eviction because long-running turns must not be reaped.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/graphmind/agent-gateway/internal/agent"
	"github.com/graphmind/agent-gateway/internal/errors"
	"github.com/graphmind/agent-gateway/internal/pool"
)

// History accumulates per-session usage. Counters only grow, and only the
// turn pipeline writes them at end of turn.
type History struct {
	Messages     int     `json:"messages_count"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Metrics tracks per-session failures.
type Metrics struct {
	ConnectionErrors int       `json:"connection_errors"`
	LastErrorAt      time.Time `json:"last_error_at,omitempty"`
}

// Session is one logical conversation. The pooled connection stays attached
// for the session's lifetime and is returned to the pool on destroy.
type Session struct {
	ID        string
	ProjectID string
	Options   agent.Options
	CreatedAt time.Time

	Conn *pool.PooledConnection

	mu           sync.Mutex
	lastActivity time.Time
	history      History
	metrics      Metrics
	extraContext []string

	// turnGate serializes turns: a second query on the session waits for
	// the first to finish.
	turnGate chan struct{}
}

// BeginTurn blocks until the session's single turn slot is free.
func (s *Session) BeginTurn(ctx context.Context) error {
	select {
	case s.turnGate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EndTurn frees the turn slot.
func (s *Session) EndTurn() {
	<-s.turnGate
}

// Touch records activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// RecordUsage folds one completed turn's usage into the history.
func (s *Session) RecordUsage(inputTokens, outputTokens int, costUSD float64) {
	s.mu.Lock()
	s.history.Messages++
	s.history.InputTokens += inputTokens
	s.history.OutputTokens += outputTokens
	s.history.CostUSD += costUSD
	s.mu.Unlock()
}

// RecordError notes a connection failure.
func (s *Session) RecordError() {
	s.mu.Lock()
	s.metrics.ConnectionErrors++
	s.metrics.LastErrorAt = time.Now()
	s.mu.Unlock()
}

// History returns a snapshot of the usage counters.
func (s *Session) History() History {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history
}

// Metrics returns a snapshot of the failure counters.
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// RestoreHistory seeds the counters, used when a config update recreates the
// session.
func (s *Session) RestoreHistory(h History) {
	s.mu.Lock()
	s.history = h
	s.mu.Unlock()
}

// AddContext appends an out-of-band context line injected before the next
// prompt.
func (s *Session) AddContext(line string) {
	s.mu.Lock()
	s.extraContext = append(s.extraContext, line)
	s.mu.Unlock()
}

// DrainContext returns and clears accumulated context lines.
func (s *Session) DrainContext() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.extraContext
	s.extraContext = nil
	return lines
}

// ClearHistory resets the usage counters.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	s.history = History{}
	s.mu.Unlock()
}

// Totals aggregates registry-wide counters for the health surface.
type Totals struct {
	ActiveSessions   int     `json:"active_sessions"`
	TotalMessages    int     `json:"total_messages"`
	TotalInputTokens int     `json:"total_input_tokens"`
	TotalOutputToken int     `json:"total_output_tokens"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
	TotalErrors      int     `json:"total_connection_errors"`
}

// Registry owns all live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	max      int
}

// NewRegistry builds a registry bounded at max sessions.
func NewRegistry(max int) *Registry {
	return &Registry{sessions: make(map[string]*Session), max: max}
}

// Register creates and stores a session. Fails when the registry is full or
// the id is already taken.
func (r *Registry) Register(id, projectID string, opts agent.Options, conn *pool.PooledConnection) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, errors.ErrSessionExists
	}
	if len(r.sessions) >= r.max {
		return nil, errors.ErrTooManySessions
	}
	s := &Session{
		ID:           id,
		ProjectID:    projectID,
		Options:      opts,
		CreatedAt:    time.Now(),
		lastActivity: time.Now(),
		Conn:         conn,
		turnGate:     make(chan struct{}, 1),
	}
	r.sessions[id] = s
	return s, nil
}

// Unregister removes a session and returns it so the caller can release its
// connection.
func (r *Registry) Unregister(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	delete(r.sessions, id)
	return s, nil
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the live session count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Totals aggregates counters across sessions. Reads may observe slightly
// stale per-session snapshots.
func (r *Registry) Totals() Totals {
	sessions := r.List()
	t := Totals{ActiveSessions: len(sessions)}
	for _, s := range sessions {
		h := s.History()
		m := s.Metrics()
		t.TotalMessages += h.Messages
		t.TotalInputTokens += h.InputTokens
		t.TotalOutputToken += h.OutputTokens
		t.TotalCostUSD += h.CostUSD
		t.TotalErrors += m.ConnectionErrors
	}
	return t
}

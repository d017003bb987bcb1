// Package breaker guards calls to external dependencies with a three-state
// circuit breaker, journaling transitions for the health surface.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Config controls one breaker's thresholds.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// CircuitOpenError is returned while the breaker rejects calls. RetryAfter
// is the remaining cooldown.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s: retry in %d seconds", e.Name, int(e.RetryAfter.Seconds()))
}

// Transition is one journaled state change.
type Transition struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// Snapshot is the observable state of one breaker.
type Snapshot struct {
	Name                string       `json:"name"`
	State               string       `json:"state"`
	ConsecutiveFailures uint32       `json:"consecutive_failures"`
	TotalRequests       uint32       `json:"total_requests"`
	TotalFailures       uint32       `json:"total_failures"`
	Transitions         []Transition `json:"recent_transitions"`
}

const journalCap = 50

// Breaker wraps one named gobreaker circuit.
type Breaker struct {
	name string
	cfg  Config
	cb   *gobreaker.CircuitBreaker

	probeMu sync.Mutex

	mu       sync.Mutex
	openedAt time.Time
	journal  []Transition
}

// New builds a breaker. Consecutive failures reaching FailureThreshold trip
// it; after RecoveryTimeout it admits probes one at a time, and
// SuccessThreshold consecutive successes close it again. context.Canceled
// from the guarded call propagates without counting as a failure.
func New(name string, cfg Config) *Breaker {
	b := &Breaker{name: name, cfg: cfg}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.mu.Lock()
			defer b.mu.Unlock()
			if to == gobreaker.StateOpen {
				b.openedAt = time.Now()
			}
			b.journal = append(b.journal, Transition{From: from.String(), To: to.String(), At: time.Now()})
			if len(b.journal) > journalCap {
				b.journal = b.journal[len(b.journal)-journalCap:]
			}
		},
	})
	return b
}

// Execute runs fn through the breaker. While open it returns
// *CircuitOpenError with the remaining cooldown. Half-open probes hold
// probeMu so they run one at a time even with concurrent callers.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	if b.cb.State() == gobreaker.StateHalfOpen {
		b.probeMu.Lock()
		defer b.probeMu.Unlock()
	}
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &CircuitOpenError{Name: b.name, RetryAfter: b.remainingCooldown()}
	}
	return v, err
}

func (b *Breaker) remainingCooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.cfg.RecoveryTimeout - time.Since(b.openedAt)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

// State returns the breaker's current state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Snapshot returns the observable state including recent transitions.
func (b *Breaker) Snapshot() Snapshot {
	counts := b.cb.Counts()
	b.mu.Lock()
	journal := make([]Transition, len(b.journal))
	copy(journal, b.journal)
	b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.cb.State().String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalRequests:       counts.Requests,
		TotalFailures:       counts.TotalFailures,
		Transitions:         journal,
	}
}

// Manager hands out shared named breakers built from one config.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewManager builds a manager whose breakers all share cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker registered under name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	if !ok {
		b = New(name, m.cfg)
		m.breakers[name] = b
	}
	return b
}

// Snapshots returns the state of every registered breaker.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// Package pool maintains a bounded set of reusable upstream agent
// connections with age, use-count, and health based eviction.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/graphmind/agent-gateway/internal/agent"
	"github.com/graphmind/agent-gateway/internal/config"
	"github.com/graphmind/agent-gateway/internal/logger"
)

// ErrPoolExhausted is returned when the pool is at capacity with nothing
// idle to hand out.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// PooledConnection owns exactly one upstream connection. It is loaned to
// one turn at a time and must be returned via Release or Discard.
type PooledConnection struct {
	Conn agent.Connection

	createdAt time.Time
	lastUsed  time.Time
	useCount  int
	healthy   bool
}

// Age returns how long the connection has existed.
func (pc *PooledConnection) Age() time.Duration { return time.Since(pc.createdAt) }

// UseCount returns how many times the connection has been handed out.
func (pc *PooledConnection) UseCount() int { return pc.useCount }

// Status is a snapshot of pool occupancy.
type Status struct {
	Idle       int `json:"idle"`
	CheckedOut int `json:"checked_out"`
	MaxSize    int `json:"max_size"`
}

// Pool is the bounded connection pool. All state is mutated under one lock;
// dialing and disconnecting happen outside it.
type Pool struct {
	mu         sync.Mutex
	idle       []*PooledConnection
	checkedOut map[*PooledConnection]struct{}
	pending    int // dials in flight, counted toward capacity

	dialer agent.Dialer
	cfg    config.PoolConfig
	log    *logger.Logger
	cron   *cron.Cron
}

// New builds a pool and starts its maintenance schedule.
func New(cfg config.PoolConfig, dialer agent.Dialer, log *logger.Logger) *Pool {
	p := &Pool{
		checkedOut: make(map[*PooledConnection]struct{}),
		dialer:     dialer,
		cfg:        cfg,
		log:        log.WithComponent("pool"),
	}
	p.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", int(cfg.HealthInterval.Seconds()))
	if _, err := p.cron.AddFunc(spec, p.maintain); err != nil {
		p.log.Error("failed to schedule pool maintenance", "error", err)
	}
	p.cron.Start()
	return p
}

func (p *Pool) expired(pc *PooledConnection) bool {
	return pc.Age() > p.cfg.MaxAge || pc.useCount > p.cfg.MaxUses
}

func (p *Pool) size() int {
	return len(p.idle) + len(p.checkedOut) + p.pending
}

// Acquire returns a healthy, non-expired connection, dialing a new one when
// nothing idle qualifies and capacity remains. Stale idle entries found
// during the scan are discarded.
func (p *Pool) Acquire(ctx context.Context, opts agent.Options) (*PooledConnection, error) {
	p.mu.Lock()

	var stale []*PooledConnection
	for len(p.idle) > 0 {
		pc := p.idle[0]
		p.idle = p.idle[1:]
		if !pc.healthy || p.expired(pc) {
			stale = append(stale, pc)
			continue
		}
		pc.lastUsed = time.Now()
		pc.useCount++
		p.checkedOut[pc] = struct{}{}
		p.mu.Unlock()
		p.disconnectAll(stale)
		return pc, nil
	}

	if p.size() >= p.cfg.MaxSize {
		p.mu.Unlock()
		p.disconnectAll(stale)
		return nil, ErrPoolExhausted
	}
	p.pending++
	p.mu.Unlock()
	p.disconnectAll(stale)

	conn := p.dialer(opts)
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	err := conn.Connect(dialCtx)
	cancel()

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("connect upstream agent: %w", err)
	}
	pc := &PooledConnection{
		Conn:      conn,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		useCount:  1,
		healthy:   true,
	}
	p.checkedOut[pc] = struct{}{}
	p.mu.Unlock()
	return pc, nil
}

// Release returns a connection to the idle set. Unhealthy, expired, or
// surplus connections are disconnected instead. Double release is detected
// and logged, never double-inserted.
func (p *Pool) Release(pc *PooledConnection) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.checkedOut[pc]; !ok {
		p.mu.Unlock()
		p.log.Warn("double release of pooled connection detected")
		return
	}
	delete(p.checkedOut, pc)

	pc.healthy = pc.healthy && pc.Conn.Healthy()
	if !pc.healthy || p.expired(pc) || len(p.idle) >= p.cfg.MaxSize {
		p.mu.Unlock()
		p.disconnect(pc)
		return
	}
	pc.lastUsed = time.Now()
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// Discard removes a connection permanently, regardless of health.
func (p *Pool) Discard(pc *PooledConnection) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	delete(p.checkedOut, pc)
	p.mu.Unlock()
	p.disconnect(pc)
}

// maintain drops expired or unhealthy idle entries and re-probes the rest.
// Checked-out connections are never touched.
func (p *Pool) maintain() {
	p.mu.Lock()
	var keep, drop []*PooledConnection
	for _, pc := range p.idle {
		if p.expired(pc) || !pc.healthy {
			drop = append(drop, pc)
		} else {
			keep = append(keep, pc)
		}
	}
	p.idle = keep
	snapshot := make([]*PooledConnection, len(keep))
	copy(snapshot, keep)
	p.mu.Unlock()

	p.disconnectAll(drop)

	// Probe outside the lock; an entry acquired meanwhile just gets a
	// fresh flag, which Release re-checks anyway.
	for _, pc := range snapshot {
		healthy := pc.Conn.Healthy()
		p.mu.Lock()
		pc.healthy = healthy
		p.mu.Unlock()
	}

	if len(drop) > 0 {
		p.log.Info("pool maintenance removed connections", "removed", len(drop))
	}
}

// Status returns current occupancy.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{Idle: len(p.idle), CheckedOut: len(p.checkedOut), MaxSize: p.cfg.MaxSize}
}

// Shutdown stops maintenance and disconnects every connection, idle and
// checked out.
func (p *Pool) Shutdown(ctx context.Context) {
	p.cron.Stop()

	p.mu.Lock()
	all := append([]*PooledConnection{}, p.idle...)
	for pc := range p.checkedOut {
		all = append(all, pc)
	}
	p.idle = nil
	p.checkedOut = make(map[*PooledConnection]struct{})
	p.mu.Unlock()

	for _, pc := range all {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := pc.Conn.Disconnect(dctx); err != nil {
			p.log.Warn("disconnect during shutdown failed", "error", err)
		}
		cancel()
	}
}

func (p *Pool) disconnect(pc *PooledConnection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pc.Conn.Disconnect(ctx); err != nil {
		// Discard failures are swallowed; the connection is gone either way.
		p.log.Debug("disconnect failed during discard", "error", err)
	}
}

func (p *Pool) disconnectAll(pcs []*PooledConnection) {
	for _, pc := range pcs {
		p.disconnect(pc)
	}
}

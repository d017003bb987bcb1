package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/graphmind/agent-gateway/internal/agent"
	"github.com/graphmind/agent-gateway/internal/config"
	"github.com/graphmind/agent-gateway/internal/logger"
)

type fakeConn struct {
	mu           sync.Mutex
	healthy      bool
	connectErr   error
	connected    bool
	disconnected bool
}

func (f *fakeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeConn) Query(ctx context.Context, prompt, sessionID string) error { return nil }
func (f *fakeConn) Events() <-chan agent.Event                               { return nil }
func (f *fakeConn) Interrupt(ctx context.Context) error                      { return nil }

func (f *fakeConn) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeConn) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeConn) setHealthy(h bool) {
	f.mu.Lock()
	f.healthy = h
	f.mu.Unlock()
}

func testPoolConfig(maxSize int) config.PoolConfig {
	return config.PoolConfig{
		MaxSize:        maxSize,
		MinSize:        1,
		MaxAge:         time.Hour,
		MaxUses:        100,
		HealthInterval: time.Hour, // keep the cron quiet during tests
		ConnectTimeout: time.Second,
	}
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: 8, Format: "text"}) // errors only
}

func newTestPool(maxSize int) (*Pool, *[]*fakeConn) {
	conns := &[]*fakeConn{}
	dialer := func(opts agent.Options) agent.Connection {
		fc := &fakeConn{healthy: true}
		*conns = append(*conns, fc)
		return fc
	}
	return New(testPoolConfig(maxSize), dialer, testLogger()), conns
}

func TestAcquireDialsAndReuses(t *testing.T) {
	p, conns := newTestPool(2)
	defer p.Shutdown(context.Background())

	pc, err := p.Acquire(context.Background(), agent.Options{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(*conns) != 1 {
		t.Fatalf("dialed %d, want 1", len(*conns))
	}

	p.Release(pc)
	pc2, err := p.Acquire(context.Background(), agent.Options{})
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if pc2 != pc {
		t.Error("expected idle connection to be reused")
	}
	if len(*conns) != 1 {
		t.Errorf("dialed %d, want 1 (reuse)", len(*conns))
	}
	if pc2.UseCount() != 2 {
		t.Errorf("use count = %d, want 2", pc2.UseCount())
	}
}

func TestPoolCapEnforced(t *testing.T) {
	p, _ := newTestPool(2)
	defer p.Shutdown(context.Background())

	a, _ := p.Acquire(context.Background(), agent.Options{})
	b, _ := p.Acquire(context.Background(), agent.Options{})
	if a == nil || b == nil {
		t.Fatal("expected two connections")
	}
	if _, err := p.Acquire(context.Background(), agent.Options{}); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	st := p.Status()
	if st.CheckedOut != 2 || st.Idle != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestExpiredConnectionNotHandedOut(t *testing.T) {
	p, conns := newTestPool(2)
	defer p.Shutdown(context.Background())

	pc, _ := p.Acquire(context.Background(), agent.Options{})
	p.Release(pc)

	// Age it past MaxAge.
	pc.createdAt = time.Now().Add(-2 * time.Hour)

	pc2, err := p.Acquire(context.Background(), agent.Options{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if pc2 == pc {
		t.Error("expired connection was handed out")
	}
	if !(*conns)[0].disconnected {
		t.Error("expired connection was not disconnected")
	}
}

func TestReleaseDiscardsUnhealthy(t *testing.T) {
	p, conns := newTestPool(2)
	defer p.Shutdown(context.Background())

	pc, _ := p.Acquire(context.Background(), agent.Options{})
	(*conns)[0].setHealthy(false)
	p.Release(pc)

	st := p.Status()
	if st.Idle != 0 {
		t.Errorf("unhealthy connection kept idle: %+v", st)
	}
	if !(*conns)[0].disconnected {
		t.Error("unhealthy connection was not disconnected")
	}
}

func TestDoubleReleaseDetected(t *testing.T) {
	p, _ := newTestPool(2)
	defer p.Shutdown(context.Background())

	pc, _ := p.Acquire(context.Background(), agent.Options{})
	p.Release(pc)
	p.Release(pc) // must not double-insert

	if st := p.Status(); st.Idle != 1 {
		t.Errorf("idle = %d after double release, want 1", st.Idle)
	}
}

func TestConnectFailurePropagates(t *testing.T) {
	dialer := func(opts agent.Options) agent.Connection {
		return &fakeConn{connectErr: errors.New("refused")}
	}
	p := New(testPoolConfig(2), dialer, testLogger())
	defer p.Shutdown(context.Background())

	if _, err := p.Acquire(context.Background(), agent.Options{}); err == nil {
		t.Fatal("expected connect failure to propagate")
	}
	// A failed dial must not leak capacity.
	if st := p.Status(); st.Idle != 0 || st.CheckedOut != 0 {
		t.Errorf("status after failed dial = %+v", st)
	}
}

func TestMaintenanceDropsStaleIdle(t *testing.T) {
	p, conns := newTestPool(3)
	defer p.Shutdown(context.Background())

	a, _ := p.Acquire(context.Background(), agent.Options{})
	b, _ := p.Acquire(context.Background(), agent.Options{})
	p.Release(a)
	p.Release(b)

	(*conns)[0].setHealthy(false)
	a.healthy = false

	p.maintain()

	st := p.Status()
	if st.Idle != 1 {
		t.Errorf("idle = %d, want 1 after maintenance", st.Idle)
	}
	if !(*conns)[0].disconnected {
		t.Error("stale idle connection not disconnected")
	}
	if (*conns)[1].disconnected {
		t.Error("healthy idle connection was dropped")
	}
}

func TestMaintenanceNeverTouchesCheckedOut(t *testing.T) {
	p, conns := newTestPool(2)
	defer p.Shutdown(context.Background())

	pc, _ := p.Acquire(context.Background(), agent.Options{})
	pc.createdAt = time.Now().Add(-2 * time.Hour)

	p.maintain()

	if (*conns)[0].disconnected {
		t.Error("maintenance disconnected a checked-out connection")
	}
	if st := p.Status(); st.CheckedOut != 1 {
		t.Errorf("status = %+v", st)
	}
}

package turn

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/graphmind/agent-gateway/internal/agent"
	"github.com/graphmind/agent-gateway/internal/breaker"
	"github.com/graphmind/agent-gateway/internal/config"
	"github.com/graphmind/agent-gateway/internal/logger"
	"github.com/graphmind/agent-gateway/internal/pool"
	"github.com/graphmind/agent-gateway/internal/session"
)

type scriptedConn struct {
	script   []agent.Event
	queryErr error
	healthy  bool
	events   chan agent.Event
}

func (c *scriptedConn) Connect(ctx context.Context) error { return nil }

func (c *scriptedConn) Query(ctx context.Context, prompt, sessionID string) error {
	if c.queryErr != nil {
		return c.queryErr
	}
	c.events = make(chan agent.Event, len(c.script))
	for _, ev := range c.script {
		c.events <- ev
	}
	close(c.events)
	return nil
}

func (c *scriptedConn) Events() <-chan agent.Event          { return c.events }
func (c *scriptedConn) Interrupt(ctx context.Context) error { return nil }
func (c *scriptedConn) Disconnect(ctx context.Context) error {
	return nil
}
func (c *scriptedConn) Healthy() bool { return c.healthy }

type recorder struct {
	events []Event
}

func (r *recorder) Emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []string {
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: 8, Format: "text"})
}

func newTestPipeline(conn *scriptedConn) (*Pipeline, *session.Registry, *pool.Pool) {
	return newPipelineFor(conn, 5*time.Second)
}

func newPipelineFor(conn agent.Connection, deadline time.Duration) (*Pipeline, *session.Registry, *pool.Pool) {
	registry := session.NewRegistry(10)
	dialer := func(opts agent.Options) agent.Connection { return conn }
	p := pool.New(config.PoolConfig{
		MaxSize:        4,
		MaxAge:         time.Hour,
		MaxUses:        100,
		HealthInterval: time.Hour,
		ConnectTimeout: time.Second,
	}, dialer, testLogger())

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
	})
	return New(registry, p, nil, breakers, deadline, testLogger()), registry, p
}

func happyScript() []agent.Event {
	return []agent.Event{
		agent.AssistantText{Text: "hello there my friend"},
		agent.ToolUse{ID: "t1", Name: "search", Input: map[string]any{"q": "x"}},
		agent.ToolResult{ToolUseID: "t1", Content: "found it"},
		agent.Result{InputTokens: 10, OutputTokens: 20, CostUSD: 0.003},
	}
}

func TestHappyPathEventSequence(t *testing.T) {
	conn := &scriptedConn{script: happyScript(), healthy: true}
	pipe, _, _ := newTestPipeline(conn)

	s, created, err := pipe.EnsureSession(context.Background(), "", "proj", agent.Options{})
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if !created || s.ID == "" {
		t.Fatal("expected a freshly created session with a generated id")
	}

	rec := &recorder{}
	if err := pipe.Run(context.Background(), s, "hi", rec); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{"processing", "content", "content", "tool_use", "tool_result", "result"}
	if !reflect.DeepEqual(rec.types(), want) {
		t.Fatalf("event types = %v, want %v", rec.types(), want)
	}

	if rec.events[1].Content != "hello there " || rec.events[2].Content != "my friend " {
		t.Errorf("content chunks = %q, %q", rec.events[1].Content, rec.events[2].Content)
	}
	for i, ev := range rec.events {
		if ev.SessionID != s.ID {
			t.Errorf("event %d session_id = %q, want %q", i, ev.SessionID, s.ID)
		}
	}
	last := rec.events[len(rec.events)-1]
	if last.InputTokens == nil || *last.InputTokens != 10 || *last.OutputTokens != 20 {
		t.Errorf("result usage = %+v", last)
	}

	h := s.History()
	if h.Messages != 1 || h.InputTokens != 10 || h.OutputTokens != 20 {
		t.Errorf("history = %+v", h)
	}
}

func TestFailureEmitsExactlyOneError(t *testing.T) {
	conn := &scriptedConn{queryErr: errors.New("agent exploded"), healthy: true}
	pipe, _, _ := newTestPipeline(conn)

	s, _, err := pipe.EnsureSession(context.Background(), "", "proj", agent.Options{})
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	rec := &recorder{}
	if err := pipe.Run(context.Background(), s, "hi", rec); err == nil {
		t.Fatal("expected turn failure")
	}

	var errorEvents, resultEvents int
	for _, ev := range rec.events {
		switch ev.Type {
		case "error":
			errorEvents++
			if ev.Error == "" || ev.Timestamp == "" {
				t.Errorf("error event missing fields: %+v", ev)
			}
		case "result":
			resultEvents++
		}
	}
	if errorEvents != 1 || resultEvents != 0 {
		t.Errorf("errors=%d results=%d, want exactly one error and no result", errorEvents, resultEvents)
	}
	if s.Metrics().ConnectionErrors != 1 {
		t.Errorf("connection errors = %d, want 1", s.Metrics().ConnectionErrors)
	}
}

func TestCancellationEmitsNoTerminalEvent(t *testing.T) {
	conn := &scriptedConn{healthy: true}
	// Query succeeds but the stream never produces events.
	conn.script = nil
	pipe, _, _ := newTestPipeline(conn)

	s, _, err := pipe.EnsureSession(context.Background(), "", "proj", agent.Options{})
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	// The scripted connection closes its channel immediately with no
	// Result, so pre-cancel the context to model a client disconnect
	// observed before the stream ends.
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	blockingConn := &blockingScriptConn{healthy: true, release: make(chan struct{})}
	s.Conn.Conn = blockingConn
	runErr := pipe.Run(ctx, s, "hi", rec)
	close(blockingConn.release)

	if !errors.Is(runErr, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", runErr)
	}
	for _, ev := range rec.events {
		if ev.Type == "error" || ev.Type == "result" {
			t.Errorf("terminal event %q emitted after cancellation", ev.Type)
		}
	}
}

type blockingScriptConn struct {
	healthy bool
	release chan struct{}
	events  chan agent.Event
}

func (c *blockingScriptConn) Connect(ctx context.Context) error { return nil }
func (c *blockingScriptConn) Query(ctx context.Context, prompt, sessionID string) error {
	c.events = make(chan agent.Event)
	go func() {
		<-c.release
		close(c.events)
	}()
	return nil
}
func (c *blockingScriptConn) Events() <-chan agent.Event           { return c.events }
func (c *blockingScriptConn) Interrupt(ctx context.Context) error  { return nil }
func (c *blockingScriptConn) Disconnect(ctx context.Context) error { return nil }
func (c *blockingScriptConn) Healthy() bool                        { return c.healthy }

func TestCancelledTurnDiscardsConnection(t *testing.T) {
	conn := &blockingScriptConn{healthy: true, release: make(chan struct{})}
	pipe, _, pl := newPipelineFor(conn, 5*time.Second)

	s, _, err := pipe.EnsureSession(context.Background(), "", "proj", agent.Options{})
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	runErr := pipe.Run(ctx, s, "hi", &recorder{})
	close(conn.release)

	if !errors.Is(runErr, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", runErr)
	}
	// The upstream stream was abandoned before its result frame; reusing
	// the connection would leave the next turn reading stale events.
	if s.Conn != nil {
		t.Error("connection must be discarded when the turn abandons its stream")
	}
	if st := pl.Status(); st.CheckedOut != 0 || st.Idle != 0 {
		t.Errorf("pool status = %+v, abandoned connection must not return to the pool", st)
	}
}

func TestDeadlineExpiryDiscardsConnection(t *testing.T) {
	conn := &blockingScriptConn{healthy: true, release: make(chan struct{})}
	pipe, _, pl := newPipelineFor(conn, 30*time.Millisecond)

	s, _, err := pipe.EnsureSession(context.Background(), "", "proj", agent.Options{})
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	rec := &recorder{}
	runErr := pipe.Run(context.Background(), s, "hi", rec)
	close(conn.release)

	if runErr == nil || !strings.Contains(runErr.Error(), "deadline") {
		t.Fatalf("run error = %v, want turn deadline failure", runErr)
	}
	var errorEvents int
	for _, ev := range rec.events {
		if ev.Type == "error" {
			errorEvents++
		}
	}
	if errorEvents != 1 {
		t.Errorf("error events = %d, want exactly 1", errorEvents)
	}
	if s.Conn != nil {
		t.Error("connection must be discarded after a deadline expiry mid-stream")
	}
	if st := pl.Status(); st.CheckedOut != 0 || st.Idle != 0 {
		t.Errorf("pool status = %+v", st)
	}
}

func TestUnhealthyConnectionDiscardedAfterTurn(t *testing.T) {
	conn := &scriptedConn{script: happyScript(), healthy: false}
	pipe, _, pl := newTestPipeline(conn)

	s, _, err := pipe.EnsureSession(context.Background(), "", "proj", agent.Options{})
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	rec := &recorder{}
	if err := pipe.Run(context.Background(), s, "hi", rec); err != nil {
		t.Fatalf("run: %v", err)
	}

	if s.Conn != nil {
		t.Error("unhealthy connection should have been discarded from the session")
	}
	if st := pl.Status(); st.CheckedOut != 0 {
		t.Errorf("pool status = %+v", st)
	}
}

func TestEnsureSessionReusesExisting(t *testing.T) {
	conn := &scriptedConn{script: happyScript(), healthy: true}
	pipe, _, _ := newTestPipeline(conn)

	s1, created, _ := pipe.EnsureSession(context.Background(), "", "proj", agent.Options{})
	if !created {
		t.Fatal("first ensure should create")
	}
	s2, created, _ := pipe.EnsureSession(context.Background(), s1.ID, "proj", agent.Options{})
	if created || s2 != s1 {
		t.Error("second ensure should return the same session")
	}
}

func TestUpdateConfigPreservesHistory(t *testing.T) {
	conn := &scriptedConn{script: happyScript(), healthy: true}
	pipe, registry, _ := newTestPipeline(conn)

	s, _, _ := pipe.EnsureSession(context.Background(), "", "proj", agent.Options{Model: "a"})
	s.RecordUsage(5, 6, 0.001)
	old := s.History()

	updated, err := pipe.UpdateConfig(context.Background(), s.ID, agent.Options{Model: "b"})
	if err != nil {
		t.Fatalf("update config: %v", err)
	}
	if updated.Options.Model != "b" {
		t.Errorf("model = %q", updated.Options.Model)
	}
	if updated.History() != old {
		t.Errorf("history = %+v, want %+v", updated.History(), old)
	}
	if got, _ := registry.Get(s.ID); got != updated {
		t.Error("registry should hold the recreated session")
	}
}

func TestDestroySessionReturnsConnection(t *testing.T) {
	conn := &scriptedConn{script: happyScript(), healthy: true}
	pipe, registry, pl := newTestPipeline(conn)

	s, _, _ := pipe.EnsureSession(context.Background(), "", "proj", agent.Options{})
	if err := pipe.DestroySession(context.Background(), s.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if registry.Len() != 0 {
		t.Error("session still registered")
	}
	if st := pl.Status(); st.CheckedOut != 0 || st.Idle != 1 {
		t.Errorf("pool status = %+v, want connection back in idle", st)
	}
}

func TestChunkWords(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"one", []string{"one "}},
		{"one two", []string{"one two "}},
		{"one two three", []string{"one two ", "three "}},
		{"a b c d e", []string{"a b ", "c d ", "e "}},
	}
	for _, tc := range cases {
		if got := ChunkWords(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ChunkWords(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMemoryToggleWithoutService(t *testing.T) {
	conn := &scriptedConn{healthy: true}
	pipe, _, _ := newTestPipeline(conn)
	if pipe.MemoryEnabled() {
		t.Error("memory must be disabled without a service")
	}
	if pipe.ToggleMemory() {
		t.Error("toggle on a nil service must stay disabled")
	}
}

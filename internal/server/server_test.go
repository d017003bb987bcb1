package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/graphmind/agent-gateway/internal/agent"
	"github.com/graphmind/agent-gateway/internal/breaker"
	"github.com/graphmind/agent-gateway/internal/cache"
	"github.com/graphmind/agent-gateway/internal/config"
	"github.com/graphmind/agent-gateway/internal/health"
	"github.com/graphmind/agent-gateway/internal/logger"
	"github.com/graphmind/agent-gateway/internal/pool"
	"github.com/graphmind/agent-gateway/internal/ratelimit"
	"github.com/graphmind/agent-gateway/internal/session"
	"github.com/graphmind/agent-gateway/internal/turn"
)

type scriptedConn struct {
	script []agent.Event
	events chan agent.Event
}

func (c *scriptedConn) Connect(ctx context.Context) error { return nil }
func (c *scriptedConn) Query(ctx context.Context, prompt, sessionID string) error {
	c.events = make(chan agent.Event, len(c.script))
	for _, ev := range c.script {
		c.events <- ev
	}
	close(c.events)
	return nil
}
func (c *scriptedConn) Events() <-chan agent.Event           { return c.events }
func (c *scriptedConn) Interrupt(ctx context.Context) error  { return nil }
func (c *scriptedConn) Disconnect(ctx context.Context) error { return nil }
func (c *scriptedConn) Healthy() bool                        { return true }

func newTestServer(t *testing.T, perMinute int) *Server {
	t.Helper()

	cfg := &config.Config{
		Port:    "0",
		GinMode: "test",
		Pool: config.PoolConfig{
			MaxSize:        4,
			MaxAge:         time.Hour,
			MaxUses:        100,
			HealthInterval: time.Hour,
			ConnectTimeout: time.Second,
		},
		Sessions: config.SessionsConfig{Max: 10, CreateTimeout: 5 * time.Second, DestroyTimeout: 5 * time.Second},
		Cache:    config.CacheConfig{MaxSize: 100, DefaultTTL: time.Minute, CompressionThreshold: 1024},
		Rate:     config.RateConfig{RequestsPerMinute: perMinute, BurstSize: 1000},
		Breaker:  config.BreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Minute, SuccessThreshold: 2},
		Turn:     config.TurnConfig{Deadline: 5 * time.Second},
	}

	log := logger.New(logger.Config{Level: 8, Format: "text"})
	registry := session.NewRegistry(cfg.Sessions.Max)
	dialer := func(opts agent.Options) agent.Connection {
		return &scriptedConn{script: []agent.Event{
			agent.AssistantText{Text: "hello world again"},
			agent.Result{InputTokens: 3, OutputTokens: 7, CostUSD: 0.001},
		}}
	}
	p := pool.New(cfg.Pool, dialer, log)
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	})
	sharedCache := cache.New(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL, cfg.Cache.CompressionThreshold)
	limiter := ratelimit.New(cfg.Rate.RequestsPerMinute, cfg.Rate.BurstSize)
	pipeline := turn.New(registry, p, nil, breakers, cfg.Turn.Deadline, log)

	return New(cfg, log, registry, p, pipeline, limiter, breakers, sharedCache, health.New())
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func sseEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev); err != nil {
			t.Fatalf("bad frame %q: %v", frame, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestChatHappyPath(t *testing.T) {
	router := newTestServer(t, 1000).Router()
	rec := doJSON(t, router, "POST", "/api/chat", `{"message": "hi", "project_id": "p1"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	events := sseEvents(t, rec.Body.String())

	var types []string
	var sessionID string
	for _, ev := range events {
		types = append(types, ev["type"].(string))
		if ev["type"] == "session_created" {
			sessionID = ev["session_id"].(string)
		}
	}
	want := []string{"session_created", "processing", "content", "content", "result", "done"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	if sessionID == "" {
		t.Fatal("session_created carried no session_id")
	}
	for _, ev := range events[1:] {
		if ev["session_id"] != sessionID {
			t.Errorf("event %v session_id mismatch, want %s", ev, sessionID)
		}
	}
}

func TestChatValidation(t *testing.T) {
	router := newTestServer(t, 1000).Router()

	if rec := doJSON(t, router, "POST", "/api/chat", `{"project_id": "p"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing message: status = %d", rec.Code)
	}
	if rec := doJSON(t, router, "POST", "/api/chat", `{"message": "hi", "project_id": "p", "session_id": "nope"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad session id: status = %d", rec.Code)
	}
}

func TestChatSanitizesInjection(t *testing.T) {
	srv := newTestServer(t, 1000)
	router := srv.Router()
	rec := doJSON(t, router, "POST", "/api/chat", `{"message": "<script>alert(1)</script> hi", "project_id": "p"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	// The turn ran; the sanitized message cannot be observed from the
	// response, but the request must not be rejected and must complete.
	events := sseEvents(t, rec.Body.String())
	if events[len(events)-1]["type"] != "done" {
		t.Errorf("stream did not terminate with done: %v", events)
	}
}

func TestSessionLifecycle(t *testing.T) {
	router := newTestServer(t, 1000).Router()

	rec := doJSON(t, router, "POST", "/api/sessions", `{"project_id": "p1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	id := created["session_id"].(string)
	if created["status"] != "created" || id == "" {
		t.Fatalf("create body = %v", created)
	}

	// Duplicate create conflicts.
	if rec := doJSON(t, router, "POST", "/api/sessions", `{"project_id": "p1", "session_id": "`+id+`"}`); rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d", rec.Code)
	}

	rec = doJSON(t, router, "GET", "/api/sessions", "")
	var list map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if list["total"].(float64) != 1 {
		t.Errorf("list = %v", list)
	}

	rec = doJSON(t, router, "DELETE", "/api/sessions/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := doJSON(t, router, "DELETE", "/api/sessions/"+id, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	router := newTestServer(t, 2).Router()

	for i := 0; i < 2; i++ {
		if rec := doJSON(t, router, "GET", "/api/sessions", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := doJSON(t, router, "GET", "/api/sessions", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("body = %v", body)
	}
	retry := body["retry_after_seconds"].(float64)
	if retry < 1 || retry > 60 {
		t.Errorf("retry_after_seconds = %v", retry)
	}
}

func TestSecurityHeaders(t *testing.T) {
	router := newTestServer(t, 1000).Router()
	rec := doJSON(t, router, "GET", "/api/sessions", "")

	checks := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	}
	for header, want := range checks {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Error("missing CSP header")
	}

	chat := doJSON(t, router, "POST", "/api/chat", `{"message": "hi", "project_id": "p"}`)
	if got := chat.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("stream Cache-Control = %q, want no-cache", got)
	}
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestServer(t, 1000).Router()

	rec := doJSON(t, router, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var basic map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &basic)
	if basic["status"] != "healthy" {
		t.Errorf("health body = %v", basic)
	}

	rec = doJSON(t, router, "GET", "/health/detailed", "")
	var detailed map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &detailed)
	if detailed["components"] == nil {
		t.Errorf("detailed body = %v", detailed)
	}

	rec = doJSON(t, router, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}

func TestSessionReuseAccumulatesHistory(t *testing.T) {
	srv := newTestServer(t, 1000)
	router := srv.Router()

	rec := doJSON(t, router, "POST", "/api/chat", `{"message": "first", "project_id": "p"}`)
	events := sseEvents(t, rec.Body.String())
	id := events[0]["session_id"].(string)

	rec = doJSON(t, router, "POST", "/api/chat", `{"message": "second", "project_id": "p", "session_id": "`+id+`"}`)
	for _, ev := range sseEvents(t, rec.Body.String()) {
		if ev["type"] == "session_created" {
			t.Error("second turn on an existing session must not re-create it")
		}
	}

	s, ok := srv.registry.Get(id)
	if !ok {
		t.Fatal("session gone")
	}
	if h := s.History(); h.Messages != 2 {
		t.Errorf("messages = %d, want 2 after two turns", h.Messages)
	}
}

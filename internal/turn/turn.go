// Package turn orchestrates one user-message turn end-to-end: session
// ensure, memory enrichment, circuit-guarded dispatch, event streaming, and
// memory commit.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/graphmind/agent-gateway/internal/agent"
	"github.com/graphmind/agent-gateway/internal/breaker"
	"github.com/graphmind/agent-gateway/internal/logger"
	"github.com/graphmind/agent-gateway/internal/memory"
	"github.com/graphmind/agent-gateway/internal/pool"
	"github.com/graphmind/agent-gateway/internal/session"
)

// Event is one outbound frame of the turn stream. Fields are omitted when
// empty so each event type carries exactly its required keys.
type Event struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"session_id,omitempty"`
	Content      string   `json:"content,omitempty"`
	Name         string   `json:"name,omitempty"`
	ID           string   `json:"id,omitempty"`
	ToolID       string   `json:"tool_id,omitempty"`
	InputTokens  *int     `json:"input_tokens,omitempty"`
	OutputTokens *int     `json:"output_tokens,omitempty"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
	Error        string   `json:"error,omitempty"`
	Timestamp    string   `json:"timestamp,omitempty"`
}

// Emitter delivers events to the client transport.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Request is one validated user turn.
type Request struct {
	Message   string
	SessionID string // empty means the gateway chooses one
	ProjectID string
	Options   agent.Options
}

// Pipeline drives turns against the shared components. One Pipeline serves
// all sessions; per-turn state lives on the stack.
type Pipeline struct {
	registry *session.Registry
	pool     *pool.Pool
	memory   *memory.Service // nil when disabled
	breakers *breaker.Manager
	deadline time.Duration
	log      *logger.Logger

	memoryOff atomic.Bool
}

// New builds a pipeline. mem may be nil.
func New(registry *session.Registry, p *pool.Pool, mem *memory.Service, breakers *breaker.Manager, deadline time.Duration, log *logger.Logger) *Pipeline {
	return &Pipeline{
		registry: registry,
		pool:     p,
		memory:   mem,
		breakers: breakers,
		deadline: deadline,
		log:      log.WithComponent("turn"),
	}
}

// EnsureSession locates or creates the session for a turn, acquiring a
// pooled connection when needed. Returns the session and whether it was
// created now.
func (p *Pipeline) EnsureSession(ctx context.Context, id, projectID string, opts agent.Options) (*session.Session, bool, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if s, ok := p.registry.Get(id); ok {
		if s.Conn == nil {
			pc, err := p.pool.Acquire(ctx, s.Options)
			if err != nil {
				return nil, false, err
			}
			s.Conn = pc
		}
		s.Touch()
		return s, false, nil
	}

	pc, err := p.pool.Acquire(ctx, opts)
	if err != nil {
		return nil, false, err
	}
	s, err := p.registry.Register(id, projectID, opts, pc)
	if err != nil {
		p.pool.Release(pc)
		return nil, false, err
	}
	return s, true, nil
}

// DestroySession unregisters a session and returns its connection to the
// pool.
func (p *Pipeline) DestroySession(ctx context.Context, id string) error {
	s, err := p.registry.Unregister(id)
	if err != nil {
		return err
	}
	if s.Conn != nil {
		p.pool.Release(s.Conn)
		s.Conn = nil
	}
	return nil
}

// Run executes one turn against an already-ensured session, emitting the
// canonical event sequence. On cancellation no terminal event is emitted;
// on any other failure exactly one error event is.
func (p *Pipeline) Run(ctx context.Context, s *session.Session, message string, emit Emitter) error {
	turnID := uuid.New().String()
	ctx = logger.WithTurnID(logger.WithSessionID(ctx, s.ID), turnID)
	log := p.log.WithContext(ctx)

	if err := s.BeginTurn(ctx); err != nil {
		return err
	}
	defer s.EndTurn()
	s.Touch()

	prompt := p.enrich(ctx, s, message)

	if err := emit.Emit(ctx, Event{Type: "processing", SessionID: s.ID}); err != nil {
		return err
	}

	response, drained, err := p.dispatchAndStream(ctx, s, prompt, emit)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("turn cancelled by client")
			p.finishTurn(s, drained)
			return err
		}
		s.RecordError()
		log.LogError(ctx, err, "turn failed")
		_ = emit.Emit(ctx, Event{
			Type:      "error",
			SessionID: s.ID,
			Error:     err.Error(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		p.finishTurn(s, drained)
		return err
	}

	// COMMIT is best-effort and unbounded by the turn deadline.
	if p.MemoryEnabled() && response != "" {
		p.memory.SaveInteraction(context.WithoutCancel(ctx), message, response, s.ID)
	}

	p.finishTurn(s, drained)
	return nil
}

// enrich composes the prompt from queued context lines and graph memory.
// Enrichment failures fall through to the raw message.
func (p *Pipeline) enrich(ctx context.Context, s *session.Session, message string) string {
	var parts []string
	if lines := s.DrainContext(); len(lines) > 0 {
		parts = append(parts, strings.Join(lines, "\n"))
	}
	if p.MemoryEnabled() {
		message = memory.ComposePrompt(p.memory.UserContext(ctx, message), message)
	}
	parts = append(parts, message)
	return strings.Join(parts, "\n")
}

// MemoryEnabled reports whether enrichment and write-back are active.
func (p *Pipeline) MemoryEnabled() bool {
	return p.memory != nil && !p.memoryOff.Load()
}

// ToggleMemory flips memory integration at runtime and returns the new
// enabled state. A nil memory service stays disabled.
func (p *Pipeline) ToggleMemory() bool {
	if p.memory == nil {
		return false
	}
	p.memoryOff.Store(!p.memoryOff.Load())
	return p.MemoryEnabled()
}

// UpdateConfig replays a session config change as destroy + recreate,
// preserving accumulated history.
func (p *Pipeline) UpdateConfig(ctx context.Context, id string, opts agent.Options) (*session.Session, error) {
	old, err := p.registry.Unregister(id)
	if err != nil {
		return nil, err
	}
	if old.Conn != nil {
		p.pool.Release(old.Conn)
		old.Conn = nil
	}

	pc, err := p.pool.Acquire(ctx, opts)
	if err != nil {
		return nil, err
	}
	s, err := p.registry.Register(id, old.ProjectID, opts, pc)
	if err != nil {
		p.pool.Release(pc)
		return nil, err
	}
	s.RestoreHistory(old.History())
	return s, nil
}

// streamResult carries the accumulated assistant text and whether the
// upstream stream was consumed through its terminal frame. An abandoned
// stream leaves the driver mid-turn, so its connection must not be reused.
type streamResult struct {
	text    string
	drained bool
}

func (p *Pipeline) dispatchAndStream(ctx context.Context, s *session.Session, prompt string, emit Emitter) (string, bool, error) {
	tctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	brk := p.breakers.Get("agent")
	v, err := brk.Execute(func() (any, error) {
		return p.stream(tctx, s, prompt, emit)
	})
	res, ok := v.(streamResult)
	drained := !ok || res.drained
	if err != nil {
		// Deadline expiry on the turn context is a turn failure, not a
		// client cancellation.
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return "", drained, fmt.Errorf("turn aborted: %w", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", drained, fmt.Errorf("turn deadline exceeded after %s", p.deadline)
		}
		return "", drained, err
	}
	return res.text, drained, nil
}

// stream drives one query and relays the upstream event sequence.
func (p *Pipeline) stream(ctx context.Context, s *session.Session, prompt string, emit Emitter) (streamResult, error) {
	conn := s.Conn
	if conn == nil {
		return streamResult{drained: true}, errors.New("session has no connection")
	}

	if err := conn.Conn.Query(ctx, prompt, s.ID); err != nil {
		return streamResult{drained: true}, fmt.Errorf("dispatch query: %w", err)
	}

	var full strings.Builder
	events := conn.Conn.Events()
	for {
		select {
		case <-ctx.Done():
			return streamResult{text: full.String()}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return streamResult{text: full.String(), drained: true}, errors.New("upstream stream ended without result")
			}
			switch e := ev.(type) {
			case agent.AssistantText:
				full.WriteString(e.Text)
				for _, chunk := range ChunkWords(e.Text) {
					if err := emit.Emit(ctx, Event{Type: "content", Content: chunk, SessionID: s.ID}); err != nil {
						return streamResult{text: full.String()}, err
					}
				}
			case agent.ToolUse:
				if err := emit.Emit(ctx, Event{Type: "tool_use", Name: e.Name, ID: e.ID, SessionID: s.ID}); err != nil {
					return streamResult{text: full.String()}, err
				}
			case agent.ToolResult:
				if err := emit.Emit(ctx, Event{Type: "tool_result", ToolID: e.ToolUseID, Content: e.Content, SessionID: s.ID}); err != nil {
					return streamResult{text: full.String()}, err
				}
			case agent.Result:
				if e.Err != nil {
					return streamResult{text: full.String(), drained: true}, fmt.Errorf("upstream failure: %w", e.Err)
				}
				s.RecordUsage(e.InputTokens, e.OutputTokens, e.CostUSD)
				out := Event{Type: "result", SessionID: s.ID}
				in, outTok, cost := e.InputTokens, e.OutputTokens, e.CostUSD
				out.InputTokens = &in
				out.OutputTokens = &outTok
				out.CostUSD = &cost
				if err := emit.Emit(ctx, out); err != nil {
					return streamResult{text: full.String(), drained: true}, err
				}
				return streamResult{text: full.String(), drained: true}, nil
			}
		}
	}
}

// finishTurn settles the session's connection after a turn. A stream
// abandoned before its terminal frame leaves the driver mid-turn, so the
// connection is discarded; otherwise only unhealthy connections are.
func (p *Pipeline) finishTurn(s *session.Session, drained bool) {
	if s.Conn == nil {
		return
	}
	if !drained || !s.Conn.Conn.Healthy() {
		p.pool.Discard(s.Conn)
		s.Conn = nil
	}
}

// ChunkWords splits text into two-word chunks with a trailing space,
// preserving the typing illusion while bounding message count.
func ChunkWords(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	for i := 0; i < len(words); i += 2 {
		end := i + 2
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[i:end], " ")+" ")
	}
	return chunks
}

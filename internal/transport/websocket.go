package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/graphmind/agent-gateway/internal/agent"
	"github.com/graphmind/agent-gateway/internal/logger"
	"github.com/graphmind/agent-gateway/internal/session"
	"github.com/graphmind/agent-gateway/internal/turn"
	"github.com/graphmind/agent-gateway/internal/validate"
)

// inbound is one client WebSocket frame.
type inbound struct {
	Type    string         `json:"type"`
	Message string         `json:"message,omitempty"`
	Command string         `json:"command,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Context string         `json:"context,omitempty"`
}

// WSSession serves one advanced WebSocket connection bound to a session id.
type WSSession struct {
	conn      *websocket.Conn
	sessionID string
	projectID string
	options   agent.Options
	pipeline  *turn.Pipeline
	registry  *session.Registry
	log       *logger.Logger

	writeCh    chan any
	cancelTurn context.CancelFunc
}

// NewWSSession wraps an upgraded connection.
func NewWSSession(conn *websocket.Conn, sessionID, projectID string, opts agent.Options, pipeline *turn.Pipeline, registry *session.Registry, log *logger.Logger) *WSSession {
	return &WSSession{
		conn:      conn,
		sessionID: sessionID,
		projectID: projectID,
		options:   opts,
		pipeline:  pipeline,
		registry:  registry,
		log:       log.WithComponent("ws").WithFields(map[string]any{"session_id": sessionID}),
		writeCh:   make(chan any, 64),
	}
}

// Emit implements turn.Emitter over the socket. A full write queue blocks
// the turn rather than dropping frames, so a slow client stalls its own
// stream and every emitted event is either delivered or reported as an
// error.
func (w *WSSession) Emit(ctx context.Context, ev turn.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.send(ctx, ev)
}

func (w *WSSession) send(ctx context.Context, v any) error {
	select {
	case w.writeCh <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WSSession) sendError(ctx context.Context, msg string) {
	_ = w.send(ctx, map[string]any{
		"type":       "error",
		"error":      msg,
		"session_id": w.sessionID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// Run drives the read loop until the client disconnects.
func (w *WSSession) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go w.writeLoop(ctx)

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.Warn("websocket closed unexpectedly", "error", err)
			}
			if w.cancelTurn != nil {
				w.cancelTurn()
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			w.sendError(ctx, "malformed message")
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *WSSession) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-w.writeCh:
			if err := w.conn.WriteJSON(v); err != nil {
				w.log.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (w *WSSession) handle(ctx context.Context, msg inbound) {
	switch msg.Type {
	case "ping":
		_ = w.send(ctx, map[string]any{"type": "pong", "timestamp": time.Now().UTC().Format(time.RFC3339)})

	case "query":
		w.handleQuery(ctx, msg.Message)

	case "context":
		if s, ok := w.registry.Get(w.sessionID); ok {
			s.AddContext(msg.Context)
			_ = w.send(ctx, map[string]any{"type": "context_added", "session_id": w.sessionID})
		} else {
			w.sendError(ctx, "no active session")
		}

	case "interrupt":
		w.handleInterrupt(ctx)

	case "command":
		w.handleCommand(ctx, msg)

	default:
		w.sendError(ctx, "unknown message type: "+msg.Type)
	}
}

func (w *WSSession) handleQuery(ctx context.Context, message string) {
	sanitized, err := validate.Message(message)
	if err != nil {
		w.sendError(ctx, err.Error())
		return
	}

	s, _, err := w.pipeline.EnsureSession(ctx, w.sessionID, w.projectID, w.options)
	if err != nil {
		w.sendError(ctx, err.Error())
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	w.cancelTurn = cancel
	go func() {
		defer cancel()
		err := w.pipeline.Run(turnCtx, s, sanitized, w)
		if err == nil || turnCtx.Err() == nil {
			_ = w.send(ctx, map[string]any{"type": "done", "session_id": w.sessionID})
		}
	}()
}

func (w *WSSession) handleInterrupt(ctx context.Context) {
	s, ok := w.registry.Get(w.sessionID)
	if !ok || s.Conn == nil {
		w.sendError(ctx, "no active session to interrupt")
		return
	}
	ictx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Conn.Conn.Interrupt(ictx); err != nil {
		w.log.Warn("interrupt failed", "error", err)
	}
	if w.cancelTurn != nil {
		w.cancelTurn()
	}
	_ = w.send(ctx, map[string]any{"type": "interrupted", "session_id": w.sessionID})
}

func (w *WSSession) handleCommand(ctx context.Context, msg inbound) {
	switch msg.Command {
	case "add_context":
		content, _ := msg.Args["content"].(string)
		if s, ok := w.registry.Get(w.sessionID); ok {
			s.AddContext(content)
			_ = w.send(ctx, map[string]any{"type": "command_result", "command": "add_context", "status": "ok"})
		} else {
			w.sendError(ctx, "no active session")
		}

	case "clear_history":
		if s, ok := w.registry.Get(w.sessionID); ok {
			s.ClearHistory()
			_ = w.send(ctx, map[string]any{"type": "command_result", "command": "clear_history", "status": "ok"})
		} else {
			w.sendError(ctx, "no active session")
		}

	case "get_status":
		s, ok := w.registry.Get(w.sessionID)
		if !ok {
			w.sendError(ctx, "no active session")
			return
		}
		_ = w.send(ctx, map[string]any{
			"type":           "status",
			"session_id":     w.sessionID,
			"project_id":     s.ProjectID,
			"created_at":     s.CreatedAt.UTC().Format(time.RFC3339),
			"history":        s.History(),
			"metrics":        s.Metrics(),
			"memory_enabled": w.pipeline.MemoryEnabled(),
		})

	case "set_model":
		model, _ := msg.Args["model"].(string)
		if model == "" {
			w.sendError(ctx, "set_model requires a model argument")
			return
		}
		s, ok := w.registry.Get(w.sessionID)
		if !ok {
			w.sendError(ctx, "no active session")
			return
		}
		opts := s.Options
		opts.Model = model
		if _, err := w.pipeline.UpdateConfig(ctx, w.sessionID, opts); err != nil {
			w.sendError(ctx, err.Error())
			return
		}
		_ = w.send(ctx, map[string]any{"type": "command_result", "command": "set_model", "model": model, "status": "ok"})

	case "toggle_neo4j":
		enabled := w.pipeline.ToggleMemory()
		_ = w.send(ctx, map[string]any{"type": "command_result", "command": "toggle_neo4j", "memory_enabled": enabled})

	case "export_session":
		s, ok := w.registry.Get(w.sessionID)
		if !ok {
			w.sendError(ctx, "no active session")
			return
		}
		_ = w.send(ctx, map[string]any{
			"type":       "session_export",
			"session_id": s.ID,
			"project_id": s.ProjectID,
			"created_at": s.CreatedAt.UTC().Format(time.RFC3339),
			"options": map[string]any{
				"model":           s.Options.Model,
				"temperature":     s.Options.Temperature,
				"system_prompt":   s.Options.SystemPrompt,
				"allowed_tools":   s.Options.AllowedTools,
				"permission_mode": s.Options.PermissionMode,
				"working_dir":     s.Options.WorkingDir,
				"max_turns":       s.Options.MaxTurns,
			},
			"history": s.History(),
		})

	default:
		w.sendError(ctx, "unknown command: "+msg.Command)
	}
}

package server

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/graphmind/agent-gateway/internal/agent"
	"github.com/graphmind/agent-gateway/internal/errors"
	"github.com/graphmind/agent-gateway/internal/pool"
	"github.com/graphmind/agent-gateway/internal/transport"
	"github.com/graphmind/agent-gateway/internal/validate"
)

type chatRequest struct {
	Message   string         `json:"message" binding:"required"`
	SessionID string         `json:"session_id"`
	ProjectID string         `json:"project_id" binding:"required"`
	Config    *sessionConfig `json:"config"`
}

type sessionConfig struct {
	Model          string   `json:"model"`
	Temperature    float64  `json:"temperature"`
	SystemPrompt   string   `json:"system_prompt"`
	AllowedTools   []string `json:"allowed_tools"`
	PermissionMode string   `json:"permission_mode"`
	WorkingDir     string   `json:"cwd"`
	MaxTurns       int      `json:"max_turns"`
}

func (sc *sessionConfig) options() agent.Options {
	if sc == nil {
		return agent.Options{}
	}
	return agent.Options{
		Model:          sc.Model,
		Temperature:    sc.Temperature,
		SystemPrompt:   sc.SystemPrompt,
		AllowedTools:   sc.AllowedTools,
		PermissionMode: sc.PermissionMode,
		WorkingDir:     sc.WorkingDir,
		MaxTurns:       sc.MaxTurns,
	}
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortBadRequest(c, "message and project_id are required")
		return
	}

	message, err := validate.Message(req.Message)
	if err != nil {
		errors.AbortBadRequest(c, err.Error())
		return
	}
	projectID, err := validate.ProjectID(req.ProjectID)
	if err != nil {
		errors.AbortBadRequest(c, err.Error())
		return
	}
	sessionID := req.SessionID
	if sessionID != "" {
		if sessionID, err = validate.SessionID(sessionID); err != nil {
			errors.AbortBadRequest(c, err.Error())
			return
		}
	}

	ctx := c.Request.Context()
	log := s.log.WithContext(ctx)

	sse, err := transport.NewSSEWriter(c)
	if err != nil {
		errors.AbortInternal(c, err, "streaming unsupported")
		return
	}
	defer sse.Close()
	sse.StartHeartbeat(ctx)

	createCtx, cancel := context.WithTimeout(ctx, s.cfg.Sessions.CreateTimeout)
	sess, created, err := s.pipeline.EnsureSession(createCtx, sessionID, projectID, req.Config.options())
	cancel()
	if err != nil {
		log.LogError(ctx, err, "failed to ensure session")
		_ = sse.EmitRaw(errorEvent(sessionID, userFacing(err)))
		_ = sse.EmitRaw(gin.H{"type": "done", "session_id": sessionID})
		return
	}
	if created {
		if err := sse.EmitRaw(gin.H{"type": "session_created", "session_id": sess.ID}); err != nil {
			return
		}
	}

	runErr := s.pipeline.Run(ctx, sess, message, sse)

	// done terminates the stream on both success and failure; only a
	// client cancellation suppresses it.
	if ctx.Err() == nil {
		_ = sse.EmitRaw(gin.H{"type": "done", "session_id": sess.ID})
	}
	if runErr != nil && !stderrors.Is(runErr, context.Canceled) {
		log.LogError(ctx, runErr, "chat turn failed",
			"classified", errors.Classify(runErr, "/api/chat"))
	}
}

func errorEvent(sessionID, msg string) gin.H {
	return gin.H{
		"type":       "error",
		"error":      msg,
		"session_id": sessionID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
}

func userFacing(err error) string {
	switch {
	case stderrors.Is(err, pool.ErrPoolExhausted):
		return "no upstream capacity available, try again shortly"
	case stderrors.Is(err, errors.ErrTooManySessions):
		return "maximum concurrent sessions reached"
	default:
		return err.Error()
	}
}

type createSessionRequest struct {
	SessionID string         `json:"session_id"`
	ProjectID string         `json:"project_id" binding:"required"`
	Config    *sessionConfig `json:"config"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortBadRequest(c, "project_id is required")
		return
	}
	projectID, err := validate.ProjectID(req.ProjectID)
	if err != nil {
		errors.AbortBadRequest(c, err.Error())
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	} else if sessionID, err = validate.SessionID(sessionID); err != nil {
		errors.AbortBadRequest(c, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Sessions.CreateTimeout)
	defer cancel()

	pc, err := s.pool.Acquire(ctx, req.Config.options())
	if err != nil {
		if stderrors.Is(err, pool.ErrPoolExhausted) {
			errors.AbortServiceUnavailable(c, "no upstream capacity available")
			return
		}
		errors.AbortInternal(c, err, "failed to connect upstream")
		return
	}
	if _, err := s.registry.Register(sessionID, projectID, req.Config.options(), pc); err != nil {
		s.pool.Release(pc)
		if stderrors.Is(err, errors.ErrSessionExists) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"detail": "session already exists"})
			return
		}
		errors.AbortServiceUnavailable(c, err.Error())
		return
	}

	s.memoizer.InvalidateEndpoint("/api/sessions")
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"project_id": projectID,
		"status":     "created",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	sessionID, err := validate.SessionID(c.Param("id"))
	if err != nil {
		errors.AbortBadRequest(c, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Sessions.DestroyTimeout)
	defer cancel()

	if err := s.pipeline.DestroySession(ctx, sessionID); err != nil {
		errors.AbortNotFound(c, "session not found")
		return
	}
	s.memoizer.InvalidateEndpoint("/api/sessions")
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"status":     "deleted",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	endpoint := "/api/sessions"
	if cached, ok := s.memoizer.Get(endpoint, nil, nil); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	sessions := s.registry.List()
	items := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, gin.H{
			"session_id":     sess.ID,
			"project_id":     sess.ProjectID,
			"created_at":     sess.CreatedAt.UTC().Format(time.RFC3339),
			"messages_count": sess.History().Messages,
		})
	}
	resp := gin.H{"sessions": items, "total": len(items)}
	s.memoizer.Set(endpoint, nil, nil, resp)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	s.updateGauges()
	c.JSON(http.StatusOK, s.health.Basic())
}

func (s *Server) handleHealthDetailed(c *gin.Context) {
	s.updateGauges()
	c.JSON(http.StatusOK, s.health.Detailed(map[string]any{
		"pool":           s.pool.Status(),
		"sessions":       s.registry.Totals(),
		"rate_limiter":   s.limiter.Stats(),
		"circuits":       s.breakers.Snapshots(),
		"cache":          s.cache.Stats(),
		"memory_enabled": s.pipeline.MemoryEnabled(),
	}))
}

func (s *Server) updateGauges() {
	totals := s.registry.Totals()
	ps := s.pool.Status()
	cs := s.cache.Stats()
	s.health.SetGauges(totals.ActiveSessions, ps.Idle, ps.CheckedOut, cs.Hits, cs.Misses)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	sessionID, err := validate.SessionID(c.Param("session_id"))
	if err != nil {
		errors.AbortBadRequest(c, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	projectID := c.Query("project_id")
	if projectID == "" {
		projectID = "default"
	}

	ws := transport.NewWSSession(conn, sessionID, projectID, agent.Options{}, s.pipeline, s.registry, s.log)
	ws.Run(c.Request.Context())
}

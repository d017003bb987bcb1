// Package memory enriches turns with prior context from the labeled-property
// graph and writes each completed exchange back as a Learning node. Graph
// outages degrade silently: reads yield an empty context, writes log a
// warning. When no graph password is configured the service is nil and every
// call site skips it.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/graphmind/agent-gateway/internal/breaker"
	"github.com/graphmind/agent-gateway/internal/cache"
	"github.com/graphmind/agent-gateway/internal/config"
	"github.com/graphmind/agent-gateway/internal/logger"
)

const (
	maxMessageChars  = 500
	maxResponseChars = 1000
	maxKeywords      = 5
	maxMemories      = 3
	maxPatterns      = 2
)

// Context is the merged result of the enrichment queries.
type Context struct {
	UserProfile        map[string]any   `json:"user_profile"`
	RecentInteractions []map[string]any `json:"recent_interactions"`
	RelevantMemories   []map[string]any `json:"relevant_memories"`
	LearnedPatterns    []map[string]any `json:"learned_patterns"`
}

// Empty reports whether the context carries nothing worth rendering.
func (c Context) Empty() bool {
	return len(c.UserProfile) == 0 && len(c.RelevantMemories) == 0 && len(c.LearnedPatterns) == 0
}

// Service reads and writes the memory graph.
type Service struct {
	driver   neo4j.DriverWithContext
	database string
	log      *logger.Logger
	brk      *breaker.Breaker
	cache    *cache.Cache
}

// New connects to the graph store. Returns (nil, nil) when the password is
// unset, which disables memory integration for the whole gateway.
func New(cfg config.Neo4jConfig, brk *breaker.Breaker, readCache *cache.Cache, log *logger.Logger) (*Service, error) {
	if !cfg.MemoryEnabled() {
		log.Info("NEO4J_PASSWORD not set, memory integration disabled")
		return nil, nil
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create graph driver: %w", err)
	}
	return &Service{
		driver:   driver,
		database: cfg.Database,
		log:      log.WithComponent("memory"),
		brk:      brk,
		cache:    readCache,
	}, nil
}

// Close releases the driver.
func (s *Service) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// UserContext runs the profile, keyword, and pattern queries and merges the
// results. Failures return an empty context; nothing surfaces to the client.
func (s *Service) UserContext(ctx context.Context, query string) Context {
	keywords := Keywords(query)

	cacheKey := "memory:context:" + strings.Join(keywords, ",")
	if s.cache != nil {
		if v, ok := s.cache.Get(cacheKey); ok {
			if cached, err := contextFromCache(v); err == nil {
				return cached
			}
		}
	}

	v, err := s.brk.Execute(func() (any, error) {
		return s.queryContext(ctx, keywords)
	})
	if err != nil {
		s.log.Warn("context enrichment failed, continuing without memory", "error", err)
		return Context{}
	}
	result := v.(Context)

	if s.cache != nil && !result.Empty() {
		_ = s.cache.Set(cacheKey, result, 0, "memory")
	}
	return result
}

func (s *Service) queryContext(ctx context.Context, keywords []string) (Context, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer sess.Close(ctx)

	out := Context{}

	profile, err := sess.Run(ctx,
		`MATCH (u:User) RETURN u.name AS name, u.updated_at AS updated_at ORDER BY u.updated_at DESC LIMIT 1`,
		nil)
	if err != nil {
		return Context{}, err
	}
	if profile.Next(ctx) {
		rec := profile.Record()
		out.UserProfile = map[string]any{}
		if name, ok := rec.Get("name"); ok && name != nil {
			out.UserProfile["name"] = name
		}
	}

	if len(keywords) > 0 {
		memories, err := sess.Run(ctx,
			`MATCH (l:Learning)
			 WHERE any(kw IN $keywords WHERE
			     toLower(coalesce(l.name, '')) CONTAINS kw OR
			     toLower(coalesce(l.description, '')) CONTAINS kw OR
			     toLower(coalesce(l.task, '')) CONTAINS kw OR
			     toLower(coalesce(l.result, '')) CONTAINS kw)
			 RETURN l.name AS name, l.description AS description, l.summary AS summary
			 ORDER BY l.created_at DESC LIMIT 5`,
			map[string]any{"keywords": keywords})
		if err != nil {
			return Context{}, err
		}
		for memories.Next(ctx) {
			out.RelevantMemories = append(out.RelevantMemories, recordToMap(memories.Record()))
		}
	}

	patterns, err := sess.Run(ctx,
		`MATCH (p:Pattern) RETURN p.name AS name, p.description AS description ORDER BY p.weight DESC LIMIT 3`,
		nil)
	if err != nil {
		return Context{}, err
	}
	for patterns.Next(ctx) {
		out.LearnedPatterns = append(out.LearnedPatterns, recordToMap(patterns.Record()))
	}

	return out, nil
}

func recordToMap(rec *neo4j.Record) map[string]any {
	m := make(map[string]any, len(rec.Keys))
	for _, key := range rec.Keys {
		if v, ok := rec.Get(key); ok && v != nil {
			m[key] = v
		}
	}
	return m
}

// contextFromCache rebuilds a Context from the cache's JSON-decoded shape.
func contextFromCache(v any) (Context, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Context{}, err
	}
	var c Context
	if err := json.Unmarshal(b, &c); err != nil {
		return Context{}, err
	}
	return c, nil
}

// ComposePrompt renders the context as a short prefix before the original
// message. Empty blocks are omitted; the original message is returned
// untouched when there is nothing to add.
func ComposePrompt(c Context, message string) string {
	if c.Empty() {
		return message
	}

	var b strings.Builder
	if name, ok := c.UserProfile["name"].(string); ok && name != "" {
		fmt.Fprintf(&b, "User: %s\n", name)
	}
	if len(c.RelevantMemories) > 0 {
		b.WriteString("Relevant context:\n")
		for i, m := range c.RelevantMemories {
			if i >= maxMemories {
				break
			}
			b.WriteString("- " + memoryLine(m) + "\n")
		}
	}
	if len(c.LearnedPatterns) > 0 {
		b.WriteString("Known patterns:\n")
		for i, p := range c.LearnedPatterns {
			if i >= maxPatterns {
				break
			}
			b.WriteString("- " + memoryLine(p) + "\n")
		}
	}
	if b.Len() == 0 {
		return message
	}
	b.WriteString("---\n")
	b.WriteString(message)
	return b.String()
}

func memoryLine(m map[string]any) string {
	if s, ok := m["summary"].(string); ok && s != "" {
		return s
	}
	name, _ := m["name"].(string)
	desc, _ := m["description"].(string)
	switch {
	case name != "" && desc != "":
		return name + ": " + desc
	case name != "":
		return name
	default:
		return desc
	}
}

// SaveInteraction writes one completed turn as a Learning node and upserts a
// User node when the message announces a name. Best-effort: failures are
// logged, never surfaced.
func (s *Service) SaveInteraction(ctx context.Context, userMsg, assistantMsg, sessionID string) {
	userMsg = truncate(userMsg, maxMessageChars)
	assistantMsg = truncate(assistantMsg, maxResponseChars)

	entities, _ := json.Marshal(Entities(userMsg))

	_, err := s.brk.Execute(func() (any, error) {
		sess := s.driver.NewSession(ctx, neo4j.SessionConfig{
			DatabaseName: s.database,
			AccessMode:   neo4j.AccessModeWrite,
		})
		defer sess.Close(ctx)

		_, err := sess.Run(ctx,
			`CREATE (l:Learning {
			     session_id: $session_id,
			     message: $message,
			     response: $response,
			     entities: $entities,
			     summary: $summary,
			     category: $category,
			     created_at: datetime($created_at)
			 })`,
			map[string]any{
				"session_id": sessionID,
				"message":    userMsg,
				"response":   assistantMsg,
				"entities":   string(entities),
				"summary":    Summarize(userMsg),
				"category":   Categorize(userMsg),
				"created_at": time.Now().UTC().Format(time.RFC3339),
			})
		if err != nil {
			return nil, err
		}

		if name := AnnouncedName(userMsg); name != "" {
			_, err = sess.Run(ctx,
				`MERGE (u:User {name: $name}) SET u.updated_at = datetime($now)`,
				map[string]any{"name": name, "now": time.Now().UTC().Format(time.RFC3339)})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		s.log.Warn("failed to persist interaction", "session_id", sessionID, "error", err)
		return
	}

	// Writes invalidate cached context reads.
	if s.cache != nil {
		s.cache.InvalidateTag("memory")
	}
}

// truncate bounds s to n characters, cutting on a rune boundary so
// multi-byte text never persists as broken UTF-8.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

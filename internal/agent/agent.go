// Package agent defines the contract the gateway consumes from the upstream
// agent process. The real driver and test fakes both live behind Connection;
// the pipeline never sees driver payload shapes, only canonical events.
package agent

import (
	"context"
	"strings"
)

// Options configures one upstream connection for a session.
type Options struct {
	Model          string
	Temperature    float64
	SystemPrompt   string
	AllowedTools   []string
	PermissionMode string
	WorkingDir     string
	MaxTurns       int
}

// Connection is one live upstream agent connection. Implementations must be
// safe for use by one turn at a time; the pool enforces single ownership.
type Connection interface {
	// Connect establishes the connection. Callers bound it with a context
	// deadline.
	Connect(ctx context.Context) error

	// Query enqueues one user turn.
	Query(ctx context.Context, prompt, sessionID string) error

	// Events returns the response stream for the last Query. The channel
	// is closed after a Result event or a stream-level failure.
	Events() <-chan Event

	// Interrupt aborts the in-flight turn.
	Interrupt(ctx context.Context) error

	// Disconnect tears the connection down.
	Disconnect(ctx context.Context) error

	// Healthy is a bounded, side-effect-free probe.
	Healthy() bool
}

// Dialer produces new connections. The composition root injects the real
// driver; tests inject fakes.
type Dialer func(opts Options) Connection

// Event is the canonical tagged variant of upstream output. Exactly one of
// the concrete types below flows through the pipeline.
type Event interface {
	isEvent()
}

// AssistantText is one incremental chunk of model output.
type AssistantText struct {
	Text string
}

// ToolUse reports the model invoking a tool.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult reports a tool's output returning to the model.
type ToolResult struct {
	ToolUseID string
	Content   string
}

// Result terminates the stream with usage accounting.
type Result struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Err          error
}

func (AssistantText) isEvent() {}
func (ToolUse) isEvent()       {}
func (ToolResult) isEvent()    {}
func (Result) isEvent()        {}

// JoinText folds a list-shaped driver payload into a single string. Drivers
// call it at the boundary so the pipeline only sees canonical shapes.
func JoinText(parts []string) string {
	return strings.Join(parts, " ")
}

// FirstName picks the canonical tool name from a list-shaped payload.
func FirstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

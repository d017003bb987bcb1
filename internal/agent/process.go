package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/graphmind/agent-gateway/internal/logger"
)

// wireMessage is one newline-delimited JSON frame from the agent process.
// Text-like fields arrive either as a string or a list of strings; the
// coercion helpers fold them before events leave this package.
type wireMessage struct {
	Type         string          `json:"type"`
	Text         json.RawMessage `json:"text,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         json.RawMessage `json:"name,omitempty"`
	Input        map[string]any  `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	InputTokens  int             `json:"input_tokens,omitempty"`
	OutputTokens int             `json:"output_tokens,omitempty"`
	CostUSD      float64         `json:"total_cost_usd,omitempty"`
	Error        string          `json:"error,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
}

// ProcessConnection drives one agent subprocess over stdin/stdout JSON
// lines.
type ProcessConnection struct {
	command string
	args    []string
	opts    Options
	log     *logger.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Scanner
	alive     bool
	streaming bool

	events chan Event
	quit   chan struct{}
}

// NewProcessDialer returns a Dialer that spawns the given command per
// connection.
func NewProcessDialer(command string, args []string, log *logger.Logger) Dialer {
	return func(opts Options) Connection {
		return &ProcessConnection{
			command: command,
			args:    args,
			opts:    opts,
			log:     log.WithComponent("agent"),
		}
	}
}

// Connect spawns the subprocess and waits for its ready frame.
func (p *ProcessConnection) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.alive {
		return nil
	}

	args := append([]string{}, p.args...)
	if p.opts.Model != "" {
		args = append(args, "--model", p.opts.Model)
	}
	if p.opts.PermissionMode != "" {
		args = append(args, "--permission-mode", p.opts.PermissionMode)
	}
	if p.opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(p.opts.MaxTurns))
	}
	for _, tool := range p.opts.AllowedTools {
		args = append(args, "--allow-tool", tool)
	}

	cmd := exec.CommandContext(ctx, p.command, args...)
	if p.opts.WorkingDir != "" {
		cmd.Dir = p.opts.WorkingDir
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = scanner
	p.alive = true
	p.quit = make(chan struct{})

	if p.opts.SystemPrompt != "" {
		if err := p.write(map[string]any{"type": "system", "prompt": p.opts.SystemPrompt}); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProcessConnection) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		p.alive = false
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// Query enqueues one turn and starts the reader goroutine that feeds
// Events. The scanner admits one reader at a time: a Query issued while the
// previous stream is still open is refused.
func (p *ProcessConnection) Query(ctx context.Context, prompt, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive {
		return errors.New("agent connection not established")
	}
	if p.streaming {
		return errors.New("previous turn stream still open")
	}
	if err := p.write(map[string]any{"type": "query", "prompt": prompt, "session_id": sessionID}); err != nil {
		return err
	}

	p.events = make(chan Event, 16)
	p.streaming = true
	go p.readLoop(p.events, p.quit)
	return nil
}

// Events returns the stream started by the last Query.
func (p *ProcessConnection) Events() <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events
}

func (p *ProcessConnection) readLoop(out chan<- Event, quit <-chan struct{}) {
	defer func() {
		close(out)
		p.mu.Lock()
		p.streaming = false
		p.mu.Unlock()
	}()
	for p.stdout.Scan() {
		var msg wireMessage
		if err := json.Unmarshal(p.stdout.Bytes(), &msg); err != nil {
			p.log.Warn("skipping malformed agent frame", "error", err)
			continue
		}
		switch msg.Type {
		case "assistant_text":
			if !deliver(out, quit, AssistantText{Text: coerceText(msg.Text)}) {
				return
			}
		case "tool_use":
			if !deliver(out, quit, ToolUse{ID: msg.ID, Name: coerceName(msg.Name), Input: msg.Input}) {
				return
			}
		case "tool_result":
			if !deliver(out, quit, ToolResult{ToolUseID: msg.ToolUseID, Content: coerceText(msg.Content)}) {
				return
			}
		case "result":
			var err error
			if msg.Error != "" {
				err = errors.New(msg.Error)
			}
			deliver(out, quit, Result{
				InputTokens:  msg.InputTokens,
				OutputTokens: msg.OutputTokens,
				CostUSD:      msg.CostUSD,
				Err:          err,
			})
			return
		}
	}
	// Stream ended without a result frame; the pipeline treats the closed
	// channel as a protocol failure.
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()
}

// deliver sends one event unless the connection is being torn down. A
// consumer that abandons its stream discards the connection, which closes
// quit and lets the reader exit instead of blocking on a channel nobody
// reads.
func deliver(out chan<- Event, quit <-chan struct{}, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-quit:
		return false
	}
}

// Interrupt asks the process to abort the in-flight turn.
func (p *ProcessConnection) Interrupt(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive {
		return errors.New("agent connection not established")
	}
	return p.write(map[string]any{"type": "interrupt"})
}

// Disconnect closes stdin and waits for the process to exit.
func (p *ProcessConnection) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive {
		return nil
	}
	p.alive = false
	close(p.quit)
	_ = p.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		return ctx.Err()
	}
}

// Healthy reports whether the process is still running.
func (p *ProcessConnection) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive && p.cmd != nil && p.cmd.ProcessState == nil
}

// coerceText folds a string-or-list JSON payload into one string.
func coerceText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return JoinText(list)
	}
	return string(raw)
}

// coerceName folds a string-or-list name payload, taking the first element
// of a list.
func coerceName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return FirstName(list)
	}
	return string(raw)
}

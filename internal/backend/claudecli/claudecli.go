// ABOUTME: Backend adapter driving the Claude Code CLI as a per-turn subprocess.
// ABOUTME: Speaks the CLI's stream-json protocol, routing can_use_tool through DecisionFunc.

package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chatterhq/chatter-gateway/internal/backend"
)

// DefaultBinary is the CLI executable looked up on PATH when none is configured.
const DefaultBinary = "claude"

const maxScanLine = 1024 * 1024

// exitGrace bounds how long a finished turn waits for the CLI to exit after
// its stdin closes.
const exitGrace = 5 * time.Second

// Adapter runs one CLI process per turn. Conversation state lives in the
// CLI's own session storage; the continuation id we hand back is its session
// id, replayed through --resume on the next turn.
type Adapter struct {
	binary string
	logger *slog.Logger
}

// Option configures the adapter.
type Option func(*Adapter)

// WithBinary overrides the CLI executable path.
func WithBinary(path string) Option {
	return func(a *Adapter) { a.binary = path }
}

// WithLogger sets the adapter's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// New creates a CLI adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{binary: DefaultBinary, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "backend.claudecli")
	return a
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string { return "claudecli" }

// Shutdown implements backend.Adapter. Processes are per-turn and die with
// their turn contexts, so there is nothing adapter-wide to stop.
func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

// RunTurn implements backend.Adapter.
func (a *Adapter) RunTurn(ctx context.Context, req backend.TurnRequest) (<-chan backend.Event, error) {
	if req.Decide == nil {
		return nil, fmt.Errorf("turn request missing decision func")
	}

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--permission-prompt-tool", "stdio",
		"--verbose",
	}
	if req.ContinuationID != "" {
		args = append(args, "--resume", req.ContinuationID)
	}
	if req.Policy == "auto_approve" {
		args = append(args, "--permission-mode", "bypassPermissions")
	}

	cmd := exec.CommandContext(ctx, a.binary, args...)
	if req.ProjectRoot != "" {
		cmd.Dir = req.ProjectRoot
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", backend.ErrBackendUnavailable, a.binary, err)
	}
	a.logger.Debug("cli process started", "pid", cmd.Process.Pid, "resume", req.ContinuationID != "")

	t := &turn{
		adapter: a,
		req:     req,
		stdin:   stdin,
		events:  make(chan backend.Event),
		tools:   make(map[string]*toolRun),
	}

	if err := t.sendPrompt(req.Prompt); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("sending prompt: %w", err)
	}

	go func() {
		defer close(t.events)

		stderrCh := drainStderr(stderr)
		t.readOutput(ctx, stdout)

		// In stream-json input mode the CLI stays alive waiting for more
		// turns. Closing stdin tells it this one is over so Wait can return.
		t.closeStdin()

		if err := t.waitProcess(cmd); err != nil && ctx.Err() == nil && !t.completed {
			detail := <-stderrCh
			if detail == "" {
				detail = err.Error()
			}
			t.emit(ctx, backend.Event{
				Type: backend.EventFailed,
				Err:  fmt.Errorf("cli exited: %s", strings.TrimSpace(detail)),
			})
		}
	}()

	return t.events, nil
}

// toolRun tracks an in-flight tool invocation so its result event can carry
// the name and duration.
type toolRun struct {
	name    string
	started time.Time
}

type turn struct {
	adapter *Adapter
	req     backend.TurnRequest

	stdin   io.WriteCloser
	stdinMu sync.Mutex

	events    chan backend.Event
	tools     map[string]*toolRun
	completed bool
}

func (t *turn) emit(ctx context.Context, ev backend.Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *turn) sendPrompt(prompt string) error {
	msg := userMessage{
		Type: "user",
		Message: userContent{
			Role:    "user",
			Content: []textBlock{{Type: "text", Text: prompt}},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.writeStdin(data)
}

func (t *turn) closeStdin() {
	t.stdinMu.Lock()
	defer t.stdinMu.Unlock()
	_ = t.stdin.Close()
}

// waitProcess reaps the CLI, killing it if it ignores the closed stdin.
func (t *turn) waitProcess(cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(exitGrace):
		t.adapter.logger.Warn("cli did not exit after stdin close, killing",
			"pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		return <-done
	}
}

func (t *turn) writeStdin(data []byte) error {
	t.stdinMu.Lock()
	defer t.stdinMu.Unlock()
	_, err := t.stdin.Write(append(data, '\n'))
	return err
}

func (t *turn) readOutput(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, maxScanLine), maxScanLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !t.handleLine(ctx, line) {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.adapter.logger.Error("stdout scan failed", "error", err)
	}
}

// handleLine dispatches one stream-json line. Returns false when the turn is
// over or the context fired.
func (t *turn) handleLine(ctx context.Context, line []byte) bool {
	var ev cliEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		t.adapter.logger.Warn("unparseable cli output line", "error", err)
		return true
	}

	switch ev.Type {
	case "assistant":
		return t.handleAssistant(ctx, ev)
	case "user":
		return t.handleToolResults(ctx, ev)
	case "result":
		t.handleResult(ctx, line)
		return false
	case "control_request":
		return t.handleControlRequest(ctx, line)
	case "system", "control_response":
		// init noise and echoes of our own responses
		return true
	default:
		t.adapter.logger.Debug("ignoring cli event", "type", ev.Type)
		return true
	}
}

func (t *turn) handleAssistant(ctx context.Context, ev cliEvent) bool {
	var msg cliMessage
	if err := json.Unmarshal(ev.Message, &msg); err != nil {
		t.adapter.logger.Warn("unparseable assistant message", "error", err)
		return true
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			if !t.emit(ctx, backend.Event{Type: backend.EventText, Text: block.Text}) {
				return false
			}
		case "tool_use", "server_tool_use":
			t.tools[block.ID] = &toolRun{name: block.Name, started: time.Now()}
			if !t.emit(ctx, backend.Event{Type: backend.EventTool, Tool: &backend.ToolInfo{
				ID:           block.ID,
				Name:         block.Name,
				Status:       backend.ToolExecuting,
				InputSummary: summarize(block.Input),
			}}) {
				return false
			}
		}
	}
	return true
}

func (t *turn) handleToolResults(ctx context.Context, ev cliEvent) bool {
	var msg cliMessage
	if err := json.Unmarshal(ev.Message, &msg); err != nil {
		return true
	}

	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		info := &backend.ToolInfo{
			ID:            block.ToolUseID,
			Status:        backend.ToolCompleted,
			OutputSummary: summarize(block.Content),
		}
		if block.IsError {
			info.Status = backend.ToolFailed
		}
		if run, ok := t.tools[block.ToolUseID]; ok {
			info.Name = run.name
			info.Duration = time.Since(run.started)
			delete(t.tools, block.ToolUseID)
		}
		if !t.emit(ctx, backend.Event{Type: backend.EventTool, Tool: info}) {
			return false
		}
	}
	return true
}

func (t *turn) handleResult(ctx context.Context, line []byte) {
	var result resultEvent
	if err := json.Unmarshal(line, &result); err != nil {
		t.adapter.logger.Warn("unparseable result event", "error", err)
	}

	if result.IsError {
		t.emit(ctx, backend.Event{
			Type: backend.EventFailed,
			Err:  fmt.Errorf("cli turn failed: %s", result.Subtype),
		})
		return
	}

	t.completed = true
	continuation := result.SessionID
	if continuation == "" {
		continuation = t.req.ContinuationID
	}
	t.emit(ctx, backend.Event{Type: backend.EventCompleted, ContinuationID: continuation})
}

// handleControlRequest blocks the turn on a decision and answers the CLI.
// The CLI emits nothing else while a can_use_tool request is outstanding, so
// resolving it inline keeps event order intact.
func (t *turn) handleControlRequest(ctx context.Context, line []byte) bool {
	var req controlRequest
	if err := json.Unmarshal(line, &req); err != nil || req.Request == nil {
		t.adapter.logger.Warn("unparseable control request", "error", err)
		return true
	}
	if req.Request.Subtype != "can_use_tool" {
		t.adapter.logger.Debug("ignoring control request", "subtype", req.Request.Subtype)
		return true
	}

	decision, err := t.decide(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		decision = backend.Decision{Approved: false, Reason: err.Error()}
	}

	if err := t.respondControl(req, decision); err != nil {
		t.adapter.logger.Error("writing control response failed", "error", err)
		return false
	}
	return true
}

func (t *turn) decide(ctx context.Context, req controlRequest) (backend.Decision, error) {
	// AskUserQuestion arrives as can_use_tool with a questions payload.
	if req.Request.ToolName == "AskUserQuestion" {
		var input struct {
			Questions []cliQuestion `json:"questions"`
		}
		if err := json.Unmarshal(req.Request.Input, &input); err != nil {
			return backend.Decision{}, fmt.Errorf("parsing questions: %w", err)
		}
		dr := backend.DecisionRequest{Kind: backend.KindAskUserQuestion}
		for _, q := range input.Questions {
			dr.Questions = append(dr.Questions, backend.Question{
				Prompt:        q.Question,
				Options:       q.Options,
				AllowMultiple: q.AllowMultiple,
			})
		}
		return t.req.Decide(ctx, dr)
	}

	return t.req.Decide(ctx, backend.DecisionRequest{
		Kind:     backend.KindToolApproval,
		ToolName: req.Request.ToolName,
		Input:    req.Request.Input,
	})
}

func (t *turn) respondControl(req controlRequest, decision backend.Decision) error {
	var content controlResponseContent
	switch {
	case decision.Approved && req.Request.ToolName == "AskUserQuestion":
		updated, err := json.Marshal(map[string]any{"answers": decision.Answers})
		if err != nil {
			return err
		}
		content = controlResponseContent{
			Behavior:     "allow",
			ToolUseID:    req.Request.ToolUseID,
			UpdatedInput: updated,
		}
	case decision.Approved:
		updated := decision.ModifiedInput
		if updated == nil {
			updated = req.Request.Input
		}
		content = controlResponseContent{
			Behavior:     "allow",
			ToolUseID:    req.Request.ToolUseID,
			UpdatedInput: updated,
		}
	default:
		reason := decision.Reason
		if reason == "" {
			reason = "denied"
		}
		content = controlResponseContent{
			Behavior:  "deny",
			Message:   reason,
			Interrupt: true,
			ToolUseID: req.Request.ToolUseID,
		}
	}

	resp := controlResponse{
		Type: "control_response",
		Response: controlResponsePayload{
			Subtype:   "success",
			RequestID: req.RequestID,
			Response:  content,
		},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return t.writeStdin(data)
}

func drainStderr(stderr io.Reader) <-chan string {
	ch := make(chan string, 1)
	go func() {
		var b strings.Builder
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			b.WriteString(scanner.Text())
			b.WriteByte('\n')
		}
		ch <- b.String()
	}()
	return ch
}

// summarize renders a JSON payload as a short single-line summary for
// tool_activity envelopes.
func summarize(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	s = strings.Join(strings.Fields(s), " ")
	const limit = 200
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// --- stream-json wire types ---

type userMessage struct {
	Type    string      `json:"type"`
	Message userContent `json:"message"`
}

type userContent struct {
	Role    string      `json:"role"`
	Content []textBlock `json:"content"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cliEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

type cliMessage struct {
	Content []cliContentBlock `json:"content"`
}

type cliContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type resultEvent struct {
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
}

type controlRequest struct {
	RequestID string          `json:"request_id"`
	Request   *controlPayload `json:"request"`
}

type controlPayload struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

type cliQuestion struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	AllowMultiple bool     `json:"allow_multiple,omitempty"`
}

type controlResponse struct {
	Type     string                 `json:"type"`
	Response controlResponsePayload `json:"response"`
}

type controlResponsePayload struct {
	Subtype   string                 `json:"subtype"`
	RequestID string                 `json:"request_id"`
	Response  controlResponseContent `json:"response"`
}

type controlResponseContent struct {
	Behavior     string          `json:"behavior,omitempty"`
	Message      string          `json:"message,omitempty"`
	Interrupt    bool            `json:"interrupt,omitempty"`
	ToolUseID    string          `json:"toolUseID,omitempty"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
}

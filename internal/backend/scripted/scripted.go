// ABOUTME: Deterministic in-process backend for tests, demos, and smoke checks.
// ABOUTME: Echoes the prompt in chunks and honors directives that trigger decision points.

package scripted

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatterhq/chatter-gateway/internal/backend"
)

// Directives recognized inside the prompt. Anything else is echoed back.
const (
	// DirectiveApprove makes the turn request tool approval for the named
	// tool before echoing: "!approve:Bash rm -rf build".
	DirectiveApprove = "!approve:"

	// DirectiveAsk makes the turn ask a canned multi-choice question first.
	DirectiveAsk = "!ask"

	// DirectiveFail makes the turn fail after its first chunk.
	DirectiveFail = "!fail"
)

// Adapter replays deterministic turns. It is the development and test stand-in
// for a real agent: same contract, no subprocess, no network.
type Adapter struct {
	chunkDelay time.Duration
	logger     *slog.Logger
}

// Option configures the adapter.
type Option func(*Adapter)

// WithChunkDelay inserts a pause between emitted chunks, making cancellation
// windows reproducible in tests.
func WithChunkDelay(d time.Duration) Option {
	return func(a *Adapter) { a.chunkDelay = d }
}

// WithLogger sets the adapter's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// New creates a scripted adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "backend.scripted")
	return a
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string { return "scripted" }

// Shutdown implements backend.Adapter. Nothing to release.
func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

// RunTurn implements backend.Adapter.
func (a *Adapter) RunTurn(ctx context.Context, req backend.TurnRequest) (<-chan backend.Event, error) {
	if req.Decide == nil {
		return nil, fmt.Errorf("turn request missing decision func")
	}

	out := make(chan backend.Event)
	go a.run(ctx, req, out)
	return out, nil
}

func (a *Adapter) run(ctx context.Context, req backend.TurnRequest, out chan<- backend.Event) {
	defer close(out)

	emit := func(ev backend.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	continuation := req.ContinuationID
	if continuation == "" {
		continuation = "scripted-" + uuid.New().String()
	}

	prompt := req.Prompt

	if tool, rest, ok := cutDirective(prompt, DirectiveApprove); ok {
		input, _ := json.Marshal(map[string]string{"command": rest})
		decision, err := req.Decide(ctx, backend.DecisionRequest{
			Kind:     backend.KindToolApproval,
			ToolName: tool,
			Input:    input,
		})
		if err != nil {
			emit(backend.Event{Type: backend.EventFailed, Err: err})
			return
		}
		if !decision.Approved {
			if !emit(backend.Event{Type: backend.EventText, Text: "Tool use denied: " + decision.Reason}) {
				return
			}
			emit(backend.Event{Type: backend.EventCompleted, ContinuationID: continuation})
			return
		}
		if !a.emitToolRound(ctx, emit, tool, rest) {
			return
		}
		prompt = rest
	}

	if strings.Contains(prompt, DirectiveAsk) {
		decision, err := req.Decide(ctx, backend.DecisionRequest{
			Kind: backend.KindAskUserQuestion,
			Questions: []backend.Question{
				{Prompt: "Which approach?", Options: []string{"quick fix", "proper refactor"}},
			},
		})
		if err != nil {
			emit(backend.Event{Type: backend.EventFailed, Err: err})
			return
		}
		answer := decision.Answers["Which approach?"]
		if answer == "" {
			answer = "no answer"
		}
		if !emit(backend.Event{Type: backend.EventText, Text: "Going with: " + answer + ". "}) {
			return
		}
	}

	for i, word := range strings.Fields(prompt) {
		if a.chunkDelay > 0 {
			select {
			case <-time.After(a.chunkDelay):
			case <-ctx.Done():
				return
			}
		}
		if strings.Contains(prompt, DirectiveFail) && i > 0 {
			emit(backend.Event{Type: backend.EventFailed, Err: fmt.Errorf("scripted failure")})
			return
		}
		if !emit(backend.Event{Type: backend.EventText, Text: word + " "}) {
			return
		}
	}

	emit(backend.Event{Type: backend.EventCompleted, ContinuationID: continuation})
}

// emitToolRound streams the executing/completed pair for an approved tool.
func (a *Adapter) emitToolRound(ctx context.Context, emit func(backend.Event) bool, tool, input string) bool {
	id := uuid.New().String()
	if !emit(backend.Event{Type: backend.EventTool, Tool: &backend.ToolInfo{
		ID:           id,
		Name:         tool,
		Status:       backend.ToolExecuting,
		InputSummary: input,
	}}) {
		return false
	}
	return emit(backend.Event{Type: backend.EventTool, Tool: &backend.ToolInfo{
		ID:            id,
		Name:          tool,
		Status:        backend.ToolCompleted,
		OutputSummary: "ok",
		Duration:      a.chunkDelay,
	}})
}

// cutDirective splits "!approve:Bash the rest" into ("Bash", "the rest").
func cutDirective(prompt, directive string) (arg, rest string, ok bool) {
	idx := strings.Index(prompt, directive)
	if idx < 0 {
		return "", "", false
	}
	tail := prompt[idx+len(directive):]
	arg, rest, found := strings.Cut(tail, " ")
	if !found {
		return tail, "", tail != ""
	}
	return arg, strings.TrimSpace(prompt[:idx] + rest), true
}

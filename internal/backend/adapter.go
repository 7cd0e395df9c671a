// ABOUTME: Adapter contract between the session layer and agent backends.
// ABOUTME: Backends run one turn at a time and stream typed events on a channel.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrBackendUnavailable indicates the backend process or service could not
// be reached to start a turn.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Decision request kinds.
const (
	KindToolApproval    = "tool_approval"
	KindAskUserQuestion = "ask_user_question"
)

// Question is one multi-choice prompt inside an ask_user_question decision.
type Question struct {
	Prompt        string
	Options       []string
	AllowMultiple bool
}

// DecisionRequest is a point where the backend cannot proceed without an
// external decision: a tool approval or a question for the user.
type DecisionRequest struct {
	Kind      string
	ToolName  string
	Input     json.RawMessage
	Questions []Question
}

// Decision answers a DecisionRequest. A denied tool approval carries a
// Reason; an approved one may carry ModifiedInput to replace the tool's
// input. Question decisions carry Answers keyed by prompt.
type Decision struct {
	Approved      bool
	ModifiedInput json.RawMessage
	Answers       map[string]string
	Reason        string
}

// DecisionFunc resolves a decision point. It blocks until a decision exists
// (client answer, policy auto-approval, timeout denial) or ctx is cancelled.
// The session layer supplies the implementation; backends only call it.
type DecisionFunc func(ctx context.Context, req DecisionRequest) (Decision, error)

// TurnRequest carries everything a backend needs to run one turn.
type TurnRequest struct {
	// Prompt is the user's message for this turn.
	Prompt string

	// Context is optional structured context the client attached to the turn.
	Context json.RawMessage

	// ContinuationID chains this turn to the backend's prior state for the
	// session. Empty for the session's first turn. The backend returns the
	// next continuation id on its completed event.
	ContinuationID string

	// ProjectRoot is the working directory the agent operates in.
	ProjectRoot string

	// Policy is the session's permission policy name, for backends that can
	// push enforcement down into the agent itself.
	Policy string

	// Decide resolves mid-turn decision points. Never nil.
	Decide DecisionFunc
}

// EventType discriminates turn events.
type EventType string

const (
	// EventText carries a chunk of assistant response text.
	EventText EventType = "text"

	// EventTool reports tool invocation progress.
	EventTool EventType = "tool"

	// EventCompleted is the turn's successful terminal event.
	EventCompleted EventType = "completed"

	// EventFailed is the turn's failure terminal event.
	EventFailed EventType = "failed"
)

// Tool status values reported on EventTool events.
const (
	ToolPending   = "pending"
	ToolExecuting = "executing"
	ToolCompleted = "completed"
	ToolFailed    = "failed"
)

// ToolInfo describes one tool invocation's progress.
type ToolInfo struct {
	ID            string
	Name          string
	Status        string
	InputSummary  string
	OutputSummary string
	Duration      time.Duration
}

// Event is one item of a turn's output stream.
type Event struct {
	Type EventType

	// Text is set on EventText.
	Text string

	// Tool is set on EventTool.
	Tool *ToolInfo

	// ContinuationID is set on EventCompleted: the handle for resuming the
	// conversation on the next turn.
	ContinuationID string

	// Err is set on EventFailed.
	Err error
}

// Adapter runs turns against one agent implementation. Adapters hold no
// per-turn state between calls; conversation continuity travels through the
// continuation id.
//
// RunTurn starts the turn and returns its event channel. The adapter closes
// the channel after emitting at most one terminal event (EventCompleted or
// EventFailed). When ctx is cancelled mid-turn the adapter stops producing
// and closes the channel, terminal event or not; the caller owns the
// cancelled terminal semantics.
type Adapter interface {
	// Name identifies the adapter in logs and config.
	Name() string

	// RunTurn executes one turn. A nil error means the event channel is
	// live; errors are for failures to start at all.
	RunTurn(ctx context.Context, req TurnRequest) (<-chan Event, error)

	// Shutdown releases adapter-wide resources. In-flight turns are
	// cancelled through their contexts, not here.
	Shutdown(ctx context.Context) error
}

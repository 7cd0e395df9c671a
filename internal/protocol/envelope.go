// ABOUTME: Wire envelope definitions for the bidirectional chat protocol.
// ABOUTME: JSON tagged-union messages exchanged between the UI client and the gateway.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedType indicates an inbound envelope with an unknown type tag.
var ErrUnsupportedType = errors.New("unsupported envelope type")

// Envelope type tags. Every message on the wire carries exactly one of these
// in its "type" field.
const (
	// Inbound (client -> gateway)
	TypeHandshake            = "handshake"
	TypeChat                 = "chat"
	TypeCancelRequest        = "cancel_request"
	TypePermissionResponse   = "permission_response"
	TypeUpdatePermissionMode = "update_permission_mode"

	// Outbound (gateway -> client)
	TypeResponseChunk         = "response_chunk"
	TypeToolActivity          = "tool_activity"
	TypeStreamControl         = "stream_control"
	TypePermissionRequest     = "permission_request"
	TypePermissionModeUpdated = "permission_mode_updated"
	TypeError                 = "error"
)

// Message is implemented by every envelope that travels on the wire.
type Message interface {
	// EnvelopeType returns the value of the "type" discriminator field.
	EnvelopeType() string
}

// --- Inbound envelopes ---

// Handshake is the optional first client message. It selects the permission
// policy and project root for the session, and may name an existing session
// to resume.
type Handshake struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id,omitempty"`
	PermissionPolicy string `json:"permission_policy,omitempty"`
	ProjectRoot      string `json:"project_root,omitempty"`
}

func (Handshake) EnvelopeType() string { return TypeHandshake }

// Chat carries one user turn.
type Chat struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Context json.RawMessage `json:"context,omitempty"`
}

func (Chat) EnvelopeType() string { return TypeChat }

// CancelRequest asks the gateway to cancel an in-flight turn.
type CancelRequest struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
}

func (CancelRequest) EnvelopeType() string { return TypeCancelRequest }

// PermissionResponse answers a pending PermissionRequest. For tool approval,
// Approved (plus optional ModifiedInput and Reason) is meaningful; for
// multi-choice questions, Answers maps each prompt to the selected label.
type PermissionResponse struct {
	Type          string            `json:"type"`
	RequestID     string            `json:"request_id"`
	Approved      bool              `json:"approved"`
	ModifiedInput json.RawMessage   `json:"modified_input,omitempty"`
	Answers       map[string]string `json:"answers,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

func (PermissionResponse) EnvelopeType() string { return TypePermissionResponse }

// UpdatePermissionMode switches the session's permission policy at runtime.
type UpdatePermissionMode struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

func (UpdatePermissionMode) EnvelopeType() string { return TypeUpdatePermissionMode }

// --- Outbound envelopes ---

// ResponseChunk streams assistant text. The final chunk of a turn has
// Done=true and may carry empty content.
type ResponseChunk struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

func (ResponseChunk) EnvelopeType() string { return TypeResponseChunk }

// NewResponseChunk builds a response_chunk envelope.
func NewResponseChunk(content string, done bool) ResponseChunk {
	return ResponseChunk{Type: TypeResponseChunk, Content: content, Done: done}
}

// Tool activity status values.
const (
	ToolStatusPending   = "pending"
	ToolStatusExecuting = "executing"
	ToolStatusCompleted = "completed"
	ToolStatusFailed    = "failed"
)

// ToolActivity reports progress of one tool invocation. Relay-only: the
// gateway forwards these without acting on them.
type ToolActivity struct {
	Type          string `json:"type"`
	ToolID        string `json:"tool_id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	InputSummary  string `json:"input_summary,omitempty"`
	OutputSummary string `json:"output_summary,omitempty"`
	DurationMS    int64  `json:"duration_ms,omitempty"`
}

func (ToolActivity) EnvelopeType() string { return TypeToolActivity }

// Stream control actions. Every turn emits exactly one terminal action
// (cancelled, completed, or failed) after its started action.
const (
	StreamStarted   = "started"
	StreamCancelled = "cancelled"
	StreamCompleted = "completed"
	StreamFailed    = "failed"
)

// StreamControl marks turn lifecycle transitions.
type StreamControl struct {
	Type     string         `json:"type"`
	TurnID   string         `json:"turn_id"`
	Action   string         `json:"action"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (StreamControl) EnvelopeType() string { return TypeStreamControl }

// NewStreamControl builds a stream_control envelope.
func NewStreamControl(turnID, action string) StreamControl {
	return StreamControl{Type: TypeStreamControl, TurnID: turnID, Action: action}
}

// Permission request kinds.
const (
	KindToolApproval    = "tool_approval"
	KindAskUserQuestion = "ask_user_question"
)

// Question is one entry of an ask_user_question payload.
type Question struct {
	Prompt        string   `json:"prompt"`
	Options       []string `json:"options"`
	AllowMultiple bool     `json:"allow_multiple,omitempty"`
}

// PermissionRequest asks the client for a decision. For tool_approval the
// ToolName/Input fields are set; for ask_user_question the Questions list is.
type PermissionRequest struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"request_id"`
	Kind           string          `json:"kind"`
	ToolName       string          `json:"tool_name,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Questions      []Question      `json:"questions,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

func (PermissionRequest) EnvelopeType() string { return TypePermissionRequest }

// PermissionModeUpdated acknowledges an update_permission_mode request.
type PermissionModeUpdated struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

func (PermissionModeUpdated) EnvelopeType() string { return TypePermissionModeUpdated }

// Error codes sent to the client.
const (
	CodeInvalidRequest = "invalid_request"
	CodeUnsupported    = "unsupported"
	CodeInternal       = "internal"
	CodeBackendFailed  = "backend_failed"
)

// ErrorMessage reports a client-visible failure.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ErrorMessage) EnvelopeType() string { return TypeError }

// NewError builds an error envelope.
func NewError(code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message}
}

// Encode marshals a message to its wire form. Callers build envelopes via
// the New* constructors or populate the Type field themselves.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// typeProbe extracts only the discriminator during decoding.
type typeProbe struct {
	Type string `json:"type"`
}

// Decode parses an inbound envelope into its concrete type. Unknown type
// tags return ErrUnsupportedType (wrapped with the offending tag); outbound
// types arriving inbound are rejected the same way.
func Decode(data []byte) (Message, error) {
	var probe typeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}

	var msg Message
	switch probe.Type {
	case TypeHandshake:
		msg = &Handshake{}
	case TypeChat:
		msg = &Chat{}
	case TypeCancelRequest:
		msg = &CancelRequest{}
	case TypePermissionResponse:
		msg = &PermissionResponse{}
	case TypeUpdatePermissionMode:
		msg = &UpdatePermissionMode{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, probe.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("parsing %s envelope: %w", probe.Type, err)
	}
	return msg, nil
}

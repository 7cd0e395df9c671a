// ABOUTME: Tests for wire envelope encoding and decoding.
// ABOUTME: Covers the inbound type switch, unknown tags, and malformed payloads.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChat(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"chat","message":"fix the bug","context":{"file":"main.go"}}`))
	require.NoError(t, err)

	chat, ok := msg.(*Chat)
	require.True(t, ok)
	assert.Equal(t, "fix the bug", chat.Message)
	assert.JSONEq(t, `{"file":"main.go"}`, string(chat.Context))
}

func TestDecodeCancelRequest(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"cancel_request","turn_id":"t-1"}`))
	require.NoError(t, err)

	cancel, ok := msg.(*CancelRequest)
	require.True(t, ok)
	assert.Equal(t, "t-1", cancel.TurnID)
}

func TestDecodePermissionResponse(t *testing.T) {
	raw := `{
		"type": "permission_response",
		"request_id": "req-7",
		"approved": true,
		"modified_input": {"command": "ls -la"},
		"answers": {"Which database?": "sqlite"}
	}`
	msg, err := Decode([]byte(raw))
	require.NoError(t, err)

	resp, ok := msg.(*PermissionResponse)
	require.True(t, ok)
	assert.Equal(t, "req-7", resp.RequestID)
	assert.True(t, resp.Approved)
	assert.JSONEq(t, `{"command":"ls -la"}`, string(resp.ModifiedInput))
	assert.Equal(t, "sqlite", resp.Answers["Which database?"])
}

func TestDecodeHandshakeAndModeUpdate(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"handshake","session_id":"s-1","permission_policy":"ask_every_time","project_root":"/tmp/proj"}`))
	require.NoError(t, err)
	hs, ok := msg.(*Handshake)
	require.True(t, ok)
	assert.Equal(t, "s-1", hs.SessionID)
	assert.Equal(t, "ask_every_time", hs.PermissionPolicy)

	msg, err = Decode([]byte(`{"type":"update_permission_mode","mode":"auto_approve"}`))
	require.NoError(t, err)
	upd, ok := msg.(*UpdatePermissionMode)
	require.True(t, ok)
	assert.Equal(t, "auto_approve", upd.Mode)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"telepathy"}`))
	require.ErrorIs(t, err, ErrUnsupportedType)
	assert.Contains(t, err.Error(), "telepathy")
}

func TestDecodeOutboundTypeRejected(t *testing.T) {
	// Outbound envelopes arriving inbound are unsupported, not a parse error.
	_, err := Decode([]byte(`{"type":"response_chunk","content":"hi"}`))
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupportedType)
}

func TestEncodeStreamControl(t *testing.T) {
	sc := NewStreamControl("t-9", StreamCancelled)
	sc.Reason = "user requested"

	data, err := Encode(sc)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "stream_control", got["type"])
	assert.Equal(t, "t-9", got["turn_id"])
	assert.Equal(t, "cancelled", got["action"])
	assert.Equal(t, "user requested", got["reason"])
	assert.NotContains(t, got, "metadata")
}

func TestEncodeResponseChunkFinal(t *testing.T) {
	data, err := Encode(NewResponseChunk("", true))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "response_chunk", got["type"])
	assert.Equal(t, "", got["content"])
	assert.Equal(t, true, got["done"])
}

func TestEncodePermissionRequest(t *testing.T) {
	req := PermissionRequest{
		Type:      TypePermissionRequest,
		RequestID: "req-1",
		Kind:      KindAskUserQuestion,
		Questions: []Question{
			{Prompt: "Deploy target?", Options: []string{"staging", "prod"}},
		},
		TimeoutSeconds: 60,
	}

	data, err := Encode(req)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "permission_request", got["type"])
	assert.Equal(t, "ask_user_question", got["kind"])
	assert.NotContains(t, got, "tool_name")
	assert.Equal(t, float64(60), got["timeout_seconds"])
}

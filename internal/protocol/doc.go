// Package protocol defines the JSON wire envelopes exchanged between UI
// clients and the gateway over a single WebSocket connection per session.
//
// Every envelope is a flat JSON object whose "type" field discriminates the
// union. Inbound envelopes (client to gateway) are chat turns and control
// messages: chat, cancel_request, permission_response, handshake,
// update_permission_mode. Outbound envelopes (gateway to client) multiplex
// several logical channels onto the connection: response_chunk for assistant
// text, tool_activity for tool progress, stream_control for turn lifecycle,
// permission_request for mid-turn decisions, and error.
//
// Decode parses inbound bytes into a concrete Message; unknown types yield
// ErrUnsupportedType so the caller can reply with an "unsupported" error
// envelope instead of dropping the connection.
//
// Ordering: all outbound envelopes of one turn are produced and delivered in
// order. Envelopes of different turns carry distinct turn ids and have no
// cross-turn ordering guarantee.
package protocol

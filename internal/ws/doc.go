// Package ws is the connection layer. The Coordinator authenticates and
// admits sockets; each admitted socket gets a conn that reads envelopes,
// dispatches them to the session registry, and serializes outbound writes.
//
// A connection binds exactly one session. When the socket dies, the conn
// quiesces the session: pending permission requests resolve as denied with
// "connection lost" and the in-flight turn is cancelled.
//
// Duplicate cancel_request and permission_response frames, common under
// client retry logic, are absorbed by a small TTL cache before they reach
// the registry.
package ws

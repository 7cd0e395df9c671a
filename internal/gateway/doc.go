// Package gateway assembles and runs the service: the SQLite store, the
// session registry with its configured backend, the WebSocket endpoint,
// health checks, and the session management API, behind either a TCP
// listener or a tsnet (Tailscale) listener.
package gateway

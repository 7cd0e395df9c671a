// ABOUTME: WebSocket accept path: origin checks, token auth, connection limits.
// ABOUTME: Hands accepted sockets to per-connection loops bound to sessions.

package ws

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/chatterhq/chatter-gateway/internal/session"
)

// Authenticator verifies connection credentials. Implementations live in
// internal/auth; nil means the endpoint is open (dev mode only).
type Authenticator interface {
	// Verify checks a bearer credential and returns the principal name.
	Verify(token string) (string, error)
}

// Coordinator owns the /ws endpoint. It enforces the connection budget and
// authentication before a socket ever reaches the session layer.
type Coordinator struct {
	registry *session.Registry
	auth     Authenticator

	originPatterns []string
	maxConnections int
	projectRoot    string

	mu     sync.Mutex
	active int

	logger *slog.Logger
}

// Options configures the coordinator.
type Options struct {
	// OriginPatterns is the allow-list for the browser Origin header.
	// Empty means same-origin only, which is the safe default.
	OriginPatterns []string

	// MaxConnections caps concurrent sockets. Zero means unlimited.
	MaxConnections int

	// Auth verifies connection tokens. Nil disables authentication.
	Auth Authenticator

	// DefaultProjectRoot is the working directory for sessions whose
	// handshake names none.
	DefaultProjectRoot string
}

// NewCoordinator creates the endpoint handler.
func NewCoordinator(registry *session.Registry, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry:       registry,
		auth:           opts.Auth,
		originPatterns: opts.OriginPatterns,
		maxConnections: opts.MaxConnections,
		projectRoot:    opts.DefaultProjectRoot,
		logger:         logger.With("component", "ws"),
	}
}

// ActiveConnections reports the number of live sockets.
func (c *Coordinator) ActiveConnections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection loop
// until the client goes away.
func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c.auth != nil {
		principal, err := c.auth.Verify(bearerToken(r))
		if err != nil {
			c.logger.Warn("connection rejected", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c.logger.Debug("connection authenticated", "principal", principal)
	}

	if !c.acquire() {
		c.logger.Warn("connection limit reached", "remote", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer c.release()

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: c.originPatterns,
	})
	if err != nil {
		c.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer sock.Close(websocket.StatusInternalError, "connection loop exited")

	conn := newConn(sock, c.registry, c.projectRoot, c.logger)
	conn.run(r.Context())

	sock.Close(websocket.StatusNormalClosure, "")
}

func (c *Coordinator) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxConnections > 0 && c.active >= c.maxConnections {
		return false
	}
	c.active++
	return true
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.active--
	c.mu.Unlock()
}

// bearerToken pulls the credential from the Authorization header or, for
// browser clients that cannot set headers on WebSocket upgrades, the token
// query parameter.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

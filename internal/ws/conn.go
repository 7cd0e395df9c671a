// ABOUTME: Per-connection read loop dispatching inbound envelopes to the session layer.
// ABOUTME: Serializes outbound writes and quiesces the session on disconnect.

package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chatterhq/chatter-gateway/internal/protocol"
	"github.com/chatterhq/chatter-gateway/internal/session"
)

const (
	// dedupeTTL is how long a control envelope's key suppresses duplicates.
	dedupeTTL = 30 * time.Second

	dedupeMaxEntries = 1024
)

// conn is the state of one client connection. Exactly one session is bound
// per connection; the binding happens at the handshake or lazily at the
// first chat.
type conn struct {
	sock        *websocket.Conn
	registry    *session.Registry
	projectRoot string
	logger      *slog.Logger

	writeMu sync.Mutex
	dedupe  *dedupeCache

	mu   sync.Mutex
	sess *session.Session
}

func newConn(sock *websocket.Conn, registry *session.Registry, projectRoot string, logger *slog.Logger) *conn {
	return &conn{
		sock:        sock,
		registry:    registry,
		projectRoot: projectRoot,
		logger:      logger,
		dedupe:      newDedupeCache(dedupeTTL, dedupeMaxEntries),
	}
}

// run reads envelopes until the socket dies, then quiesces the session so
// every pending permission request resolves as denied and the active turn
// winds down.
func (c *conn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	for {
		_, data, err := c.sock.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.logger.Debug("client closed connection")
			} else if !errors.Is(err, context.Canceled) {
				c.logger.Info("connection read failed", "error", err)
			}
			break
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedType) {
				c.writeMsg(ctx, protocol.NewError(protocol.CodeUnsupported, err.Error()))
			} else {
				c.writeMsg(ctx, protocol.NewError(protocol.CodeInvalidRequest, err.Error()))
			}
			continue
		}

		c.dispatch(ctx, msg)
	}

	cancel()
	if sess := c.session(); sess != nil {
		c.registry.Quiesce(sess, "connection lost")
	}
}

func (c *conn) dispatch(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Handshake:
		c.handleHandshake(ctx, m)
	case *protocol.Chat:
		c.handleChat(ctx, m)
	case *protocol.CancelRequest:
		c.handleCancel(ctx, m)
	case *protocol.PermissionResponse:
		c.handlePermissionResponse(m)
	case *protocol.UpdatePermissionMode:
		c.handleModeUpdate(ctx, m)
	default:
		c.writeMsg(ctx, protocol.NewError(protocol.CodeUnsupported, "unsupported envelope"))
	}
}

func (c *conn) handleHandshake(ctx context.Context, hs *protocol.Handshake) {
	c.mu.Lock()
	bound := c.sess != nil
	c.mu.Unlock()
	if bound {
		c.writeMsg(ctx, protocol.NewError(protocol.CodeInvalidRequest, "session already bound"))
		return
	}

	root := hs.ProjectRoot
	if root == "" {
		root = c.projectRoot
	}
	sess, err := c.registry.GetOrCreate(ctx, hs.SessionID, hs.PermissionPolicy, root)
	if err != nil {
		c.writeMsg(ctx, protocol.NewError(protocol.CodeInvalidRequest, err.Error()))
		return
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	c.logger.Info("session bound", "session_id", sess.ID)
}

func (c *conn) handleChat(ctx context.Context, chat *protocol.Chat) {
	if chat.Message == "" {
		c.writeMsg(ctx, protocol.NewError(protocol.CodeInvalidRequest, "empty message"))
		return
	}

	sess, err := c.ensureSession(ctx)
	if err != nil {
		c.writeMsg(ctx, protocol.NewError(protocol.CodeInternal, err.Error()))
		return
	}

	// Envelopes are written straight from the turn's goroutine. The terminal
	// write completes before the turn ends, so a follow-up chat's started
	// envelope cannot reach the socket ahead of it.
	c.registry.HandleChat(ctx, sess, chat, func(msg protocol.Message) {
		c.writeMsg(ctx, msg)
	})
}

func (c *conn) handleCancel(ctx context.Context, m *protocol.CancelRequest) {
	if c.dedupe.checkAndMark("cancel:" + m.TurnID) {
		return
	}
	if !c.registry.CancelTurn(m.TurnID) {
		// Unknown or already-terminal turn: a no-op, not an error.
		c.logger.Debug("cancel ignored", "turn_id", m.TurnID)
	}
}

func (c *conn) handlePermissionResponse(m *protocol.PermissionResponse) {
	if c.dedupe.checkAndMark("perm:" + m.RequestID) {
		return
	}
	c.registry.ResolvePermission(m)
}

func (c *conn) handleModeUpdate(ctx context.Context, m *protocol.UpdatePermissionMode) {
	sess, err := c.ensureSession(ctx)
	if err != nil {
		c.writeMsg(ctx, protocol.NewError(protocol.CodeInternal, err.Error()))
		return
	}
	if err := c.registry.UpdatePolicy(ctx, sess, m.Mode); err != nil {
		c.writeMsg(ctx, protocol.NewError(protocol.CodeInvalidRequest, err.Error()))
		return
	}
	c.writeMsg(ctx, protocol.PermissionModeUpdated{
		Type: protocol.TypePermissionModeUpdated,
		Mode: m.Mode,
	})
}

// ensureSession returns the bound session, creating a default one when the
// client skipped the handshake.
func (c *conn) ensureSession(ctx context.Context) (*session.Session, error) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess != nil {
		return sess, nil
	}

	sess, err := c.registry.GetOrCreate(ctx, "", "", c.projectRoot)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.sess == nil {
		c.sess = sess
	}
	sess = c.sess
	c.mu.Unlock()
	return sess, nil
}

func (c *conn) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// writeMsg serializes concurrent writers onto the socket. Write failures are
// logged, not propagated: the read loop notices the dead socket on its own.
func (c *conn) writeMsg(ctx context.Context, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("encoding envelope failed", "type", msg.EnvelopeType(), "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sock.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Debug("write failed", "type", msg.EnvelopeType(), "error", err)
	}
}

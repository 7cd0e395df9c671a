// ABOUTME: Turn lifecycle state machine enforcing one active turn per session.
// ABOUTME: Cooperative cancellation via per-turn contexts and done channels.

package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a turn's position in its lifecycle.
type State string

const (
	StateStarted    State = "started"
	StateStreaming  State = "streaming"
	StateCancelling State = "cancelling"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Turn is one in-flight chat turn. Its context is the cooperative cancel
// signal: the producing side checks it between yields and winds down when it
// fires. The done channel closes when the turn reaches a terminal state, after
// its terminal stream_control has been emitted.
type Turn struct {
	ID        string
	SessionID string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Context returns the turn's cancellation context.
func (t *Turn) Context() context.Context { return t.ctx }

// Done closes when the turn ends, terminal event included.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Controller tracks turn state per session and guarantees at most one
// non-terminal turn per session at a time.
type Controller struct {
	mu     sync.Mutex
	turns  map[string]*entry // turn id -> entry
	active map[string]*entry // session id -> non-terminal turn
	logger *slog.Logger
}

type entry struct {
	turn  *Turn
	state State
}

// NewController creates a controller. Pass nil logger for slog.Default.
func NewController(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		turns:  make(map[string]*entry),
		active: make(map[string]*entry),
		logger: logger.With("component", "stream"),
	}
}

// Begin registers a new turn for the session. If a prior turn is still
// active it is force-cancelled first, and Begin blocks until that turn has
// fully ended, so the old turn's terminal stream_control always precedes
// the new turn's started event on the wire. The turn's context descends
// from parent.
func (c *Controller) Begin(parent context.Context, sessionID string) *Turn {
	for {
		c.mu.Lock()
		prior, busy := c.active[sessionID]
		if !busy {
			break
		}
		if prior.state != StateCancelling {
			prior.state = StateCancelling
			prior.turn.cancel()
			c.logger.Info("force-cancelling prior turn",
				"session_id", sessionID,
				"turn_id", prior.turn.ID,
			)
		}
		done := prior.turn.done
		c.mu.Unlock()
		<-done
	}

	ctx, cancel := context.WithCancel(parent)
	turn := &Turn{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	e := &entry{turn: turn, state: StateStarted}
	c.turns[turn.ID] = e
	c.active[sessionID] = e
	c.mu.Unlock()

	c.logger.Debug("turn started", "session_id", sessionID, "turn_id", turn.ID)
	return turn
}

// MarkStreaming records that the first backend event has been relayed.
func (c *Controller) MarkStreaming(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.turns[turnID]; ok && e.state == StateStarted {
		e.state = StateStreaming
	}
}

// Cancel requests cooperative cancellation of a turn. It returns false for
// unknown or already-terminal turns; cancelling a turn that is already
// cancelling returns true without further effect.
func (c *Controller) Cancel(turnID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.turns[turnID]
	if !ok || e.state.Terminal() {
		return false
	}
	if e.state != StateCancelling {
		e.state = StateCancelling
		e.turn.cancel()
		c.logger.Info("turn cancelling",
			"session_id", e.turn.SessionID,
			"turn_id", turnID,
		)
	}
	return true
}

// StateOf reports a turn's current state.
func (c *Controller) StateOf(turnID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.turns[turnID]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Active returns the session's non-terminal turn, if any.
func (c *Controller) Active(sessionID string) (*Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.active[sessionID]
	if !ok {
		return nil, false
	}
	return e.turn, true
}

// End moves a turn to a terminal state and releases its resources. The first
// call wins; later calls (and unknown ids) are no-ops, so the producer and a
// racing cancel path can both try to end the same turn safely. Callers emit
// the turn's terminal stream_control before calling End.
func (c *Controller) End(turnID string, final State) {
	if !final.Terminal() {
		c.logger.Warn("End called with non-terminal state, coercing to failed",
			"turn_id", turnID, "state", string(final))
		final = StateFailed
	}

	c.mu.Lock()
	e, ok := c.turns[turnID]
	if !ok || e.state.Terminal() {
		c.mu.Unlock()
		return
	}
	e.state = final
	if c.active[e.turn.SessionID] == e {
		delete(c.active, e.turn.SessionID)
	}
	c.mu.Unlock()

	e.turn.cancel()
	close(e.turn.done)
	c.logger.Debug("turn ended",
		"session_id", e.turn.SessionID,
		"turn_id", turnID,
		"state", string(final),
		"duration", time.Since(e.turn.StartedAt).String(),
	)
}

// Forget drops a terminal turn's record. The turn's owner calls it after End
// so the turns map does not grow without bound.
func (c *Controller) Forget(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.turns[turnID]; ok && e.state.Terminal() {
		delete(c.turns, turnID)
	}
}

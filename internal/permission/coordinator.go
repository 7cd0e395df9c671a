// ABOUTME: Correlates mid-turn permission requests with asynchronous client answers.
// ABOUTME: Pending map of one-shot waiters keyed by random request ids, with deadlines.

package permission

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTimedOut indicates the deadline elapsed before a resolution arrived.
var ErrTimedOut = errors.New("permission request timed out")

// DefaultTimeout is the budget a turn waits for a client decision.
const DefaultTimeout = 60 * time.Second

// Outcome is the client's decision on a pending request.
type Outcome struct {
	// Approved is the tool-approval verdict. For questions it reports
	// whether the client answered at all.
	Approved bool

	// ModifiedInput optionally replaces the tool input on approval.
	ModifiedInput json.RawMessage

	// Answers maps each question prompt to the selected option label(s).
	Answers map[string]string

	// Reason explains a denial ("user denied", "connection lost", ...).
	Reason string
}

// Denied builds a deny outcome with the given reason.
func Denied(reason string) Outcome {
	return Outcome{Approved: false, Reason: reason}
}

// Waiter is a one-shot completion signal for a single request. The creating
// side hands it to whoever awaits the decision; Resolve fires it exactly once.
type Waiter struct {
	ch chan Outcome
}

// Await blocks until the request resolves, the timeout elapses, or ctx is
// cancelled. On timeout it returns ErrTimedOut; on cancellation, ctx.Err().
// The pending entry survives either failure until Release is called, so a
// late Resolve stays a harmless no-op rather than a panic on a closed channel.
func (w *Waiter) Await(ctx context.Context, timeout time.Duration) (Outcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-w.ch:
		return outcome, nil
	case <-timer.C:
		return Outcome{}, ErrTimedOut
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Coordinator matches permission requests to future answers. All mutation of
// the pending map goes through its methods; resolution of an unknown or
// already-resolved id is a logged no-op, never an error, because races
// between late answers and timeouts are expected.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*Waiter
	logger  *slog.Logger
}

// NewCoordinator creates a coordinator. Pass nil logger for slog.Default.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		pending: make(map[string]*Waiter),
		logger:  logger.With("component", "permission"),
	}
}

// Create allocates a fresh request id and registers a one-shot waiter for it.
// Ids are random UUIDs, not counters, so they never collide across process
// restarts or concurrent sessions.
func (c *Coordinator) Create() (string, *Waiter) {
	id := uuid.New().String()
	w := &Waiter{ch: make(chan Outcome, 1)}

	c.mu.Lock()
	c.pending[id] = w
	c.mu.Unlock()

	c.logger.Debug("permission request created", "request_id", id)
	return id, w
}

// Resolve delivers an outcome to a pending request. The first resolution
// wins; duplicates and resolutions for unknown ids are silently dropped.
func (c *Coordinator) Resolve(id string, outcome Outcome) {
	c.mu.Lock()
	w, ok := c.pending[id]
	if ok {
		// Remove immediately so a second Resolve for the same id becomes
		// an unknown-id no-op. Release stays idempotent afterwards.
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("resolution for unknown request, ignoring", "request_id", id)
		return
	}

	w.ch <- outcome
	c.logger.Debug("permission request resolved",
		"request_id", id,
		"approved", outcome.Approved,
	)
}

// Release removes a pending entry without resolving it. The awaiting side
// calls it exactly once after Await returns, whatever the result; calling it
// for an id Resolve already removed is a no-op.
func (c *Coordinator) Release(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// ResolveAll denies every pending request with the given reason. Used by the
// quiesce path (disconnect, policy swap, shutdown) so no waiter is left
// hanging until its deadline.
func (c *Coordinator) ResolveAll(ids []string, reason string) {
	for _, id := range ids {
		c.Resolve(id, Denied(reason))
	}
}

// PendingCount reports the number of unresolved requests.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

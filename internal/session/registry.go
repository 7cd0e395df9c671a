// ABOUTME: Session registry orchestrating turns, permissions, and persistence.
// ABOUTME: Bridges backend adapter events to protocol envelopes with lifecycle guarantees.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/chatterhq/chatter-gateway/internal/backend"
	"github.com/chatterhq/chatter-gateway/internal/permission"
	"github.com/chatterhq/chatter-gateway/internal/protocol"
	"github.com/chatterhq/chatter-gateway/internal/stream"
	"github.com/chatterhq/chatter-gateway/internal/store"
)

// ErrUnknownPolicy indicates a policy name outside the supported set.
var ErrUnknownPolicy = errors.New("unknown permission policy")

// titleLimit caps auto-generated session titles.
const titleLimit = 100

// editTools are auto-allowed under the approve_edits_only policy.
var editTools = map[string]bool{
	"Read":      true,
	"Write":     true,
	"Edit":      true,
	"MultiEdit": true,
}

// Session is the in-memory state for one chat session. Durable metadata
// mirrors a store.Session row; everything else dies with the process.
type Session struct {
	ID string

	mu             sync.Mutex
	policy         string
	projectRoot    string
	continuationID string
	hasTitle       bool
	outstanding    map[string]bool // pending permission request ids
}

// Policy returns the session's current permission policy.
func (s *Session) Policy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

func (s *Session) trackRequest(id string) {
	s.mu.Lock()
	s.outstanding[id] = true
	s.mu.Unlock()
}

func (s *Session) untrackRequest(id string) {
	s.mu.Lock()
	delete(s.outstanding, id)
	s.mu.Unlock()
}

func (s *Session) takeOutstanding() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.outstanding))
	for id := range s.outstanding {
		ids = append(ids, id)
	}
	s.outstanding = make(map[string]bool)
	return ids
}

// Registry owns all live sessions. It is the single place where adapter
// events become protocol envelopes, so the per-turn ordering guarantees are
// enforced here and nowhere else.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store   store.Store
	adapter backend.Adapter
	perms   *permission.Coordinator
	turns   *stream.Controller

	permissionTimeout time.Duration
	logger            *slog.Logger
}

// NewRegistry creates a registry around one backend adapter.
func NewRegistry(st store.Store, adapter backend.Adapter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:          make(map[string]*Session),
		store:             st,
		adapter:           adapter,
		perms:             permission.NewCoordinator(logger),
		turns:             stream.NewController(logger),
		permissionTimeout: permission.DefaultTimeout,
		logger:            logger.With("component", "session"),
	}
}

// ResolvePermission routes a client's permission_response to its waiter.
// Unknown or expired request ids are dropped silently.
func (r *Registry) ResolvePermission(resp *protocol.PermissionResponse) {
	r.perms.Resolve(resp.RequestID, permission.Outcome{
		Approved:      resp.Approved,
		ModifiedInput: resp.ModifiedInput,
		Answers:       resp.Answers,
		Reason:        resp.Reason,
	})
}

// CancelTurn requests cooperative cancellation. False means the turn is
// unknown or already terminal.
func (r *Registry) CancelTurn(turnID string) bool {
	return r.turns.Cancel(turnID)
}

// GetOrCreate returns the live session with the given id, loading it from
// the store or creating it fresh. Empty id means a brand-new session; empty
// policy means the default.
func (r *Registry) GetOrCreate(ctx context.Context, id, policy, projectRoot string) (*Session, error) {
	if policy != "" && !store.ValidPolicy(policy) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		if sess, ok := r.sessions[id]; ok {
			return sess, nil
		}
	}

	if id != "" {
		rec, err := r.store.GetSession(ctx, id)
		if err == nil {
			sess := &Session{
				ID:             rec.ID,
				policy:         rec.Policy,
				projectRoot:    rec.ProjectRoot,
				continuationID: rec.ContinuationID,
				hasTitle:       rec.Title != "",
				outstanding:    make(map[string]bool),
			}
			r.sessions[rec.ID] = sess
			r.logger.Info("session resumed", "session_id", rec.ID)
			return sess, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("loading session: %w", err)
		}
	}

	if policy == "" {
		policy = store.DefaultPolicy
	}
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now()
	rec := &store.Session{
		ID:             id,
		Policy:         policy,
		ProjectRoot:    projectRoot,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := r.store.CreateSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	sess := &Session{
		ID:          id,
		policy:      policy,
		projectRoot: projectRoot,
		outstanding: make(map[string]bool),
	}
	r.sessions[id] = sess
	r.logger.Info("session created", "session_id", id, "policy", policy)
	return sess, nil
}

// HandleChat starts a new turn for the session, delivering its outbound
// envelopes through send in production order: a started stream_control first,
// then the turn's events, then exactly one terminal stream_control. send is
// called from the turn's goroutine, and the terminal call returns before the
// turn ends, so a successor turn's started envelope can never overtake a
// predecessor's terminal on the same writer. A turn already in flight is
// force-cancelled before the new one begins.
func (r *Registry) HandleChat(ctx context.Context, sess *Session, chat *protocol.Chat, send func(protocol.Message)) string {
	turn := r.turns.Begin(ctx, sess.ID)

	go r.runTurn(turn, sess, chat, send)
	return turn.ID
}

func (r *Registry) runTurn(turn *stream.Turn, sess *Session, chat *protocol.Chat, send func(protocol.Message)) {
	ctx := turn.Context()
	emit := func(msg protocol.Message) bool {
		if ctx.Err() != nil {
			return false
		}
		send(msg)
		return true
	}

	// The terminal envelope is delivered unconditionally, even after cancel,
	// and the turn ends only once that delivery has returned.
	finish := func(state stream.State, reason string) {
		sc := protocol.NewStreamControl(turn.ID, string(state))
		sc.Reason = reason
		send(sc)
		r.turns.End(turn.ID, state)
		r.turns.Forget(turn.ID)
	}

	emit(protocol.NewStreamControl(turn.ID, protocol.StreamStarted))

	sess.mu.Lock()
	req := backend.TurnRequest{
		Prompt:         chat.Message,
		Context:        chat.Context,
		ContinuationID: sess.continuationID,
		ProjectRoot:    sess.projectRoot,
		Policy:         sess.policy,
	}
	needsTitle := !sess.hasTitle
	sess.mu.Unlock()
	req.Decide = r.decisionFunc(sess, emit)

	events, err := r.adapter.RunTurn(ctx, req)
	if err != nil {
		r.logger.Error("turn failed to start",
			"session_id", sess.ID, "turn_id", turn.ID, "error", err)
		emit(protocol.NewError(protocol.CodeBackendFailed, err.Error()))
		finish(stream.StateFailed, err.Error())
		return
	}

	if needsTitle {
		r.setTitle(sess, chat.Message)
	}

	final := stream.StateCompleted
	reason := ""
	completedSeen := false
	for ev := range events {
		switch ev.Type {
		case backend.EventText:
			r.turns.MarkStreaming(turn.ID)
			if !emit(protocol.NewResponseChunk(ev.Text, false)) {
				continue
			}
		case backend.EventTool:
			r.turns.MarkStreaming(turn.ID)
			if !emit(toolActivity(ev.Tool)) {
				continue
			}
		case backend.EventCompleted:
			completedSeen = true
			emit(protocol.NewResponseChunk("", true))
			if ev.ContinuationID != "" {
				r.setContinuation(sess, ev.ContinuationID)
			}
		case backend.EventFailed:
			final = stream.StateFailed
			reason = ev.Err.Error()
			emit(protocol.NewError(protocol.CodeBackendFailed, reason))
		}
	}

	// A cancel that lands after the backend already completed does not
	// demote the terminal state.
	if ctx.Err() != nil && !completedSeen && final != stream.StateFailed {
		final = stream.StateCancelled
		reason = "cancelled"
	}

	r.touch(sess)
	finish(final, reason)
}

// decisionFunc builds the adapter's DecisionFunc for one turn. Policy is
// read per decision, not captured, so a mid-turn policy swap applies to the
// next decision point.
func (r *Registry) decisionFunc(sess *Session, emit func(protocol.Message) bool) backend.DecisionFunc {
	return func(ctx context.Context, dr backend.DecisionRequest) (backend.Decision, error) {
		if dr.Kind == backend.KindToolApproval {
			switch sess.Policy() {
			case store.PolicyAutoApprove:
				return backend.Decision{Approved: true}, nil
			case store.PolicyApproveEditsOnly:
				if editTools[dr.ToolName] {
					return backend.Decision{Approved: true}, nil
				}
			}
		}

		id, waiter := r.perms.Create()
		sess.trackRequest(id)
		defer func() {
			sess.untrackRequest(id)
			r.perms.Release(id)
		}()

		preq := protocol.PermissionRequest{
			Type:           protocol.TypePermissionRequest,
			RequestID:      id,
			Kind:           dr.Kind,
			ToolName:       dr.ToolName,
			Input:          dr.Input,
			TimeoutSeconds: int(r.permissionTimeout / time.Second),
		}
		for _, q := range dr.Questions {
			preq.Questions = append(preq.Questions, protocol.Question{
				Prompt:        q.Prompt,
				Options:       q.Options,
				AllowMultiple: q.AllowMultiple,
			})
		}
		if !emit(preq) {
			return backend.Decision{}, ctx.Err()
		}

		outcome, err := waiter.Await(ctx, r.permissionTimeout)
		switch {
		case errors.Is(err, permission.ErrTimedOut):
			r.logger.Warn("permission request timed out",
				"session_id", sess.ID, "request_id", id)
			return backend.Decision{Approved: false, Reason: "permission request timed out"}, nil
		case err != nil:
			return backend.Decision{}, err
		}

		return backend.Decision{
			Approved:      outcome.Approved,
			ModifiedInput: outcome.ModifiedInput,
			Answers:       outcome.Answers,
			Reason:        outcome.Reason,
		}, nil
	}
}

// UpdatePolicy swaps the session's permission policy. The session is fully
// quiesced first: pending permission requests are denied and any in-flight
// turn is cancelled and waited out, so the swap never races a waiter that
// answers to the old policy's prompt. Quiesce before swap, never the reverse.
func (r *Registry) UpdatePolicy(ctx context.Context, sess *Session, policy string) error {
	if !store.ValidPolicy(policy) {
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}

	r.Quiesce(sess, "permission policy changed")

	sess.mu.Lock()
	sess.policy = policy
	sess.mu.Unlock()

	if err := r.store.UpdatePolicy(ctx, sess.ID, policy); err != nil {
		return fmt.Errorf("persisting policy: %w", err)
	}
	r.logger.Info("policy updated", "session_id", sess.ID, "policy", policy)
	return nil
}

// Quiesce resolves the session's pending permission requests as denied with
// the given reason and cancels its active turn, waiting until the turn has
// fully ended. Used on client disconnect and on shutdown.
func (r *Registry) Quiesce(sess *Session, reason string) {
	r.perms.ResolveAll(sess.takeOutstanding(), reason)

	if turn, ok := r.turns.Active(sess.ID); ok {
		r.turns.Cancel(turn.ID)
		<-turn.Done()
	}
}

// Delete destroys a session for good: any live instance is quiesced and
// dropped from memory, then the store record is removed. Returns
// store.ErrNotFound when no such session exists anywhere.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	sess := r.sessions[id]
	r.mu.Unlock()

	if sess != nil {
		r.Remove(sess, "session deleted")
	}
	return r.store.DeleteSession(ctx, id)
}

// Remove quiesces a session and drops it from memory. The store record
// survives for later resumption.
func (r *Registry) Remove(sess *Session, reason string) {
	r.Quiesce(sess, reason)

	r.mu.Lock()
	delete(r.sessions, sess.ID)
	r.mu.Unlock()
	r.logger.Info("session removed", "session_id", sess.ID, "reason", reason)
}

// EvictIdle removes sessions whose stored last activity predates the
// cutoff. Sessions with a turn in flight are skipped regardless of age.
func (r *Registry) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		live = append(live, sess)
	}
	r.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	evicted := 0
	for _, sess := range live {
		if _, active := r.turns.Active(sess.ID); active {
			continue
		}
		rec, err := r.store.GetSession(ctx, sess.ID)
		if err != nil || rec.LastActivityAt.After(cutoff) {
			continue
		}
		r.Remove(sess, "idle eviction")
		evicted++
	}
	return evicted
}

// Shutdown quiesces every live session and stops the adapter.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		live = append(live, sess)
	}
	r.mu.Unlock()

	for _, sess := range live {
		r.Quiesce(sess, "gateway shutting down")
	}
	if err := r.adapter.Shutdown(ctx); err != nil {
		r.logger.Error("adapter shutdown failed", "error", err)
	}
}

func (r *Registry) setTitle(sess *Session, message string) {
	title := message
	if len(title) > titleLimit {
		// Cut on a rune boundary so a multibyte character is never split.
		cut := titleLimit
		for cut > 0 && !utf8.RuneStart(title[cut]) {
			cut--
		}
		title = title[:cut]
	}
	if err := r.store.UpdateTitle(context.Background(), sess.ID, title); err != nil {
		r.logger.Warn("persisting title failed", "session_id", sess.ID, "error", err)
		return
	}
	sess.mu.Lock()
	sess.hasTitle = true
	sess.mu.Unlock()
}

func (r *Registry) setContinuation(sess *Session, continuationID string) {
	sess.mu.Lock()
	sess.continuationID = continuationID
	sess.mu.Unlock()
	if err := r.store.UpdateContinuation(context.Background(), sess.ID, continuationID); err != nil {
		r.logger.Warn("persisting continuation failed", "session_id", sess.ID, "error", err)
	}
}

func (r *Registry) touch(sess *Session) {
	if err := r.store.TouchActivity(context.Background(), sess.ID, time.Now()); err != nil {
		r.logger.Warn("touching activity failed", "session_id", sess.ID, "error", err)
	}
}

func toolActivity(info *backend.ToolInfo) protocol.ToolActivity {
	return protocol.ToolActivity{
		Type:          protocol.TypeToolActivity,
		ToolID:        info.ID,
		Name:          info.Name,
		Status:        info.Status,
		InputSummary:  info.InputSummary,
		OutputSummary: info.OutputSummary,
		DurationMS:    info.Duration.Milliseconds(),
	}
}

// ABOUTME: Tests for the session registry's turn pipeline.
// ABOUTME: Covers envelope ordering, policies, cancellation, and quiesce semantics.

package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatterhq/chatter-gateway/internal/backend/scripted"
	"github.com/chatterhq/chatter-gateway/internal/protocol"
	"github.com/chatterhq/chatter-gateway/internal/store"
)

func newTestRegistry(t *testing.T, opts ...scripted.Option) (*Registry, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewRegistry(st, scripted.New(opts...), nil), st
}

// startTurn runs HandleChat with a buffered collector so the turn never
// blocks on delivery.
func startTurn(r *Registry, ctx context.Context, sess *Session, message string) (string, <-chan protocol.Message) {
	out := make(chan protocol.Message, 256)
	turnID := r.HandleChat(ctx, sess, &protocol.Chat{Message: message}, func(msg protocol.Message) {
		out <- msg
	})
	return turnID, out
}

// readUntil collects envelopes until pred matches one.
func readUntil(t *testing.T, out <-chan protocol.Message, pred func(protocol.Message) bool) []protocol.Message {
	t.Helper()
	var got []protocol.Message
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-out:
			got = append(got, msg)
			if pred(msg) {
				return got
			}
		case <-deadline:
			t.Fatal("expected envelope never arrived")
			return nil
		}
	}
}

func isTerminalMsg(msg protocol.Message) bool {
	sc, ok := msg.(protocol.StreamControl)
	return ok && sc.Action != protocol.StreamStarted
}

// collectTurn reads envelopes up to and including the terminal stream_control.
func collectTurn(t *testing.T, out <-chan protocol.Message) []protocol.Message {
	t.Helper()
	return readUntil(t, out, isTerminalMsg)
}

func terminalOf(t *testing.T, msgs []protocol.Message) protocol.StreamControl {
	t.Helper()
	require.NotEmpty(t, msgs)
	sc, ok := msgs[len(msgs)-1].(protocol.StreamControl)
	require.True(t, ok, "last envelope must be stream_control, got %T", msgs[len(msgs)-1])
	return sc
}

func TestTurnEnvelopeOrdering(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.GetOrCreate(ctx, "", "", "/tmp/proj")
	require.NoError(t, err)

	turnID, out := startTurn(r, ctx, sess, "hello streaming world")
	msgs := collectTurn(t, out)

	first, ok := msgs[0].(protocol.StreamControl)
	require.True(t, ok)
	assert.Equal(t, protocol.StreamStarted, first.Action)
	assert.Equal(t, turnID, first.TurnID)

	last := terminalOf(t, msgs)
	assert.Equal(t, protocol.StreamCompleted, last.Action)
	assert.Equal(t, turnID, last.TurnID)

	// A done chunk precedes the terminal, and nothing follows it.
	sawDone := false
	var text string
	for _, msg := range msgs {
		if chunk, ok := msg.(protocol.ResponseChunk); ok {
			if chunk.Done {
				sawDone = true
			} else {
				text += chunk.Content
			}
		}
	}
	assert.True(t, sawDone)
	assert.Contains(t, text, "hello streaming world")

	select {
	case msg := <-out:
		t.Fatalf("envelope after terminal: %T", msg)
	case <-time.After(50 * time.Millisecond):
	}

	// First turn sets the title and records the continuation id.
	rec, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello streaming world", rec.Title)
	assert.NotEmpty(t, rec.ContinuationID)
}

func TestTitleTruncated(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.GetOrCreate(ctx, "", "", "")
	require.NoError(t, err)

	long := ""
	for len(long) < 300 {
		long += "refactor everything "
	}
	_, out := startTurn(r, ctx, sess, long)
	collectTurn(t, out)

	rec, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, rec.Title, 100)
}

func TestTitleTruncatedOnRuneBoundary(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.GetOrCreate(ctx, "", "", "")
	require.NoError(t, err)

	// 1 + 40*4 bytes; the 100-byte mark falls inside a rune.
	long := "a" + strings.Repeat("🙂", 40)
	_, out := startTurn(r, ctx, sess, long)
	collectTurn(t, out)

	rec, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(rec.Title), "truncation must not split a rune")
	assert.LessOrEqual(t, len(rec.Title), 100)
	assert.Equal(t, "a"+strings.Repeat("🙂", 24), rec.Title)
}

func TestPermissionDenyFlow(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.GetOrCreate(ctx, "", store.PolicyAskEveryTime, "")
	require.NoError(t, err)

	_, out := startTurn(r, ctx, sess, "!approve:Bash rm -rf build")

	head := readUntil(t, out, func(msg protocol.Message) bool {
		_, ok := msg.(protocol.PermissionRequest)
		return ok
	})
	preq := head[len(head)-1].(protocol.PermissionRequest)
	assert.Equal(t, protocol.KindToolApproval, preq.Kind)
	assert.Equal(t, "Bash", preq.ToolName)
	assert.Equal(t, 60, preq.TimeoutSeconds)

	r.ResolvePermission(&protocol.PermissionResponse{
		RequestID: preq.RequestID,
		Approved:  false,
		Reason:    "user denied",
	})

	rest := collectTurn(t, out)
	assert.Equal(t, protocol.StreamCompleted, terminalOf(t, rest).Action)

	var text string
	for _, msg := range rest {
		if chunk, ok := msg.(protocol.ResponseChunk); ok {
			text += chunk.Content
		}
	}
	assert.Contains(t, text, "user denied")
}

func TestAutoApprovePolicySkipsPrompt(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.GetOrCreate(ctx, "", store.PolicyAutoApprove, "")
	require.NoError(t, err)

	_, out := startTurn(r, ctx, sess, "!approve:Bash ls")
	msgs := collectTurn(t, out)

	sawTool := false
	for _, msg := range msgs {
		switch msg.(type) {
		case protocol.PermissionRequest:
			t.Fatal("auto_approve must not surface permission requests")
		case protocol.ToolActivity:
			sawTool = true
		}
	}
	assert.True(t, sawTool)
	assert.Equal(t, protocol.StreamCompleted, terminalOf(t, msgs).Action)
}

func TestApproveEditsOnlyPolicy(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.GetOrCreate(ctx, "", store.PolicyApproveEditsOnly, "")
	require.NoError(t, err)

	// Edit tools pass without a prompt.
	_, out := startTurn(r, ctx, sess, "!approve:Write main.go")
	for _, msg := range collectTurn(t, out) {
		if _, ok := msg.(protocol.PermissionRequest); ok {
			t.Fatal("edit tool must be auto-approved")
		}
	}

	// Everything else still asks.
	_, out = startTurn(r, ctx, sess, "!approve:Bash make deploy")
	head := readUntil(t, out, func(msg protocol.Message) bool {
		_, ok := msg.(protocol.PermissionRequest)
		return ok
	})
	preq := head[len(head)-1].(protocol.PermissionRequest)
	r.ResolvePermission(&protocol.PermissionResponse{
		RequestID: preq.RequestID,
		Approved:  true,
	})
	collectTurn(t, out)
}

func TestCancelMidStream(t *testing.T) {
	r, _ := newTestRegistry(t, scripted.WithChunkDelay(20*time.Millisecond))
	ctx := context.Background()

	sess, err := r.GetOrCreate(ctx, "", "", "")
	require.NoError(t, err)

	prompt := ""
	for i := 0; i < 100; i++ {
		prompt += "word "
	}
	turnID, out := startTurn(r, ctx, sess, prompt)

	n := 0
	readUntil(t, out, func(protocol.Message) bool {
		n++
		return n == 3
	})
	require.True(t, r.CancelTurn(turnID))

	msgs := collectTurn(t, out)
	last := terminalOf(t, msgs)
	assert.Equal(t, protocol.StreamCancelled, last.Action)
	assert.Equal(t, turnID, last.TurnID)

	// Cancel after terminal is a no-op.
	assert.False(t, r.CancelTurn(turnID))
}

func TestNewTurnForceCancelsPrior(t *testing.T) {
	r, _ := newTestRegistry(t, scripted.WithChunkDelay(10*time.Millisecond))
	ctx := context.Background()

	sess, err := r.GetOrCreate(ctx, "", "", "")
	require.NoError(t, err)

	// Both turns share one sink, like one client connection, so the recorded
	// order is the order a client would see on the wire.
	var mu sync.Mutex
	var wire []protocol.Message
	record := func(msg protocol.Message) {
		mu.Lock()
		wire = append(wire, msg)
		mu.Unlock()
	}

	prompt := ""
	for i := 0; i < 200; i++ {
		prompt += "word "
	}
	firstID := r.HandleChat(ctx, sess, &protocol.Chat{Message: prompt}, record)
	time.Sleep(50 * time.Millisecond)
	secondID := r.HandleChat(ctx, sess, &protocol.Chat{Message: "quick reply"}, record)
	require.NotEqual(t, firstID, secondID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, msg := range wire {
			if sc, ok := msg.(protocol.StreamControl); ok &&
				sc.TurnID == secondID && sc.Action != protocol.StreamStarted {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "second turn never finished")

	mu.Lock()
	defer mu.Unlock()

	firstCancelled, secondStarted := -1, -1
	for i, msg := range wire {
		sc, ok := msg.(protocol.StreamControl)
		if !ok {
			continue
		}
		if sc.TurnID == firstID && sc.Action == protocol.StreamCancelled {
			firstCancelled = i
		}
		if sc.TurnID == secondID && sc.Action == protocol.StreamStarted {
			secondStarted = i
		}
	}
	require.NotEqual(t, -1, firstCancelled, "first turn must end cancelled")
	require.NotEqual(t, -1, secondStarted)
	assert.Less(t, firstCancelled, secondStarted,
		"cancelled terminal must precede the next turn's started envelope")

	last, ok := wire[len(wire)-1].(protocol.StreamControl)
	require.True(t, ok)
	assert.Equal(t, protocol.StreamCompleted, last.Action)
	assert.Equal(t, secondID, last.TurnID)
}

func TestUpdatePolicyQuiescesFirst(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.GetOrCreate(ctx, "", store.PolicyAskEveryTime, "")
	require.NoError(t, err)

	turnID, out := startTurn(r, ctx, sess, "!approve:Bash go build")
	readUntil(t, out, func(msg protocol.Message) bool {
		_, ok := msg.(protocol.PermissionRequest)
		return ok
	})

	// UpdatePolicy denies the pending request, cancels the turn, and waits
	// for it to end before swapping. The turn must already be terminal when
	// it returns.
	require.NoError(t, r.UpdatePolicy(ctx, sess, store.PolicyAutoApprove))
	assert.False(t, r.CancelTurn(turnID))
	assert.Equal(t, store.PolicyAutoApprove, sess.Policy())

	// The turn still ends with exactly one terminal envelope.
	msgs := collectTurn(t, out)
	last := terminalOf(t, msgs)
	assert.Contains(t,
		[]string{protocol.StreamCancelled, protocol.StreamCompleted},
		last.Action)
}

func TestQuiesceResolvesPendingAndCancelsTurn(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.GetOrCreate(ctx, "", store.PolicyAskEveryTime, "")
	require.NoError(t, err)

	_, out := startTurn(r, ctx, sess, "!approve:Bash sleep 100")
	readUntil(t, out, func(msg protocol.Message) bool {
		_, ok := msg.(protocol.PermissionRequest)
		return ok
	})

	r.Quiesce(sess, "connection lost")

	msgs := collectTurn(t, out)
	last := terminalOf(t, msgs)
	assert.Contains(t,
		[]string{protocol.StreamCancelled, protocol.StreamCompleted},
		last.Action)
}

func TestDeleteQuiescesAndRemovesSession(t *testing.T) {
	r, st := newTestRegistry(t, scripted.WithChunkDelay(20*time.Millisecond))
	ctx := context.Background()

	sess, err := r.GetOrCreate(ctx, "", "", "")
	require.NoError(t, err)

	prompt := ""
	for i := 0; i < 100; i++ {
		prompt += "word "
	}
	_, out := startTurn(r, ctx, sess, prompt)
	readUntil(t, out, func(protocol.Message) bool { return true })

	require.NoError(t, r.Delete(ctx, sess.ID))

	// Delete returns only after the in-flight turn was cancelled and ended.
	msgs := collectTurn(t, out)
	assert.Equal(t, protocol.StreamCancelled, terminalOf(t, msgs).Action)

	_, err = st.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	r.mu.Lock()
	_, live := r.sessions[sess.ID]
	r.mu.Unlock()
	assert.False(t, live, "deleted session must not stay in memory")

	// Deleting again reports not found.
	assert.ErrorIs(t, r.Delete(ctx, sess.ID), store.ErrNotFound)
}

func TestGetOrCreateValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.GetOrCreate(ctx, "", "yolo", "")
	require.ErrorIs(t, err, ErrUnknownPolicy)

	sess, err := r.GetOrCreate(ctx, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, store.DefaultPolicy, sess.Policy())

	// Same id returns the same live session.
	again, err := r.GetOrCreate(ctx, sess.ID, "", "")
	require.NoError(t, err)
	assert.Same(t, sess, again)
}

func TestResumeFromStore(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	rec := &store.Session{
		ID:             "persisted",
		Title:          "older work",
		Policy:         store.PolicyAutoApprove,
		ContinuationID: "cont-7",
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}
	require.NoError(t, st.CreateSession(ctx, rec))

	sess, err := r.GetOrCreate(ctx, "persisted", "", "")
	require.NoError(t, err)
	assert.Equal(t, store.PolicyAutoApprove, sess.Policy())

	sess.mu.Lock()
	assert.Equal(t, "cont-7", sess.continuationID)
	assert.True(t, sess.hasTitle)
	sess.mu.Unlock()
}

func TestEvictIdleSkipsActiveTurns(t *testing.T) {
	r, st := newTestRegistry(t, scripted.WithChunkDelay(20*time.Millisecond))
	ctx := context.Background()

	idle, err := r.GetOrCreate(ctx, "", "", "")
	require.NoError(t, err)
	require.NoError(t, st.TouchActivity(ctx, idle.ID, time.Now().Add(-2*time.Hour)))

	busy, err := r.GetOrCreate(ctx, "", "", "")
	require.NoError(t, err)
	require.NoError(t, st.TouchActivity(ctx, busy.ID, time.Now().Add(-2*time.Hour)))

	prompt := ""
	for i := 0; i < 100; i++ {
		prompt += "word "
	}
	turnID, out := startTurn(r, ctx, busy, prompt)

	evicted := r.EvictIdle(ctx, time.Hour)
	assert.Equal(t, 1, evicted)

	// The idle session is gone from memory; the busy one survives.
	r.mu.Lock()
	_, idleLive := r.sessions[idle.ID]
	_, busyLive := r.sessions[busy.ID]
	r.mu.Unlock()
	assert.False(t, idleLive)
	assert.True(t, busyLive)

	r.CancelTurn(turnID)
	collectTurn(t, out)
}

// ABOUTME: Tests for gateway assembly, health endpoints, and the session API.

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatterhq/chatter-gateway/internal/config"
	"github.com/chatterhq/chatter-gateway/internal/protocol"
	"github.com/chatterhq/chatter-gateway/internal/store"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	cfg := &config.Config{
		Server:   config.ServerConfig{Addr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")},
		Backend:  config.BackendConfig{Kind: "scripted"},
		Sessions: config.SessionsConfig{
			DefaultPolicy: store.DefaultPolicy,
			IdleTimeout:   30 * time.Minute,
		},
	}
	gw, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

func seedSession(t *testing.T, gw *Gateway, id string, archived bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, gw.store.CreateSession(ctx, &store.Session{
		ID:             id,
		Title:          "work on " + id,
		Policy:         store.DefaultPolicy,
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}))
	if archived {
		require.NoError(t, gw.store.ArchiveSession(ctx, id))
	}
}

func TestHealthEndpoints(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	gw.handleReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}

func TestListSessionsAPI(t *testing.T) {
	gw := newTestGateway(t)
	seedSession(t, gw, "s-1", false)
	seedSession(t, gw, "s-2", true)

	server := httptest.NewServer(gw.httpServer.Handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sessions []SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s-1", sessions[0].ID)

	resp, err = http.Get(server.URL + "/api/sessions?archived=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	assert.Len(t, sessions, 2)
}

func TestGetArchiveDeleteSessionAPI(t *testing.T) {
	gw := newTestGateway(t)
	seedSession(t, gw, "s-1", false)

	server := httptest.NewServer(gw.httpServer.Handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/sessions/s-1")
	require.NoError(t, err)
	var got SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, "work on s-1", got.Title)

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/sessions/s-1/archive", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete, server.URL+"/api/sessions/s-1", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(server.URL + "/api/sessions/s-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteSessionQuiescesLiveTurn(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	sess, err := gw.registry.GetOrCreate(ctx, "", store.PolicyAskEveryTime, "")
	require.NoError(t, err)

	// Park a turn on a permission prompt so it is still in flight when the
	// delete arrives.
	out := make(chan protocol.Message, 256)
	gw.registry.HandleChat(ctx, sess, &protocol.Chat{Message: "!approve:Bash sleep forever"},
		func(msg protocol.Message) { out <- msg })

	deadline := time.After(5 * time.Second)
	for asked := false; !asked; {
		select {
		case msg := <-out:
			_, asked = msg.(protocol.PermissionRequest)
		case <-deadline:
			t.Fatal("permission request never arrived")
		}
	}

	server := httptest.NewServer(gw.httpServer.Handler)
	defer server.Close()

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/api/sessions/"+sess.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The handler only returns after the live session was quiesced, so the
	// turn's terminal envelope is already delivered.
	for terminal := false; !terminal; {
		select {
		case msg := <-out:
			if sc, ok := msg.(protocol.StreamControl); ok && sc.Action != protocol.StreamStarted {
				terminal = true
			}
		case <-deadline:
			t.Fatal("deleted session's turn never ended")
		}
	}

	resp, err = http.Get(server.URL + "/api/sessions/" + sess.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIUnknownSession(t *testing.T) {
	gw := newTestGateway(t)
	server := httptest.NewServer(gw.httpServer.Handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/sessions/ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBuildAdapterUnknownKind(t *testing.T) {
	_, err := buildAdapter(&config.Config{Backend: config.BackendConfig{Kind: "espeak"}}, nil)
	require.Error(t, err)
}

func TestRunServesAndShutsDown(t *testing.T) {
	gw := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}

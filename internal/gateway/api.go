// ABOUTME: HTTP API handlers for session management.
// ABOUTME: Listing, archiving, and deleting sessions outside the WebSocket flow.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/chatterhq/chatter-gateway/internal/store"
)

// SessionResponse is the JSON shape for one session in API responses.
type SessionResponse struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Policy         string    `json:"policy"`
	ProjectRoot    string    `json:"project_root,omitempty"`
	Archived       bool      `json:"archived"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", g.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/archive", g.handleArchiveSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", g.handleDeleteSession)
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("archived") == "true"

	sessions, err := g.store.ListSessions(r.Context(), includeArchived)
	if err != nil {
		g.logger.Error("listing sessions failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.store.GetSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		g.logger.Error("fetching session failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (g *Gateway) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	err := g.store.ArchiveSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		g.logger.Error("archiving session failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteSession goes through the registry, not the store: a live
// session must be quiesced and dropped from memory before its row goes away,
// or an in-flight turn would keep streaming for a session that no longer
// exists.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := g.registry.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		g.logger.Error("deleting session failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toSessionResponse(s *store.Session) SessionResponse {
	return SessionResponse{
		ID:             s.ID,
		Title:          s.Title,
		Policy:         s.Policy,
		ProjectRoot:    s.ProjectRoot,
		Archived:       s.Archived,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

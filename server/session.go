package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentmem/memd/memory"
	"github.com/agentmem/memd/runtime"
	"github.com/agentmem/memd/session"
)

type createSessionRequest struct {
	AgentID string `json:"agent_id"`
}

// handleCreateSession starts a conversation scoped to the caller.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sess, err := s.sessions.Create(r.Context(), userID, req.AgentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

type appendMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type appendMessageResponse struct {
	Message         session.Message `json:"message"`
	ExtractEnqueued bool            `json:"extract_enqueued"`
}

// handleAppendMessage adds a message to the session's transcript and bounded
// window. An assistant turn closes an exchange, so it enqueues a background
// extraction pass for the session.
func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	sessionID := mux.Vars(r)["id"]

	var req appendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sess, err := s.ownedSession(w, r, sessionID, userID)
	if err != nil {
		return
	}

	role := session.Role(req.Role)
	switch role {
	case session.RoleUser, session.RoleAssistant, session.RoleSystem:
	default:
		s.writeError(w, r, fmt.Errorf("%w: unknown role %q", memory.ErrInvalidInput, req.Role))
		return
	}
	if req.Content == "" {
		s.writeError(w, r, fmt.Errorf("%w: content is required", memory.ErrInvalidInput))
		return
	}

	msg, err := s.buffer.Append(r.Context(), sessionID, role, req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	enqueued := false
	if role == session.RoleAssistant && s.dispatcher != nil {
		enqueued = s.dispatcher.Enqueue(runtime.ExtractJob{
			SessionID: sessionID,
			UserID:    userID,
			AgentID:   sess.AgentID,
		})
	}
	s.writeJSON(w, http.StatusCreated, appendMessageResponse{Message: msg, ExtractEnqueued: enqueued})
}

// handleSessionMemory returns the session's derived memory view: the bounded
// short-term window, the overflow summary, and the caller's fact and
// preference projections.
func (s *Server) handleSessionMemory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	sessionID := mux.Vars(r)["id"]

	sess, err := s.ownedSession(w, r, sessionID, userID)
	if err != nil {
		return
	}

	snapshot, err := s.buffer.Snapshot(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	facts, preferences, err := s.engine.ListForSession(r.Context(), userID, sess.AgentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snapshot.Facts = facts
	snapshot.Preferences = preferences
	if snapshot.Facts == nil {
		snapshot.Facts = []memory.MemoryRecord{}
	}
	if snapshot.Preferences == nil {
		snapshot.Preferences = []memory.MemoryRecord{}
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

// handleCloseSession drops the session's in-memory window and enqueues a final
// extraction pass over the transcript. The persisted transcript and summary
// are kept.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	sessionID := mux.Vars(r)["id"]

	sess, err := s.ownedSession(w, r, sessionID, userID)
	if err != nil {
		return
	}

	s.buffer.Drop(sessionID)
	enqueued := false
	if s.dispatcher != nil {
		enqueued = s.dispatcher.Enqueue(runtime.ExtractJob{
			SessionID: sessionID,
			UserID:    userID,
			AgentID:   sess.AgentID,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"closed": true, "extract_enqueued": enqueued})
}

// ownedSession loads the session and verifies the caller owns it, writing the
// error response on failure. Unknown sessions are invalid input; sessions
// owned by another user are not authorized.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request, sessionID, userID string) (*session.Session, error) {
	sess, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, r, err)
		return nil, err
	}
	if sess == nil {
		err := fmt.Errorf("%w: unknown session %q", memory.ErrInvalidInput, sessionID)
		s.writeError(w, r, err)
		return nil, err
	}
	if sess.UserID != userID {
		err := fmt.Errorf("%w: session %q", memory.ErrNotAuthorized, sessionID)
		s.writeError(w, r, err)
		return nil, err
	}
	return sess, nil
}

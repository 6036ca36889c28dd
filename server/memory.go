package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentmem/memd/memory"
)

type extractRequest struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
}

type extractResponse struct {
	Created int `json:"created"`
	Merged  int `json:"merged"`
}

// handleExtract runs a synchronous extraction pass for a session. Background
// extraction after assistant turns goes through the dispatcher instead.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req extractRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	report, err := s.engine.Extract(r.Context(), req.SessionID, req.AgentID, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, extractResponse{Created: report.Created, Merged: report.Merged})
}

type reflectRequest struct {
	AgentID string `json:"agent_id"`
}

type reflectResponse struct {
	Expired           int  `json:"expired"`
	Compacted         int  `json:"compacted"`
	CompactionSkipped bool `json:"compaction_skipped"`
}

// handleReflect runs an on-demand maintenance pass for the caller's scope.
func (s *Server) handleReflect(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req reflectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.AgentID == "" {
		s.writeError(w, r, fmt.Errorf("%w: agent_id is required", memory.ErrInvalidInput))
		return
	}

	report, err := s.engine.Reflect(r.Context(), userID, req.AgentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reflectResponse{
		Expired:           report.Expired,
		Compacted:         report.Compacted,
		CompactionSkipped: report.CompactionSkipped,
	})
}

type listMemoriesResponse struct {
	Memories []memory.MemoryRecord `json:"memories"`
}

// handleListMemories returns the caller's active records for an agent,
// strongest first.
func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}

	agentID := r.URL.Query().Get("agent_id")
	records, err := s.engine.List(r.Context(), userID, agentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []memory.MemoryRecord{}
	}
	s.writeJSON(w, http.StatusOK, listMemoriesResponse{Memories: records})
}

type deleteMemoryResponse struct {
	Deleted bool `json:"deleted"`
}

// handleDeleteMemory removes one record the caller owns. A missing record and
// a record owned by someone else are indistinguishable in the response.
func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}

	memoryID := mux.Vars(r)["id"]
	deleted, err := s.engine.DeleteOwned(r.Context(), memoryID, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !deleted {
		s.writeJSON(w, http.StatusNotFound, deleteMemoryResponse{Deleted: false})
		return
	}
	s.writeJSON(w, http.StatusOK, deleteMemoryResponse{Deleted: true})
}

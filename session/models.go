package session

import (
	"time"

	"github.com/agentmem/memd/memory"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session is one conversation between a user and an agent. The message log
// and the memory records are the source of truth; SessionMemory is derived.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	AgentID   string    `json:"agent_id"`
	Summary   string    `json:"summary"` // grows monotonically on buffer eviction
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one persisted transcript entry.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionMemory is the derived view attached to a session: the bounded recent
// window, the accumulated overflow summary, and the read-through projections
// of the user's active memory records. It is recomputed per session load and
// never persisted as the source of truth.
type SessionMemory struct {
	ShortTerm   []Message             `json:"short_term"`
	Summary     string                `json:"summary"`
	Facts       []memory.MemoryRecord `json:"facts"`
	Preferences []memory.MemoryRecord `json:"preferences"`
}

package memory

import "time"

// Kind describes the kind of memory record.
type Kind string

const (
	KindFact       Kind = "fact"
	KindPreference Kind = "preference"
	// KindSummary records are produced only by the Reflector (compaction)
	// or by session buffer overflow, never directly by extraction.
	KindSummary Kind = "summary"
)

// Expiry reasons recorded when a record leaves the active set.
const (
	ExpireReasonTTL       = "ttl"
	ExpireReasonCompacted = "compacted"
)

// MemoryRecord is a single durable statement about a user, scoped to one agent.
type MemoryRecord struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	AgentID          string     `json:"agent_id"`
	Kind             Kind       `json:"kind"`
	Content          string     `json:"content"`
	Salience         float64    `json:"salience"` // [0,1], higher = more important
	Embedding        []float32  `json:"embedding,omitempty"`
	SourceSessionID  *string    `json:"source_session_id,omitempty"` // nil for compacted records
	CreatedAt        time.Time  `json:"created_at"`
	LastReinforcedAt time.Time  `json:"last_reinforced_at"`
	ExpiredAt        *time.Time `json:"expired_at,omitempty"`
	ExpireReason     string     `json:"expire_reason,omitempty"`
}

// Expired reports whether the record has left the active set.
func (r *MemoryRecord) Expired() bool {
	return r.ExpiredAt != nil
}

// Key is the composite ownership key every operation is scoped to.
type Key struct {
	UserID  string
	AgentID string
}

func (k Key) String() string {
	return k.UserID + "\x1f" + k.AgentID
}

// Candidate is a provisional memory statement produced by the external
// generation capability from a session transcript.
type Candidate struct {
	Kind     Kind    `json:"kind"`
	Content  string  `json:"content"`
	Salience float64 `json:"salience"`
}

// Message is one transcript entry consumed by the extraction pipeline.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExtractReport summarizes one extraction pass.
type ExtractReport struct {
	Created int `json:"created"`
	Merged  int `json:"merged"`
}

// ReflectReport summarizes one reflection pass over a (user, agent) key.
// Expired counts TTL-expired records plus group members folded by compaction;
// Compacted counts new summary records. CompactionSkipped is set when the
// similarity capability was unavailable and only expiry ran.
type ReflectReport struct {
	Expired           int  `json:"expired"`
	Compacted         int  `json:"compacted"`
	CompactionSkipped bool `json:"compaction_skipped,omitempty"`
}

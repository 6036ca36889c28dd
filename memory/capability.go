package memory

import (
	"context"
	"strings"
)

// CandidateGenerator turns a session transcript into zero or more candidate
// memory statements. It is an external text-generation capability: slow,
// nondeterministic, and allowed to fail. Callers must never hold a key lock
// across a GenerateCandidates call.
type CandidateGenerator interface {
	GenerateCandidates(ctx context.Context, transcript []Message) ([]Candidate, error)
}

// Condenser rewrites a cluster of similar statements into one condensed
// statement. Optional: compaction falls back to deterministic joining when no
// condenser is configured or the call fails.
type Condenser interface {
	Condense(ctx context.Context, contents []string) (string, error)
}

// TranscriptSource provides ordered session messages, enforcing that the
// requesting user owns the session.
type TranscriptSource interface {
	Transcript(ctx context.Context, sessionID, userID string) ([]Message, error)
}

// sanitizeCandidates enforces the candidate contract before merge: empty
// content is dropped, salience is clamped to [0,1], and unknown kinds fall
// back to fact. Extraction never produces summary records. The input slice is
// owned by the generator and may be shared across concurrent extractions, so
// it is never written through.
func sanitizeCandidates(cands []Candidate) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		c.Content = strings.TrimSpace(c.Content)
		if c.Content == "" {
			continue
		}
		if c.Kind != KindFact && c.Kind != KindPreference {
			c.Kind = KindFact
		}
		if c.Salience < 0 {
			c.Salience = 0
		}
		if c.Salience > 1 {
			c.Salience = 1
		}
		out = append(out, c)
	}
	return out
}

// joinContents is the deterministic condensation fallback.
func joinContents(contents []string) string {
	return strings.Join(contents, "; ")
}

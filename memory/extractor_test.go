package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// stubTranscripts serves a fixed transcript for one session/owner pair.
type stubTranscripts struct {
	sessionID string
	userID    string
	messages  []Message
}

func (s *stubTranscripts) Transcript(_ context.Context, sessionID, userID string) ([]Message, error) {
	if sessionID != s.sessionID {
		return nil, fmt.Errorf("%w: unknown session %q", ErrInvalidInput, sessionID)
	}
	if userID != s.userID {
		return nil, fmt.Errorf("%w: session %q", ErrNotAuthorized, sessionID)
	}
	return s.messages, nil
}

// stubGenerator returns a fixed candidate set.
type stubGenerator struct {
	candidates []Candidate
	err        error
}

func (s *stubGenerator) GenerateCandidates(context.Context, []Message) ([]Candidate, error) {
	return s.candidates, s.err
}

func newTestExtractor(t *testing.T, store *Store, transcripts TranscriptSource, generator CandidateGenerator) *Extractor {
	t.Helper()
	return NewExtractor(store, NewKeyLock(), transcripts, generator, ExtractorConfig{
		MergeThreshold: 0.85,
		ReinforceDelta: 0.1,
		LockWait:       time.Second,
	}, zerolog.Nop())
}

func testTranscripts() *stubTranscripts {
	return &stubTranscripts{
		sessionID: "sess-1",
		userID:    "alice",
		messages: []Message{
			{Role: "user", Content: "I really like espresso."},
			{Role: "assistant", Content: "Noted!"},
		},
	}
}

func TestExtractor_CreatesThenMerges(t *testing.T) {
	store := newTestStore(t, setupTestDB(t))
	gen := &stubGenerator{candidates: []Candidate{
		{Kind: KindPreference, Content: "the user likes espresso", Salience: 0.6},
	}}
	ex := newTestExtractor(t, store, testTranscripts(), gen)
	ctx := context.Background()

	report, err := ex.Extract(ctx, "sess-1", "helper", "alice")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if report.Created != 1 || report.Merged != 0 {
		t.Fatalf("first pass: %+v", report)
	}

	// Same candidate again merges by reinforcement instead of duplicating.
	report, err = ex.Extract(ctx, "sess-1", "helper", "alice")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if report.Created != 0 || report.Merged != 1 {
		t.Fatalf("second pass: %+v", report)
	}

	active, err := store.ListActive(ctx, "alice", "helper")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 record after merge, got %d", len(active))
	}
	if math.Abs(active[0].Salience-0.7) > 1e-9 {
		t.Fatalf("expected reinforced salience 0.7, got %f", active[0].Salience)
	}
	if active[0].SourceSessionID == nil || *active[0].SourceSessionID != "sess-1" {
		t.Fatalf("expected source session recorded, got %+v", active[0].SourceSessionID)
	}
}

func TestExtractor_SanitizesCandidates(t *testing.T) {
	store := newTestStore(t, setupTestDB(t))
	gen := &stubGenerator{candidates: []Candidate{
		{Kind: "opinion", Content: "  the user dislikes mornings  ", Salience: 1.7},
		{Kind: KindFact, Content: "   ", Salience: 0.5},
	}}
	ex := newTestExtractor(t, store, testTranscripts(), gen)

	report, err := ex.Extract(context.Background(), "sess-1", "helper", "alice")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if report.Created != 1 {
		t.Fatalf("expected only the non-empty candidate, got %+v", report)
	}

	active, err := store.ListActive(context.Background(), "alice", "helper")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if active[0].Kind != KindFact {
		t.Fatalf("unknown kind should fall back to fact, got %q", active[0].Kind)
	}
	if active[0].Salience != 1.0 {
		t.Fatalf("salience should clamp to 1.0, got %f", active[0].Salience)
	}
	if active[0].Content != "the user dislikes mornings" {
		t.Fatalf("content not trimmed: %q", active[0].Content)
	}
}

func TestExtractor_InputValidation(t *testing.T) {
	store := newTestStore(t, setupTestDB(t))
	ex := newTestExtractor(t, store, testTranscripts(), &stubGenerator{})

	_, err := ex.Extract(context.Background(), "", "helper", "alice")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	_, err = ex.Extract(context.Background(), "nope", "helper", "alice")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown session: expected ErrInvalidInput, got %v", err)
	}

	_, err = ex.Extract(context.Background(), "sess-1", "helper", "mallory")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("foreign session: expected ErrNotAuthorized, got %v", err)
	}
}

func TestExtractor_NoGeneratorConfigured(t *testing.T) {
	store := newTestStore(t, setupTestDB(t))
	ex := newTestExtractor(t, store, testTranscripts(), nil)

	_, err := ex.Extract(context.Background(), "sess-1", "helper", "alice")
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
}

func TestExtractor_GeneratorFailure(t *testing.T) {
	store := newTestStore(t, setupTestDB(t))
	gen := &stubGenerator{err: errors.New("model timeout")}
	ex := newTestExtractor(t, store, testTranscripts(), gen)

	_, err := ex.Extract(context.Background(), "sess-1", "helper", "alice")
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}

	// Nothing may be written when generation fails.
	active, err := store.ListActive(context.Background(), "alice", "helper")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no records, got %d", len(active))
	}
}

func TestExtractor_ConcurrentSameScopeNoDuplicates(t *testing.T) {
	store := newTestStore(t, setupTestDB(t))
	gen := &stubGenerator{candidates: []Candidate{
		{Kind: KindPreference, Content: "the user likes espresso", Salience: 0.6},
	}}
	ex := newTestExtractor(t, store, testTranscripts(), gen)
	ctx := context.Background()

	var wg sync.WaitGroup
	reports := make([]ExtractReport, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = ex.Extract(ctx, "sess-1", "helper", "alice")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Extract %d: %v", i, err)
		}
	}
	created := reports[0].Created + reports[1].Created
	merged := reports[0].Merged + reports[1].Merged
	if created != 1 || merged != 1 {
		t.Fatalf("expected exactly one create and one merge, got created=%d merged=%d", created, merged)
	}

	active, err := store.ListActive(ctx, "alice", "helper")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("concurrent extraction duplicated the record: %d", len(active))
	}
}

func TestExtractor_BusyWhenLockHeld(t *testing.T) {
	store := newTestStore(t, setupTestDB(t))
	locks := NewKeyLock()
	ex := NewExtractor(store, locks, testTranscripts(), &stubGenerator{
		candidates: []Candidate{{Kind: KindFact, Content: "the user works in Berlin", Salience: 0.5}},
	}, ExtractorConfig{
		MergeThreshold: 0.85,
		ReinforceDelta: 0.1,
		LockWait:       20 * time.Millisecond,
	}, zerolog.Nop())

	release, err := locks.Acquire(context.Background(), Key{UserID: "alice", AgentID: "helper"}, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	_, err = ex.Extract(context.Background(), "sess-1", "helper", "alice")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

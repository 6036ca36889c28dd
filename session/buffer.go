package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// BufferConfig bounds the short-term window.
type BufferConfig struct {
	// MaxMessages caps the window by message count.
	MaxMessages int
	// MaxTokens caps the window by cumulative token estimate.
	MaxTokens int
}

// Buffer maintains the bounded short-term message window per session. On
// overflow it evicts from the oldest end until both bounds are satisfied and
// appends a one-line synopsis of each evicted message to the session's
// persisted summary. It does no merge or similarity logic.
//
// Buffers are scoped to one session; the single mutex only guards the window
// map, all operations on it are fast.
type Buffer struct {
	store  *Store
	cfg    BufferConfig
	logger zerolog.Logger

	mu      sync.Mutex
	windows map[string][]Message
}

// NewBuffer creates a session buffer over the session store.
func NewBuffer(store *Store, cfg BufferConfig, logger zerolog.Logger) *Buffer {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 20
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	return &Buffer{
		store:   store,
		cfg:     cfg,
		logger:  logger.With().Str("component", "session_buffer").Logger(),
		windows: make(map[string][]Message),
	}
}

// Append persists the message to the transcript log, adds it to the window,
// and evicts oldest messages while either bound is exceeded. Every evicted
// message contributes one synopsis line to the session summary.
func (b *Buffer) Append(ctx context.Context, sessionID string, role Role, content string) (Message, error) {
	msg, err := b.store.AppendMessage(ctx, sessionID, role, content)
	if err != nil {
		return Message{}, err
	}

	b.mu.Lock()
	window := append(b.windows[sessionID], msg)
	var evicted []Message
	for len(window) > 1 && (len(window) > b.cfg.MaxMessages || windowTokens(window) > b.cfg.MaxTokens) {
		evicted = append(evicted, window[0])
		window = window[1:]
	}
	b.windows[sessionID] = window
	b.mu.Unlock()

	for _, old := range evicted {
		if err := b.store.AppendSummary(ctx, sessionID, synopsis(old)); err != nil {
			return Message{}, err
		}
	}
	if len(evicted) > 0 {
		b.logger.Debug().
			Str("session_id", sessionID).
			Int("evicted", len(evicted)).
			Int("window", len(window)).
			Msg("evicted messages from short-term window")
	}
	return msg, nil
}

// Snapshot returns the session's derived memory view: the current short-term
// window and the accumulated summary. Fact and preference projections are
// filled in by the caller from the access layer.
func (b *Buffer) Snapshot(ctx context.Context, sessionID string) (SessionMemory, error) {
	sess, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return SessionMemory{}, err
	}
	if sess == nil {
		return SessionMemory{}, fmt.Errorf("unknown session %q", sessionID)
	}

	b.mu.Lock()
	window := b.windows[sessionID]
	shortTerm := make([]Message, len(window))
	copy(shortTerm, window)
	b.mu.Unlock()

	return SessionMemory{
		ShortTerm: shortTerm,
		Summary:   sess.Summary,
	}, nil
}

// Drop discards the in-memory window for a closed session. The transcript
// and summary stay persisted.
func (b *Buffer) Drop(sessionID string) {
	b.mu.Lock()
	delete(b.windows, sessionID)
	b.mu.Unlock()
}

// estimateTokens is a cheap character-based token estimate.
func estimateTokens(content string) int {
	return len(content)/4 + 1
}

func windowTokens(window []Message) int {
	total := 0
	for _, msg := range window {
		total += estimateTokens(msg.Content)
	}
	return total
}

// synopsis produces the one-line extractive summary of an evicted message.
func synopsis(msg Message) string {
	line := msg.Content
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	const maxLen = 120
	if len(line) > maxLen {
		line = line[:maxLen] + "..."
	}
	return fmt.Sprintf("%s: %s", msg.Role, line)
}

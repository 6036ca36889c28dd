package memory

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"regexp"
	"strings"
	"sync"
)

// Similarity scores how close two natural-language statements are, in [0,1].
// It is a black-box capability: implementations may call out to an embedding
// service and are allowed to fail.
type Similarity interface {
	Score(ctx context.Context, a, b string) (float64, error)
}

// Embedder is a pluggable interface for getting embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingSimilarity implements Similarity over an Embedder using cosine
// similarity. Embeddings are cached per content string so reflection passes
// do not re-embed the whole record set every time.
type EmbeddingSimilarity struct {
	embedder Embedder

	mu    sync.Mutex
	cache map[string][]float32
}

const embeddingCacheLimit = 4096

// NewEmbeddingSimilarity wraps an embedder as a Similarity capability.
func NewEmbeddingSimilarity(embedder Embedder) *EmbeddingSimilarity {
	return &EmbeddingSimilarity{
		embedder: embedder,
		cache:    make(map[string][]float32),
	}
}

// Score embeds both texts and returns their cosine similarity clamped to [0,1].
func (s *EmbeddingSimilarity) Score(ctx context.Context, a, b string) (float64, error) {
	va, err := s.embed(ctx, a)
	if err != nil {
		return 0, err
	}
	vb, err := s.embed(ctx, b)
	if err != nil {
		return 0, err
	}
	score := CosineSimilarity(va, vb)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

func (s *EmbeddingSimilarity) embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	vec, ok := s.cache[text]
	s.mu.Unlock()
	if ok {
		return vec, nil
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.cache) >= embeddingCacheLimit {
		s.cache = make(map[string][]float32)
	}
	s.cache[text] = vec
	s.mu.Unlock()
	return vec, nil
}

var tokenSplitter = regexp.MustCompile(`[^a-z0-9]+`)

// LexicalSimilarity is a deterministic, dependency-free Similarity based on
// token-set Jaccard overlap. It is the fallback when no embedding backend is
// configured and the double used throughout the tests.
type LexicalSimilarity struct{}

// Score returns the Jaccard coefficient of the two token sets.
func (LexicalSimilarity) Score(_ context.Context, a, b string) (float64, error) {
	sa := tokenSet(a)
	sb := tokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0, nil
	}
	var both int
	for tok := range sa {
		if _, ok := sb[tok]; ok {
			both++
		}
	}
	union := len(sa) + len(sb) - both
	return float64(both) / float64(union), nil
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range tokenSplitter.Split(strings.ToLower(s), -1) {
		if tok != "" {
			out[tok] = struct{}{}
		}
	}
	return out
}

// EncodeEmbedding encodes a []float32 into a []byte for storage.
func EncodeEmbedding(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	b := make([]byte, len(vec)*4)
	for i, f := range vec {
		u := math.Float32bits(f)
		binary.LittleEndian.PutUint32(b[i*4:], u)
	}
	return b
}

// DecodeEmbedding decodes a []byte into a []float32.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, errors.New("invalid embedding blob length")
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		u := binary.LittleEndian.Uint32(b[i*4:])
		vec[i] = math.Float32frombits(u)
	}
	return vec, nil
}

// CosineSimilarity between two equal-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

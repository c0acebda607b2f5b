package retriever

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Embedder turns texts into vectors. Vectors of one model are comparable by
// cosine similarity.
type Embedder interface {
	Model() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Normalize lowercases s and strips diacritics so "Belém" matches "belem".
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "in": true, "on": true, "at": true,
	"to": true, "for": true, "and": true, "or": true, "with": true, "within": true,
	"near": true, "is": true, "are": true, "what": true, "which": true, "where": true,
	"me": true, "show": true, "find": true, "list": true, "from": true, "by": true,
	"all": true, "use": true, "this": true, "de": true, "da": true, "do": true,
}

// Tokens splits normalized text into stemmed content words.
func Tokens(s string) []string {
	fields := strings.FieldsFunc(Normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, stem(f))
	}
	return out
}

func stem(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}

// LexicalEmbedder hashes stemmed words into a fixed-size bag-of-words vector.
// It needs no model and is deterministic.
type LexicalEmbedder struct {
	dim int
}

// NewLexicalEmbedder creates a lexical embedder with dim buckets.
func NewLexicalEmbedder(dim int) *LexicalEmbedder {
	if dim <= 0 {
		dim = 1024
	}
	return &LexicalEmbedder{dim: dim}
}

func (e *LexicalEmbedder) Model() string {
	return fmt.Sprintf("lexical-%d", e.dim)
}

func (e *LexicalEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := make([]float32, e.dim)
		for _, tok := range Tokens(text) {
			h := fnv.New32a()
			h.Write([]byte(tok))
			vec[h.Sum32()%uint32(e.dim)]++
		}
		out[i] = normalizeVector(vec)
	}
	return out, nil
}

// GenkitEmbedder embeds through a genkit embedder (e.g. a text-embedding model).
type GenkitEmbedder struct {
	embedder ai.Embedder
	model    string
}

// NewGenkitEmbedder wraps a genkit embedder registered as model.
func NewGenkitEmbedder(embedder ai.Embedder, model string) *GenkitEmbedder {
	return &GenkitEmbedder{embedder: embedder, model: model}
}

func (e *GenkitEmbedder) Model() string {
	return e.model
}

func (e *GenkitEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := ai.Embed(ctx, e.embedder, ai.WithTextDocs(texts...))
	if err != nil {
		return nil, fmt.Errorf("embedding failed (model: %s): %w", e.model, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		out[i] = normalizeVector(emb.Embedding)
	}
	return out, nil
}

func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

// cosine of two unit vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

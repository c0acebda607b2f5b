// Package retriever narrows the dataset catalog to the datasets relevant to a
// query by similarity between the query and dataset descriptions.
package retriever

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/catalog"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Source lists the registered descriptors. Generation changes whenever the
// set of descriptors does.
type Source interface {
	Descriptors() []geoscale.DatasetDescriptor
	Generation() uint64
}

// EmbeddingStore persists description embeddings across restarts.
type EmbeddingStore interface {
	Embedding(ctx context.Context, datasetID, model, textHash string) ([]float32, bool, error)
	SaveEmbedding(ctx context.Context, datasetID, model, textHash string, vector []float32) error
}

// Retriever implements geoscale.DatasetRetriever.
type Retriever struct {
	source        Source
	embedder      Embedder
	store         EmbeddingStore
	queries       *lru.Cache[string, []float32]
	minSimilarity float64
	alwaysInclude map[string]bool

	mu    sync.Mutex
	index *index
}

type indexed struct {
	desc   geoscale.DatasetDescriptor
	vector []float32
	names  []string // normalized title and id, for name matching
}

type index struct {
	generation uint64
	entries    []indexed
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithMinSimilarity sets the similarity below which a dataset is not relevant.
func WithMinSimilarity(min float64) Option {
	return func(r *Retriever) {
		r.minSimilarity = min
	}
}

// WithAlwaysInclude appends datasets of the given categories to every
// non-empty selection.
func WithAlwaysInclude(categories ...string) Option {
	return func(r *Retriever) {
		for _, c := range categories {
			r.alwaysInclude[c] = true
		}
	}
}

// WithEmbeddingStore caches description embeddings in store.
func WithEmbeddingStore(store EmbeddingStore) Option {
	return func(r *Retriever) {
		r.store = store
	}
}

// WithQueryCacheSize bounds the number of cached query embeddings.
func WithQueryCacheSize(size int) Option {
	return func(r *Retriever) {
		if c, err := lru.New[string, []float32](size); err == nil {
			r.queries = c
		}
	}
}

// New creates a retriever over source using embedder.
func New(source Source, embedder Embedder, opts ...Option) *Retriever {
	r := &Retriever{
		source:        source,
		embedder:      embedder,
		minSimilarity: 0.12,
		alwaysInclude: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.queries == nil {
		r.queries, _ = lru.New[string, []float32](256)
	}
	return r
}

type scored struct {
	id      string
	score   float64
	matched int
}

// Select returns up to k relevant dataset ids, most relevant first. Datasets
// whose title or id appears in the query come first regardless of score.
func (r *Retriever) Select(ctx context.Context, query geoscale.Query, k int) ([]string, error) {
	start := time.Now()
	text := strings.TrimSpace(query.Text)
	if text == "" {
		return nil, nil
	}

	idx, err := r.currentIndex(ctx)
	if err != nil {
		return nil, err
	}
	qvec, err := r.queryVector(ctx, text)
	if err != nil {
		return nil, err
	}
	normalized := padded(text)

	var named, ranked []scored
	for _, e := range idx.entries {
		s := scored{id: e.desc.ID, score: cosine(qvec, e.vector)}
		for _, name := range e.names {
			if len(name) > s.matched && strings.Contains(normalized, name) {
				s.matched = len(name)
			}
		}
		switch {
		case s.matched > 0:
			named = append(named, s)
		case s.score >= r.minSimilarity:
			ranked = append(ranked, s)
		}
	}

	sort.SliceStable(named, func(i, j int) bool {
		if named[i].matched != named[j].matched {
			return named[i].matched > named[j].matched
		}
		if named[i].score != named[j].score {
			return named[i].score > named[j].score
		}
		return named[i].id < named[j].id
	})
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}

	ids := make([]string, 0, len(named)+len(ranked))
	seen := make(map[string]bool)
	for _, s := range append(named, ranked...) {
		if !seen[s.id] {
			seen[s.id] = true
			ids = append(ids, s.id)
		}
	}

	if len(ids) > 0 && len(r.alwaysInclude) > 0 {
		for _, e := range idx.entries {
			if r.alwaysInclude[e.desc.Category] && !seen[e.desc.ID] {
				seen[e.desc.ID] = true
				ids = append(ids, e.desc.ID)
			}
		}
	}

	log.Printf("Dataset retrieval complete (query: %q, named: %d, ranked: %d, selected: %d, duration_ms: %d)",
		text, len(named), len(ranked), len(ids), time.Since(start).Milliseconds())
	return ids, nil
}

func (r *Retriever) queryVector(ctx context.Context, text string) ([]float32, error) {
	key := r.embedder.Model() + "\x00" + Normalize(text)
	if vec, ok := r.queries.Get(key); ok {
		return vec, nil
	}
	vecs, err := r.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	r.queries.Add(key, vecs[0])
	return vecs[0], nil
}

// currentIndex returns the index, rebuilding it when the source changed.
func (r *Retriever) currentIndex(ctx context.Context) (*index, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen := r.source.Generation()
	if r.index != nil && r.index.generation == gen {
		return r.index, nil
	}

	descs := r.source.Descriptors()
	entries := make([]indexed, len(descs))
	texts := make([]string, len(descs))
	hashes := make([]string, len(descs))
	var missing []int

	for i, d := range descs {
		texts[i] = catalog.Describe(d)
		sum := sha256.Sum256([]byte(texts[i]))
		hashes[i] = hex.EncodeToString(sum[:])
		entries[i] = indexed{desc: d, names: nameKeys(d)}

		if r.store != nil {
			vec, ok, err := r.store.Embedding(ctx, d.ID, r.embedder.Model(), hashes[i])
			if err != nil {
				log.Printf("Embedding cache lookup failed (dataset: %s, error: %v)", d.ID, err)
			} else if ok {
				entries[i].vector = vec
				continue
			}
		}
		missing = append(missing, i)
	}

	if len(missing) > 0 {
		batch := make([]string, len(missing))
		for j, i := range missing {
			batch[j] = texts[i]
		}
		vecs, err := r.embedder.Embed(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to embed dataset descriptions: %w", err)
		}
		for j, i := range missing {
			entries[i].vector = vecs[j]
			if r.store != nil {
				if err := r.store.SaveEmbedding(ctx, descs[i].ID, r.embedder.Model(), hashes[i], vecs[j]); err != nil {
					log.Printf("Failed to cache embedding (dataset: %s, error: %v)", descs[i].ID, err)
				}
			}
		}
	}

	r.index = &index{generation: gen, entries: entries}
	log.Printf("Retriever index rebuilt (datasets: %d, embedded: %d, model: %s)", len(entries), len(missing), r.embedder.Model())
	return r.index, nil
}

// nameKeys returns the padded forms of a descriptor's title and id that count
// as naming the dataset in a query.
func nameKeys(d geoscale.DatasetDescriptor) []string {
	var keys []string
	for _, raw := range []string{d.Title, d.ID} {
		name := padded(raw)
		if len(name) < 5 {
			continue
		}
		keys = append(keys, name)
	}
	return keys
}

// padded normalizes s to space-separated words with a leading and trailing
// space, so substring checks match whole words only.
func padded(s string) string {
	words := strings.FieldsFunc(Normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(words, " ") + " "
}

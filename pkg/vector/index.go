package vector

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/substratehq/substrate/pkg/errdefs"
	"github.com/substratehq/substrate/pkg/types"
)

// entry is one stored document: the raw vector exactly as supplied (kept for
// bit-exact offload) and its L2-normalized form used for scoring.
type entry struct {
	raw        []float32
	normalized []float32
	metadata   map[string]any
	text       string
}

// Index is an in-memory cosine-similarity index. The embedding dimension is
// frozen by the first added document; every stored vector has that dimension.
type Index struct {
	mu        sync.RWMutex
	dimension int
	docs      map[string]*entry
	order     []string // insertion order, drives offload layout
	createdAt time.Time
}

// New creates an empty index. A dimension of 0 means "frozen on first add".
func New(dimension int) *Index {
	return &Index{
		dimension: dimension,
		docs:      make(map[string]*entry),
		createdAt: time.Now(),
	}
}

// Dimension returns the embedding dimension (0 until the first add)
func (ix *Index) Dimension() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dimension
}

// Count returns the number of stored documents
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// CreatedAt returns the index creation time
func (ix *Index) CreatedAt() time.Time {
	return ix.createdAt
}

// Add inserts or overwrites documents. Every vector must match the index
// dimension; the first vector freezes it.
func (ix *Index) Add(docs []types.Document) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, doc := range docs {
		if doc.ID == "" {
			return errdefs.InvalidInput("document id is required")
		}
		if len(doc.Vector) == 0 {
			return errdefs.InvalidInput("document %q has no vector", doc.ID)
		}
		if ix.dimension == 0 {
			ix.dimension = len(doc.Vector)
		}
		if len(doc.Vector) != ix.dimension {
			return errdefs.InvalidInput("document %q dimension %d does not match index dimension %d",
				doc.ID, len(doc.Vector), ix.dimension)
		}
	}

	for _, doc := range docs {
		raw := make([]float32, len(doc.Vector))
		copy(raw, doc.Vector)
		if _, exists := ix.docs[doc.ID]; !exists {
			ix.order = append(ix.order, doc.ID)
		}
		ix.docs[doc.ID] = &entry{
			raw:        raw,
			normalized: normalize(raw),
			metadata:   doc.Metadata,
			text:       doc.Text,
		}
	}
	return nil
}

// Remove deletes documents by id. Unknown ids are silently skipped.
func (ix *Index) Remove(ids []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	removed := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := ix.docs[id]; ok {
			delete(ix.docs, id)
			removed[id] = true
		}
	}
	if len(removed) == 0 {
		return
	}
	kept := ix.order[:0]
	for _, id := range ix.order {
		if !removed[id] {
			kept = append(kept, id)
		}
	}
	ix.order = kept
}

// QueryOptions controls a similarity query. A nil Threshold keeps every
// match, including negative-cosine ones.
type QueryOptions struct {
	K               int
	Threshold       *float64
	IncludeMetadata bool
}

// Query returns up to K documents ranked by descending cosine similarity
// against the query vector. With a threshold set, scores below it are
// excluded; score ties break by ascending document id.
func (ix *Index) Query(query []float32, opts QueryOptions) ([]types.QueryResult, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.dimension != 0 && len(query) != ix.dimension {
		return nil, errdefs.InvalidInput("query dimension %d does not match index dimension %d",
			len(query), ix.dimension)
	}
	k := opts.K
	if k <= 0 {
		k = 10
	}

	q := normalize(query)
	results := make([]types.QueryResult, 0, len(ix.docs))
	for id, e := range ix.docs {
		score := dot(q, e.normalized)
		if opts.Threshold != nil && score < *opts.Threshold {
			continue
		}
		r := types.QueryResult{ID: id, Score: score}
		if opts.IncludeMetadata {
			r.Metadata = e.metadata
			r.Text = e.text
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Snapshot captures the full index state for offload. Rows follow the
// document insertion order; raw vectors are returned so the on-disk format
// stores exact f32 values.
func (ix *Index) Snapshot() ([]types.OffloadedDocument, [][]float32) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	docs := make([]types.OffloadedDocument, 0, len(ix.order))
	vectors := make([][]float32, 0, len(ix.order))
	for _, id := range ix.order {
		e := ix.docs[id]
		docs = append(docs, types.OffloadedDocument{ID: id, Metadata: e.metadata, Text: e.text})
		vectors = append(vectors, e.raw)
	}
	return docs, vectors
}

// Restore rebuilds an index from an offload snapshot
func Restore(dimension int, docs []types.OffloadedDocument, vectors [][]float32) (*Index, error) {
	if len(docs) != len(vectors) {
		return nil, errdefs.CorruptOffload("document count %d does not match vector count %d",
			len(docs), len(vectors))
	}
	ix := New(dimension)
	for i, d := range docs {
		if err := ix.Add([]types.Document{{
			ID:       d.ID,
			Text:     d.Text,
			Vector:   vectors[i],
			Metadata: d.Metadata,
		}}); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

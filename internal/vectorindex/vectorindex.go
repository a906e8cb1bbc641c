// Package vectorindex defines the embedding and vector-search contracts
// behind the matcher's semantic stage. A cosine-similarity in-memory
// implementation is provided for development and tests; a production
// deployment wires in a real vector database behind the same interface.
package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Document is one entry in the index: a stored FAQ row or a generic
// document, distinguished by IsFAQ so the semantic stage can tag its reply
// "vector" or "semantic" accordingly.
type Document struct {
	ID     string
	Reply  string
	IsFAQ  bool
	Vector []float64
}

// Hit is one ranked search result.
type Hit struct {
	Document Document
	Cosine   float64
}

// Embedder produces the vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	HealthCheck(ctx context.Context) bool
}

// Index is the vector-search contract the semantic stage queries.
type Index interface {
	// TopK returns the k nearest documents to query by cosine similarity,
	// ranked descending, ties broken by ascending document id.
	TopK(ctx context.Context, query []float64, k int) ([]Hit, error)
	HealthCheck(ctx context.Context) bool
}

// MemoryIndex is a small brute-force cosine-similarity index: adequate for
// a development catalogue of FAQ/document embeddings, not for production
// scale.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs []Document
}

// NewMemoryIndex builds an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Upsert adds or replaces a document by id.
func (m *MemoryIndex) Upsert(doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.docs {
		if d.ID == doc.ID {
			m.docs[i] = doc
			return
		}
	}
	m.docs = append(m.docs, doc)
}

func (m *MemoryIndex) TopK(ctx context.Context, query []float64, k int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]Hit, 0, len(m.docs))
	for _, d := range m.docs {
		hits = append(hits, Hit{Document: d, Cosine: cosine(query, d.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Cosine != hits[j].Cosine {
			return hits[i].Cosine > hits[j].Cosine
		}
		return hits[i].Document.ID < hits[j].Document.ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryIndex) HealthCheck(ctx context.Context) bool { return true }

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// HashEmbedder is a deterministic, dependency-free stand-in Embedder for
// development: it hashes character bigrams into a fixed-width vector. It is
// not semantically meaningful; it exists so the pipeline runs end to end
// without a real embedding model configured.
type HashEmbedder struct {
	Dims int
}

// NewHashEmbedder builds a HashEmbedder with the given vector width.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 64
	}
	return &HashEmbedder{Dims: dims}
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vec := make([]float64, h.Dims)
	runes := []rune(text)
	for i := 0; i+1 < len(runes); i++ {
		bigram := string(runes[i : i+2])
		idx := fnv32(bigram) % uint32(h.Dims)
		vec[idx]++
	}
	return vec, nil
}

func (h *HashEmbedder) HealthCheck(ctx context.Context) bool { return true }

func fnv32(s string) uint32 {
	var hash uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		hash ^= uint32(s[i])
		hash *= 16777619
	}
	return hash
}

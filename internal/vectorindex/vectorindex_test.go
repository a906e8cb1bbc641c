package vectorindex

import (
	"context"
	"testing"
)

func TestMemoryIndex_TopKRanksByCosine(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Upsert(Document{ID: "exact", Reply: "a", Vector: []float64{1, 0, 0}})
	idx.Upsert(Document{ID: "near", Reply: "b", Vector: []float64{1, 0.5, 0}})
	idx.Upsert(Document{ID: "far", Reply: "c", Vector: []float64{0, 0, 1}})

	hits, err := idx.TopK(context.Background(), []float64{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Document.ID != "exact" || hits[1].Document.ID != "near" {
		t.Errorf("ranking wrong: %q, %q", hits[0].Document.ID, hits[1].Document.ID)
	}
	if hits[0].Cosine < 0.999 {
		t.Errorf("identical vectors should score ~1, got %f", hits[0].Cosine)
	}
}

func TestMemoryIndex_TiesBreakByDocumentID(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Upsert(Document{ID: "b-doc", Vector: []float64{1, 0}})
	idx.Upsert(Document{ID: "a-doc", Vector: []float64{1, 0}})

	hits, err := idx.TopK(context.Background(), []float64{1, 0}, 2)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	if hits[0].Document.ID != "a-doc" {
		t.Errorf("equal-cosine tie must break by ascending id, got %q first", hits[0].Document.ID)
	}
}

func TestMemoryIndex_UpsertReplacesByID(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Upsert(Document{ID: "d", Reply: "old", Vector: []float64{1, 0}})
	idx.Upsert(Document{ID: "d", Reply: "new", Vector: []float64{1, 0}})

	hits, _ := idx.TopK(context.Background(), []float64{1, 0}, 10)
	if len(hits) != 1 {
		t.Fatalf("got %d documents, want 1 after replace", len(hits))
	}
	if hits[0].Document.Reply != "new" {
		t.Errorf("got reply %q, want the replacement", hits[0].Document.Reply)
	}
}

func TestCosine_MismatchedOrZeroVectors(t *testing.T) {
	if got := cosine([]float64{1, 0}, []float64{1, 0, 0}); got != 0 {
		t.Errorf("mismatched dims should score 0, got %f", got)
	}
	if got := cosine([]float64{0, 0}, []float64{1, 0}); got != 0 {
		t.Errorf("zero vector should score 0, got %f", got)
	}
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(32)
	ctx := context.Background()

	a, err := e.Embed(ctx, "kargom nerede")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, _ := e.Embed(ctx, "kargom nerede")
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("identical inputs must embed identically")
		}
	}

	c, _ := e.Embed(ctx, "tamamen farklı bir cümle")
	if cosine(a, c) > 0.99 {
		t.Error("unrelated inputs should not embed near-identically")
	}
}

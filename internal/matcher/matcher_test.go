package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kosee-dev/chatfleet/internal/circuit"
	"github.com/kosee-dev/chatfleet/internal/generator"
	"github.com/kosee-dev/chatfleet/internal/vectorindex"
)

func testCatalogue() Catalogue {
	return Catalogue{
		Intents: []Intent{
			{ID: "greeting", Keywords: []string{"merhaba", "selam"}, Reply: "Merhaba!", Threshold: 0.6},
			{ID: "farewell", Keywords: []string{"hoscakal"}, Reply: "Görüşürüz!", Threshold: 0.6},
		},
		Synonyms: map[string][]string{
			"merhaba": {"selamlar"},
		},
	}
}

func newTestStack(embedder vectorindex.Embedder, index vectorindex.Index, gen generator.Generator) *Stack {
	logger := zerolog.Nop()
	return New(
		testCatalogue(),
		DefaultThresholds(),
		embedder,
		index,
		gen,
		circuit.New("vector", 5, 30*time.Second, logger),
		circuit.New("generator", 5, 30*time.Second, logger),
		logger,
	)
}

func TestStage1_ExactKeywordMatch(t *testing.T) {
	s := newTestStack(nil, nil, nil)
	c, ok := s.stage1(cacheNormalize("merhaba"))
	if !ok {
		t.Fatal("expected stage1 to match")
	}
	if c.SourceTag != SourceStatic || c.Reply != "Merhaba!" {
		t.Errorf("got %+v", c)
	}
}

func TestStage1_NoMatchBelowThreshold(t *testing.T) {
	s := newTestStack(nil, nil, nil)
	if _, ok := s.stage1(cacheNormalize("bugün hava nasil")); ok {
		t.Error("expected stage1 to decline an unrelated message")
	}
}

func TestStage2_SynonymExpansionMatches(t *testing.T) {
	s := newTestStack(nil, nil, nil)
	// "selamlar" is a synonym of "merhaba" only, and alone shares no raw
	// keyword tokens with any intent, so stage1 must decline first.
	if _, ok := s.stage1(cacheNormalize("selamlar")); ok {
		t.Fatal("expected stage1 to decline so stage2 gets exercised")
	}
	c, ok := s.stage2(cacheNormalize("selamlar"))
	if !ok {
		t.Fatal("expected stage2 to match via synonym expansion")
	}
	if c.SourceTag != SourceFuzzy {
		t.Errorf("got source tag %q, want fuzzy", c.SourceTag)
	}
}

func TestStage3_AcceptsHighConfidenceHit(t *testing.T) {
	idx := vectorindex.NewMemoryIndex()
	idx.Upsert(vectorindex.Document{ID: "doc1", Reply: "Kargo takibi için...", IsFAQ: true, Vector: []float64{1, 0, 0}})
	idx.Upsert(vectorindex.Document{ID: "doc2", Reply: "İade süreci...", IsFAQ: false, Vector: []float64{0, 1, 0}})

	embedder := constEmbedder{vec: []float64{1, 0, 0}}
	s := newTestStack(embedder, idx, nil)

	c, ok := s.stage3(context.Background(), "kargom nerede")
	if !ok {
		t.Fatal("expected stage3 to accept a well-separated top hit")
	}
	if c.SourceTag != SourceVector {
		t.Errorf("got source tag %q, want vector (IsFAQ doc)", c.SourceTag)
	}
}

func TestStage3_DeclinesBelowCosineFloor(t *testing.T) {
	idx := vectorindex.NewMemoryIndex()
	idx.Upsert(vectorindex.Document{ID: "doc1", Reply: "irrelevant", Vector: []float64{1, 0, 0}})
	embedder := constEmbedder{vec: []float64{0, 1, 0}}
	s := newTestStack(embedder, idx, nil)

	if _, ok := s.stage3(context.Background(), "anything"); ok {
		t.Error("expected stage3 to decline an orthogonal embedding")
	}
}

func TestStage4_UsesGeneratorWhenAvailable(t *testing.T) {
	s := newTestStack(nil, nil, generator.Echo{})
	c := s.stage4(context.Background(), "merhaba nasilsin", nil)
	if c.SourceTag != SourceGenerator {
		t.Errorf("got source tag %q, want generator", c.SourceTag)
	}
}

func TestStage4_FallsBackOnGeneratorError(t *testing.T) {
	s := newTestStack(nil, nil, failingGenerator{})
	c := s.stage4(context.Background(), "merhaba", nil)
	if c.SourceTag != SourceFallback {
		t.Errorf("got source tag %q, want fallback", c.SourceTag)
	}
	if c.Reply != generator.FallbackText {
		t.Errorf("got reply %q, want the deterministic fallback text", c.Reply)
	}
}

func TestRun_EarlierStageAlwaysWinsOverLater(t *testing.T) {
	// Every stage would match; stage1 must win.
	idx := vectorindex.NewMemoryIndex()
	idx.Upsert(vectorindex.Document{ID: "doc1", Reply: "should not be used", IsFAQ: true, Vector: []float64{1, 0, 0}})
	embedder := constEmbedder{vec: []float64{1, 0, 0}}
	s := newTestStack(embedder, idx, generator.Echo{})

	c := s.Run(context.Background(), "merhaba", nil)
	if c.SourceTag != SourceStatic {
		t.Errorf("got source tag %q, want static (earliest stage must win)", c.SourceTag)
	}
}

func TestRun_AlwaysReturnsACandidate(t *testing.T) {
	s := newTestStack(nil, nil, nil)
	c := s.Run(context.Background(), "tamamen alakasiz bir cumle", nil)
	if c.SourceTag != SourceFallback {
		t.Errorf("got source tag %q, want fallback with no dependencies configured", c.SourceTag)
	}
}

type constEmbedder struct{ vec []float64 }

func (c constEmbedder) Embed(ctx context.Context, text string) ([]float64, error) { return c.vec, nil }
func (c constEmbedder) HealthCheck(ctx context.Context) bool                      { return true }

type failingGenerator struct{}

func (failingGenerator) Reply(ctx context.Context, message string, history []string) (generator.Reply, error) {
	return generator.Reply{}, errors.New("backend unavailable")
}
func (failingGenerator) HealthCheck(ctx context.Context) bool { return false }

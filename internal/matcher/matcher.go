// Package matcher implements the fixed, ordered answer cascade
// static -> fuzzy/synonym -> semantic -> generator that turns a
// normalized user message into a reply. Each stage is tried in order; the
// first candidate meeting its own threshold short-circuits the pipeline,
// so a later stage can never preempt an earlier hit regardless of score.
package matcher

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/kosee-dev/chatfleet/internal/circuit"
	"github.com/kosee-dev/chatfleet/internal/generator"
	"github.com/kosee-dev/chatfleet/internal/metrics"
	"github.com/kosee-dev/chatfleet/internal/vectorindex"
)

// Source tags: which stage produced a reply.
const (
	SourceStatic    = "static"
	SourceFuzzy     = "fuzzy"
	SourceSemantic  = "semantic"
	SourceVector    = "vector"
	SourceGenerator = "generator"
	SourceFallback  = "fallback"
)

// Candidate is one stage's proposed reply.
type Candidate struct {
	Reply      string
	SourceTag  string
	Confidence float64
}

// Thresholds bundles the pipeline's stage tunables.
type Thresholds struct {
	Stage1                               float64
	Stage2                               float64
	Stage2Alpha, Stage2Beta, Stage2Gamma float64
	Stage3CosineMin                      float64
	Stage3Margin                         float64
	Stage3Override                       float64
	VectorTopK                           int
}

// DefaultThresholds is the production default set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Stage1: 0.6, Stage2: 0.55,
		Stage2Alpha: 0.5, Stage2Beta: 0.3, Stage2Gamma: 0.2,
		Stage3CosineMin: 0.72, Stage3Margin: 0.05, Stage3Override: 0.85,
		VectorTopK: 5,
	}
}

// Stack is the ordered matcher cascade.
type Stack struct {
	catalogue  Catalogue
	thresholds Thresholds

	embedder vectorindex.Embedder
	index    vectorindex.Index
	gen      generator.Generator

	vectorBreaker    *circuit.Breaker
	generatorBreaker *circuit.Breaker

	logger zerolog.Logger
}

// New builds a Stack. embedder/index/gen may be nil (stages 3/4 then
// decline and fall through, same as a circuit-open dependency).
func New(catalogue Catalogue, thresholds Thresholds, embedder vectorindex.Embedder, index vectorindex.Index, gen generator.Generator, vectorBreaker, generatorBreaker *circuit.Breaker, logger zerolog.Logger) *Stack {
	return &Stack{
		catalogue:        catalogue,
		thresholds:       thresholds,
		embedder:         embedder,
		index:            index,
		gen:              gen,
		vectorBreaker:    vectorBreaker,
		generatorBreaker: generatorBreaker,
		logger:           logger,
	}
}

// SetCatalogue replaces the static/fuzzy catalogue at a controlled
// checkpoint; content reloads happen by replacing the frozen value, never
// by mutating it in place.
func (s *Stack) SetCatalogue(c Catalogue) { s.catalogue = c }

// Run executes the cascade against an already length/control-char-
// validated message and returns the winning candidate. It always returns a
// candidate (the deterministic fallback at worst), never "no match".
func (s *Stack) Run(ctx context.Context, message string, history []string) Candidate {
	normalized := cacheNormalize(message)

	if c, ok := s.stage1(normalized); ok {
		metrics.MatcherStageHits.WithLabelValues(SourceStatic).Inc()
		return c
	}
	if c, ok := s.stage2(normalized); ok {
		metrics.MatcherStageHits.WithLabelValues(SourceFuzzy).Inc()
		return c
	}
	if c, ok := s.stage3(ctx, message); ok {
		metrics.MatcherStageHits.WithLabelValues(c.SourceTag).Inc()
		return c
	}

	c := s.stage4(ctx, message, history)
	metrics.MatcherStageHits.WithLabelValues(c.SourceTag).Inc()
	return c
}

// cacheNormalize is a thin alias kept local to this package so stage 1/2's
// tokenizer and the response cache's fingerprint normalization can evolve
// independently of each other's import graph while starting from the same
// rules.
func cacheNormalize(s string) string {
	return FoldDiacritics(s)
}

package matcher

import (
	"context"

	"github.com/kosee-dev/chatfleet/internal/vectorindex"
)

// stage3 is the semantic search stage: embed the raw message,
// query the vector index for its top-k neighbors, and accept the best hit
// only when it clears the absolute cosine floor and is either well
// separated from the runner-up or high-confidence enough to override that
// separation requirement. The dependency call is guarded by vectorBreaker;
// an open breaker or any embed/search error falls through to stage 4.
func (s *Stack) stage3(ctx context.Context, message string) (Candidate, bool) {
	if s.embedder == nil || s.index == nil {
		return Candidate{}, false
	}

	var hits []vectorindex.Hit
	err := s.vectorBreaker.Call(ctx, func(ctx context.Context) error {
		vec, err := s.embedder.Embed(ctx, message)
		if err != nil {
			return err
		}
		h, err := s.index.TopK(ctx, vec, s.thresholds.VectorTopK)
		if err != nil {
			return err
		}
		hits = h
		return nil
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("stage3 semantic search unavailable")
		return Candidate{}, false
	}
	if len(hits) == 0 {
		return Candidate{}, false
	}

	top1 := hits[0]
	if top1.Cosine < s.thresholds.Stage3CosineMin {
		return Candidate{}, false
	}

	separated := top1.Cosine >= s.thresholds.Stage3Override
	if !separated && len(hits) > 1 {
		separated = top1.Cosine-hits[1].Cosine >= s.thresholds.Stage3Margin
	} else if !separated && len(hits) == 1 {
		separated = true
	}
	if !separated {
		return Candidate{}, false
	}

	tag := SourceSemantic
	if top1.Document.IsFAQ {
		tag = SourceVector
	}
	return Candidate{Reply: top1.Document.Reply, SourceTag: tag, Confidence: top1.Cosine}, true
}

package matcher

import (
	"context"

	"github.com/kosee-dev/chatfleet/internal/generator"
)

// stage4 is the final step: the generator fallback, tried only
// after every earlier stage has declined. Unlike stages 1-3 it never
// declines itself — a generator error or an open generatorBreaker still
// yields a candidate, the deterministic polite-decline reply, so Run
// always has something to return.
func (s *Stack) stage4(ctx context.Context, message string, history []string) Candidate {
	if s.gen == nil {
		return Candidate{Reply: generator.FallbackText, SourceTag: SourceFallback, Confidence: 0}
	}

	var reply generator.Reply
	err := s.generatorBreaker.Call(ctx, func(ctx context.Context) error {
		r, err := s.gen.Reply(ctx, message, history)
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("stage4 generator unavailable, using fallback reply")
		return Candidate{Reply: generator.FallbackText, SourceTag: SourceFallback, Confidence: 0}
	}

	return Candidate{Reply: reply.Text, SourceTag: SourceGenerator, Confidence: 0.5}
}

package matcher

// stage1 is the static intent classifier: token-set Jaccard similarity
// against each of an intent's keywords (the best keyword scores the
// intent), with a small bonus when that keyword's tokens appear in order.
func (s *Stack) stage1(normalized string) (Candidate, bool) {
	tokens := tokenize(normalized)
	if len(tokens) == 0 {
		return Candidate{}, false
	}
	tokenSet := toSet(tokens)

	var best Candidate
	bestScore := -1.0
	bestID := ""

	for _, idx := range sortedIntentIDs(s.catalogue.Intents) {
		intent := s.catalogue.Intents[idx]
		// Keywords are alternative triggers, each compared as its own token set.
		score := -1.0
		for _, kw := range intent.Keywords {
			kwTokens := tokenize(kw)
			if len(kwTokens) == 0 {
				continue
			}
			kwScore := jaccard(tokenSet, toSet(kwTokens))
			if preservesOrder(tokens, kwTokens) {
				kwScore += 0.05
			}
			score = max(score, min(kwScore, 1))
		}
		if score < 0 {
			continue
		}

		threshold := intent.Threshold
		if threshold <= 0 {
			threshold = s.thresholds.Stage1
		}
		if score >= threshold && score > bestScore {
			bestScore = score
			bestID = intent.ID
			best = Candidate{Reply: intent.Reply, SourceTag: SourceStatic, Confidence: score}
		} else if score >= threshold && score == bestScore && intent.ID < bestID {
			// Tie-break: lexicographically smaller intent_id wins.
			bestID = intent.ID
			best = Candidate{Reply: intent.Reply, SourceTag: SourceStatic, Confidence: score}
		}
	}

	if bestScore < 0 {
		return Candidate{}, false
	}
	return best, true
}

func tokenizeAll(words []string) []string {
	var out []string
	for _, w := range words {
		out = append(out, tokenize(w)...)
	}
	return out
}

func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// preservesOrder reports whether message's tokens contain keyword tokens in
// the same relative order they appear in the keyword list.
func preservesOrder(message, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	pos := 0
	for _, t := range message {
		if pos < len(keywords) && t == keywords[pos] {
			pos++
		}
	}
	return pos == len(keywords)
}

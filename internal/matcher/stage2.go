package matcher

import "sort"

// stage2 is the fuzzy/synonym matcher: expand the message via the
// synonym dictionary, then score with a composite of token-set ratio,
// character-bigram Jaccard, and lemma (synonym) overlap, weighted by the
// configured alpha/beta/gamma.
func (s *Stack) stage2(normalized string) (Candidate, bool) {
	tokens := tokenize(normalized)
	if len(tokens) == 0 {
		return Candidate{}, false
	}
	expanded := s.expandSynonyms(tokens)
	expandedSet := toSet(expanded)
	bigrams := charBigrams(normalized)

	var best Candidate
	bestScore := -1.0
	bestID := ""

	for _, idx := range sortedIntentIDs(s.catalogue.Intents) {
		intent := s.catalogue.Intents[idx]
		keywordTokens := tokenizeAll(intent.Keywords)
		if len(keywordTokens) == 0 {
			continue
		}
		keywordSet := toSet(keywordTokens)
		keywordBigrams := charBigramsFromTokens(keywordTokens)

		tokenSetRatio := jaccard(toSet(tokens), keywordSet)
		bigramJaccard := jaccard(bigrams, keywordBigrams)
		lemmaOverlap := jaccard(expandedSet, keywordSet)

		score := s.thresholds.Stage2Alpha*tokenSetRatio +
			s.thresholds.Stage2Beta*bigramJaccard +
			s.thresholds.Stage2Gamma*lemmaOverlap

		threshold := s.thresholds.Stage2

		if score >= threshold && (score > bestScore || (score == bestScore && intent.ID < bestID)) {
			bestScore = score
			bestID = intent.ID
			best = Candidate{Reply: intent.Reply, SourceTag: SourceFuzzy, Confidence: score}
		}
	}

	if bestScore < 0 {
		return Candidate{}, false
	}
	return best, true
}

// expandSynonyms adds every synonym of every token present in the
// catalogue's dictionary, so e.g. "selam" also activates "merhaba"'s
// keyword set.
func (s *Stack) expandSynonyms(tokens []string) []string {
	out := make([]string, len(tokens))
	copy(out, tokens)
	for _, t := range tokens {
		if syns, ok := s.catalogue.Synonyms[t]; ok {
			out = append(out, tokenizeAll(syns)...)
		}
	}
	return out
}

func charBigrams(s string) map[string]struct{} {
	runes := []rune(s)
	set := make(map[string]struct{})
	for i := 0; i+1 < len(runes); i++ {
		set[string(runes[i:i+2])] = struct{}{}
	}
	return set
}

func charBigramsFromTokens(tokens []string) map[string]struct{} {
	sorted := append([]string(nil), tokens...)
	sort.Strings(sorted)
	set := make(map[string]struct{})
	for _, t := range sorted {
		for k := range charBigrams(t) {
			set[k] = struct{}{}
		}
	}
	return set
}

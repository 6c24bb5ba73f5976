package registry

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// MatcherOption configures a [Matcher].
type MatcherOption func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a name whose
// Double Metaphone codes overlap the query. Default: 0.70.
func WithPhoneticThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a name without
// phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher resolves loosely typed device names such as "usb mic" against the
// display names reported by a backend.
//
// Candidates whose Double Metaphone codes share a code with the query are
// ranked by Jaro-Winkler similarity and accepted above the phonetic
// threshold. Without a phonetic candidate, plain Jaro-Winkler similarity must
// reach the higher fuzzy threshold. A query that is a substring of exactly
// one name always matches it. Matcher is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewMatcher returns a matcher with the default thresholds.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the name in names closest to query with its score.
func (m *Matcher) Match(query string, names []string) (best string, score float64, ok bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || len(names) == 0 {
		return "", 0, false
	}

	// A unique substring hit is unambiguous.
	var hit string
	hits := 0
	for _, n := range names {
		if strings.Contains(strings.ToLower(n), q) {
			hit = n
			hits++
		}
	}
	if hits == 1 {
		return hit, 1, true
	}

	qTokens := strings.Fields(q)
	qCodes := codesForTokens(qTokens)
	phonetic := false

	for _, n := range names {
		lower := strings.ToLower(strings.TrimSpace(n))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		s := bestJWScore(qTokens, tokens, q, lower)

		if codesOverlap(qCodes, codesForTokens(tokens)) {
			if s >= m.phoneticThreshold && (!phonetic || s > score) {
				best, score, phonetic = n, s, true
			}
		} else if !phonetic && s >= m.fuzzyThreshold && s > score {
			best, score = n, s
		}
	}
	return best, score, best != ""
}

func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore takes the highest of the full-string, space-stripped and best
// token-pair similarities.
func bestJWScore(qTokens, nTokens []string, qFull, nFull string) float64 {
	score := matchr.JaroWinkler(qFull, nFull, false)
	if len(qTokens) > 1 || len(nTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(qTokens, ""), strings.Join(nTokens, ""), false); s > score {
			score = s
		}
	}
	for _, qt := range qTokens {
		for _, nt := range nTokens {
			if s := matchr.JaroWinkler(qt, nt, false); s > score {
				score = s
			}
		}
	}
	return score
}

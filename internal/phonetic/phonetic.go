// Package phonetic suggests the closest known identifier for a misheard or
// mistyped one, so a rejected tool call can answer "did you mean ...?".
//
// Scoring runs in two stages:
//
//  1. Phonetic filtering: Double Metaphone codes are computed for every token
//     of the input and of each candidate form. A shared code makes the
//     candidate a phonetic match.
//
//  2. Jaro-Winkler ranking: phonetic matches need a score of at least the
//     phonetic threshold (default 0.70). Without any phonetic match, a pure
//     string-similarity pass accepts candidates scoring at least the fuzzy
//     threshold (default 0.85).
//
// Identifiers such as "video_gen" or "videoGen" are split into words before
// scoring, so spoken forms ("video gen") compare well against them.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a phonetic
// match. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// match exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Candidate is one known identifier with its display name. Either form may
// match the input.
type Candidate struct {
	ID   string
	Name string
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Suggest returns the candidate closest to input. ok is false when nothing
// clears the thresholds, or when input names a candidate ID exactly (there is
// nothing to suggest).
func (m *Matcher) Suggest(input string, candidates []Candidate) (best Candidate, score float64, ok bool) {
	in := words(input)
	if len(in) == 0 || len(candidates) == 0 {
		return Candidate{}, 0, false
	}
	inFull := strings.Join(in, " ")
	inCodes := codesForTokens(in)

	var bestPhonetic bool
	for _, c := range candidates {
		if c.ID == input {
			return Candidate{}, 0, false
		}
		for _, form := range []string{c.ID, c.Name} {
			toks := words(form)
			if len(toks) == 0 {
				continue
			}
			s := bestJWScore(in, toks, inFull, strings.Join(toks, " "))
			phonetic := codesOverlap(inCodes, codesForTokens(toks))

			switch {
			case phonetic && s >= m.phoneticThreshold:
				if !bestPhonetic || s > score {
					best, score, bestPhonetic, ok = c, s, true, true
				}
			case !phonetic && !bestPhonetic && s >= m.fuzzyThreshold:
				if s > score {
					best, score, ok = c, s, true
				}
			}
		}
	}
	return best, score, ok
}

// words lower-cases s and splits it on spaces, underscores, hyphens and
// lower-to-upper camel-case boundaries.
func words(s string) []string {
	var (
		out  []string
		cur  strings.Builder
		prev rune
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r == '_' || r == '-' || unicode.IsSpace(r):
			flush()
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			flush()
			cur.WriteRune(unicode.ToLower(r))
		default:
			cur.WriteRune(unicode.ToLower(r))
		}
		prev = r
	}
	flush()
	return out
}

// codesForTokens returns the union of Double Metaphone codes for tokens.
// Empty codes are excluded.
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

// bestJWScore is the highest Jaro-Winkler similarity over the full strings,
// the space-stripped strings and every token pair.
func bestJWScore(inputTokens, targetTokens []string, inputFull, targetFull string) float64 {
	score := matchr.JaroWinkler(inputFull, targetFull, false)

	if len(inputTokens) > 1 || len(targetTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(targetTokens, ""), false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, tt := range targetTokens {
			if s := matchr.JaroWinkler(it, tt, false); s > score {
				score = s
			}
		}
	}
	return score
}

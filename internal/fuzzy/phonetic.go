package fuzzy

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultSpellingThreshold = 0.85
)

// PhoneticOption configures a [Phonetic] matcher.
type PhoneticOption func(*Phonetic)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for words whose
// Double Metaphone codes overlap. Default: 0.70.
func WithPhoneticThreshold(threshold float64) PhoneticOption {
	return func(p *Phonetic) {
		p.phoneticThreshold = threshold
	}
}

// WithSpellingThreshold sets the minimum Jaro-Winkler score for words that do
// not sound alike. Default: 0.85.
func WithSpellingThreshold(threshold float64) PhoneticOption {
	return func(p *Phonetic) {
		p.spellingThreshold = threshold
	}
}

// Phonetic decides whether a recognised word is a sound-alike of a target
// word, e.g. "athina" or "a thena" for "athena".
//
// Double Metaphone codes are computed for both sides; when any code overlaps
// the words are ranked by Jaro-Winkler against the phonetic threshold,
// otherwise against the stricter spelling threshold.
//
// A Phonetic is read-only after construction and safe for concurrent use.
type Phonetic struct {
	phoneticThreshold float64
	spellingThreshold float64
}

// NewPhonetic returns a matcher configured with the supplied options.
func NewPhonetic(opts ...PhoneticOption) *Phonetic {
	p := &Phonetic{
		phoneticThreshold: defaultPhoneticThreshold,
		spellingThreshold: defaultSpellingThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Match reports whether word sounds like target and returns the similarity.
// Multi-token input is also compared with its spaces removed so that a
// recogniser splitting "athena" into "a thena" still matches.
func (p *Phonetic) Match(word, target string) (score float64, matched bool) {
	w := strings.ToLower(strings.TrimSpace(word))
	t := strings.ToLower(strings.TrimSpace(target))
	if w == "" || t == "" {
		return 0, false
	}

	candidates := []string{w}
	if joined := strings.Join(strings.Fields(w), ""); joined != w {
		candidates = append(candidates, joined)
	}

	targetCodes := metaphoneCodes(t)
	for _, c := range candidates {
		jw := matchr.JaroWinkler(c, t, false)
		threshold := p.spellingThreshold
		if codesOverlap(metaphoneCodes(c), targetCodes) {
			threshold = p.phoneticThreshold
		}
		if jw >= threshold && jw > score {
			score, matched = jw, true
		}
	}
	return score, matched
}

// metaphoneCodes returns the non-empty Double Metaphone codes of s.
func metaphoneCodes(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	primary, secondary := matchr.DoubleMetaphone(s)
	if primary != "" {
		codes[primary] = struct{}{}
	}
	if secondary != "" {
		codes[secondary] = struct{}{}
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

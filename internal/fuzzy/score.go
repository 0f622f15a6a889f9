// Package fuzzy scores how closely a spoken or typed query matches a target
// string. It backs wake-word recognition in dictation and title lookup for
// open notes.
//
// [Score] layers exact and substring checks on top of normalised Levenshtein
// distance and word overlap. [Phonetic] adds a sound-alike comparison for
// single words that speech recognisers tend to misspell.
package fuzzy

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Score returns a similarity in [0, 1] between query and target. Both are
// lowercased and trimmed first.
//
//   - equal strings score 1.0
//   - target containing query scores 0.85 + 0.15·len(query)/len(target)
//   - query containing target scores 0.75 + 0.10·len(target)/len(query)
//   - otherwise the larger of the normalised Levenshtein similarity and
//     0.8 × the share of query words found in target.
//
// If exactly one side is empty the score is 0.
func Score(query, target string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	t := strings.ToLower(strings.TrimSpace(target))

	if q == t {
		return 1.0
	}
	if q == "" || t == "" {
		return 0
	}

	qLen := float64(utf8.RuneCountInString(q))
	tLen := float64(utf8.RuneCountInString(t))

	if strings.Contains(t, q) {
		return 0.85 + 0.15*(qLen/tLen)
	}
	if strings.Contains(q, t) {
		return 0.75 + 0.10*(tLen/qLen)
	}

	lev := 1 - float64(matchr.Levenshtein(q, t))/max(qLen, tLen)
	if lev < 0 {
		lev = 0
	}
	return max(lev, wordOverlap(q, t)*0.8)
}

// wordOverlap returns the fraction of distinct query words that also appear
// in target.
func wordOverlap(q, t string) float64 {
	qWords := uniqueWords(q)
	if len(qWords) == 0 {
		return 0
	}
	tWords := uniqueWords(t)
	common := 0
	for w := range qWords {
		if _, ok := tWords[w]; ok {
			common++
		}
	}
	return float64(common) / float64(len(qWords))
}

func uniqueWords(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Match is one ranked candidate returned by [BestMatch].
type Match struct {
	// Index is the position of Candidate in the input slice.
	Index int

	// Candidate is the original (unnormalised) candidate string.
	Candidate string

	// Score is the [Score] of query against Candidate.
	Score float64
}

// BestMatch returns the candidate with the highest [Score] against query,
// provided it reaches threshold. Ties keep the earliest candidate. ok is false
// when no candidate qualifies.
func BestMatch(query string, candidates []string, threshold float64) (m Match, ok bool) {
	m.Index = -1
	for i, c := range candidates {
		s := Score(query, c)
		if s < threshold {
			continue
		}
		if !ok || s > m.Score {
			m = Match{Index: i, Candidate: c, Score: s}
			ok = true
		}
	}
	return m, ok
}

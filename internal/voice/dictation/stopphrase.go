package dictation

import (
	"strings"
	"unicode"

	"github.com/MrWong99/athena/internal/fuzzy"
)

// Defaults for [StopPhrase].
const (
	DefaultWakeWord          = "athena"
	DefaultWakeWordThreshold = 0.7
)

// StopPhrase detects the spoken command "<wake word> stop listening" at the
// end of a transcript.
type StopPhrase struct {
	// WakeWord is compared fuzzily against the third-to-last token.
	WakeWord string

	// Threshold is the minimum [fuzzy.Score] for the wake word.
	Threshold float64

	// Phonetic, if non-nil, accepts wake-word tokens that sound alike even
	// when their spelling scores below Threshold.
	Phonetic *fuzzy.Phonetic
}

// DefaultStopPhrase returns the stop phrase "athena stop listening" with a 0.7
// wake-word threshold and no phonetic fallback.
func DefaultStopPhrase() StopPhrase {
	return StopPhrase{WakeWord: DefaultWakeWord, Threshold: DefaultWakeWordThreshold}
}

// Detect reports whether transcript ends with the stop phrase and returns the
// transcript without it. Tokens are split on whitespace and compared in lower
// case with surrounding punctuation ignored; the returned text keeps the
// original spelling of the remaining tokens, joined by single spaces.
func (p StopPhrase) Detect(transcript string) (trimmed string, ok bool) {
	tokens := strings.Fields(transcript)
	if len(tokens) < 3 {
		return transcript, false
	}
	tail := tokens[len(tokens)-3:]
	if normalise(tail[1]) != "stop" || normalise(tail[2]) != "listening" {
		return transcript, false
	}
	if !p.wakeWord(normalise(tail[0])) {
		return transcript, false
	}
	return strings.TrimSpace(strings.Join(tokens[:len(tokens)-3], " ")), true
}

func (p StopPhrase) wakeWord(token string) bool {
	if token == "" {
		return false
	}
	if fuzzy.Score(token, p.WakeWord) >= p.Threshold {
		return true
	}
	if p.Phonetic != nil {
		_, ok := p.Phonetic.Match(token, p.WakeWord)
		return ok
	}
	return false
}

func normalise(token string) string {
	return strings.ToLower(strings.TrimFunc(token, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	}))
}

// Package energy implements vad.Engine with a root-mean-square energy gate.
//
// The speech probability of a frame is its RMS divided by a reference level
// and clamped to [0, 1]. With the default reference, the default speech
// threshold of 0.5 corresponds to an RMS of roughly 300 in 16-bit PCM units.
// Once a segment has started it continues until the probability drops below
// the silence threshold, which keeps soft syllables inside the segment.
package energy

import (
	"fmt"

	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/provider/vad"
)

// DefaultReference is the RMS that maps to probability 1.
const DefaultReference = 600.0 / 32768.0

var _ vad.Engine = (*Engine)(nil)

// Engine is a stateless factory for energy-gate sessions.
type Engine struct {
	reference float64
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithReference sets the RMS level that maps to probability 1. Non-positive
// values keep [DefaultReference].
func WithReference(rms float64) Option {
	return func(e *Engine) {
		if rms > 0 {
			e.reference = rms
		}
	}
}

// New returns an energy Engine.
func New(opts ...Option) *Engine {
	e := &Engine{reference: DefaultReference}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine. Zero thresholds take the vad defaults.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{cfg: cfg, reference: e.reference}, nil
}

type session struct {
	cfg       vad.Config
	reference float64
	inSpeech  bool
	closed    bool
}

func (s *session) ProcessFrame(frame audio.AudioFrame) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, vad.ErrSessionClosed
	}
	if frame.SampleRate != 0 && frame.SampleRate != s.cfg.SampleRate {
		return vad.Event{}, fmt.Errorf("energy: frame rate %d Hz, session expects %d Hz", frame.SampleRate, s.cfg.SampleRate)
	}
	p := min(audio.RMS(frame.Samples)/s.reference, 1)
	ev := vad.Event{Probability: p}
	switch {
	case !s.inSpeech && p >= s.cfg.SpeechThreshold:
		s.inSpeech = true
		ev.Type = vad.SpeechStart
	case s.inSpeech && p >= s.cfg.SilenceThreshold:
		ev.Type = vad.SpeechContinue
	case s.inSpeech:
		s.inSpeech = false
		ev.Type = vad.SpeechEnd
	default:
		ev.Type = vad.Silence
	}
	return ev, nil
}

func (s *session) Reset() { s.inSpeech = false }

func (s *session) Close() error {
	s.closed = true
	return nil
}

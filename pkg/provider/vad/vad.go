// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own smoothing state so
// that concurrent streams are classified independently.
//
// ProcessFrame is synchronous and returns immediately, which makes it
// suitable for gating audio in front of a recogniser that is not streaming,
// such as whisper.
package vad

import (
	"errors"
	"fmt"

	"github.com/MrWong99/athena/pkg/audio"
)

// Default thresholds, in the engine's probability scale.
const (
	DefaultSpeechThreshold  = 0.5
	DefaultSilenceThreshold = 0.35
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the rate of the frames passed to ProcessFrame, in Hz.
	SampleRate int

	// SpeechThreshold is the probability at or above which a frame starts a
	// speech segment. Range: [0.0, 1.0].
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame ends an active
	// speech segment. Range: [0.0, SpeechThreshold].
	SilenceThreshold float64
}

// WithDefaults returns c with zero thresholds replaced by
// [DefaultSpeechThreshold] and [DefaultSilenceThreshold].
func (c Config) WithDefaults() Config {
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = min(DefaultSilenceThreshold, c.SpeechThreshold)
	}
	return c
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("vad: sample rate %d must be positive", c.SampleRate)
	case c.SpeechThreshold < 0 || c.SpeechThreshold > 1:
		return fmt.Errorf("vad: speech threshold %.2f is out of range [0, 1]", c.SpeechThreshold)
	case c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold:
		return fmt.Errorf("vad: silence threshold %.2f must be within [0, %.2f]", c.SilenceThreshold, c.SpeechThreshold)
	}
	return nil
}

// EventType enumerates per-frame detection states.
type EventType int

const (
	// SpeechStart marks the first frame of a speech segment.
	SpeechStart EventType = iota

	// SpeechContinue marks a frame inside an ongoing speech segment.
	SpeechContinue

	// SpeechEnd marks the first quiet frame after speech.
	SpeechEnd

	// Silence marks a quiet frame outside any speech segment.
	Silence
)

// String returns the lower-case name of t.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech-start"
	case SpeechContinue:
		return "speech-continue"
	case SpeechEnd:
		return "speech-end"
	case Silence:
		return "silence"
	}
	return "unknown"
}

// IsSpeech reports whether t belongs to a speech segment.
func (t EventType) IsSpeech() bool { return t == SpeechStart || t == SpeechContinue }

// Event is the detection result for one frame.
type Event struct {
	Type EventType

	// Probability is the speech score of the frame, in [0, 1].
	Probability float64
}

// SessionHandle is an active detection session for a single audio stream.
// A SessionHandle must not be shared between goroutines.
type SessionHandle interface {
	// ProcessFrame classifies one frame. Frames must carry the SampleRate the
	// session was created with; a zero frame rate is taken as matching.
	ProcessFrame(frame audio.AudioFrame) (Event, error)

	// Reset clears the detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once returns nil.
	Close() error
}

// Engine creates VAD sessions. Implementations must be safe for concurrent
// use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}

// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a streaming transcription service (e.g., Deepgram or a
// local Whisper model) and exposes a uniform interface. The central
// abstraction is SessionHandle: once opened, a session accepts audio frames
// and emits an ordered stream of Result values. Partial results are
// low-latency guesses that may be revised; final results are authoritative for
// the utterance they close.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/athena/pkg/audio"
)

var (
	// ErrNoSpeech is reported (as Result.Err) when the backend gave up because
	// it detected no utterance. Callers that have not yet seen any transcript
	// may treat it as a transient condition and restart the session.
	ErrNoSpeech = errors.New("stt: no speech detected")

	// ErrUnauthorized is returned by StartStream when the backend rejects the
	// credentials or the recognition permission is missing.
	ErrUnauthorized = errors.New("stt: not authorized")

	// ErrSessionClosed is returned by Feed after Finish or Cancel.
	ErrSessionClosed = errors.New("stt: session closed")
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the rate of the frames that will be fed, in Hz. Providers
	// resample internally when their service expects a different rate.
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Keywords is a list of vocabulary hints such as the assistant's wake word.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// Exactly one of Finish or Cancel ends a session; calling either after the
// session ended is safe and returns nil. After the session ends the Results
// channel is closed. All methods must be safe for concurrent use.
type SessionHandle interface {
	// Feed delivers one frame of audio. Calling Feed after Finish or Cancel
	// returns ErrSessionClosed.
	Feed(frame audio.AudioFrame) error

	// Results returns the ordered result stream for this session. Backend
	// failures are delivered in-band as a Result with Err set; the channel is
	// closed when the session ends.
	Results() <-chan Result

	// Finish stops accepting audio, flushes whatever is buffered and blocks
	// until the backend delivered its last result and Results is closed, or
	// ctx expires.
	Finish(ctx context.Context) error

	// Cancel abandons the session immediately without waiting for pending
	// results. Results is closed before Cancel returns or shortly after.
	Cancel() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Returns an error wrapping ErrUnauthorized on credential or permission
	// failure. The caller owns the handle and must end it with Finish or Cancel.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

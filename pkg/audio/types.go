// Package audio defines the frame type and capture-source contract used by
// the Athena voice pipeline.
//
// A [Source] produces a continuous sequence of mono float32 [AudioFrame]
// values. Physical devices are exclusive: wrap them in an [Arbiter] and hand
// each session its own [Handle] so that two sessions can never capture from
// the same hardware at once.
//
// This package lives under pkg/ because capture backends (portaudio, WAV
// replay, platform bridges) are expected to implement [Source].
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrSourceBusy is returned by [Handle.Start] when another handle currently
// owns the underlying source.
var ErrSourceBusy = errors.New("audio: source is owned by another session")

// ErrNotStarted is returned by sources that are asked to stop or read before
// they were started.
var ErrNotStarted = errors.New("audio: source not started")

// AudioFrame is one chunk of captured mono audio. Frames are immutable once
// produced: consumers may share the Samples slice but must never write to it.
type AudioFrame struct {
	// Samples holds normalised float32 PCM in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for speech recognition, 44100 for most
	// desktop microphones).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to source start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Empty reports whether the frame carries no samples.
func (f AudioFrame) Empty() bool { return len(f.Samples) == 0 }

// Source is a capture device or replay stream.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Start opens the device and begins producing frames. The frame channel
	// returned by Frames is valid from the moment Start returns nil.
	Start(ctx context.Context) error

	// Stop halts capture and closes the current frame channel. Calling Stop on
	// a stopped source returns nil.
	Stop() error

	// SampleRate returns the rate of produced frames in Hz.
	SampleRate() int

	// Frames returns the channel for the current capture run. A new channel is
	// created by every successful Start; it is closed by Stop or when the
	// underlying stream ends. Before the first Start the returned channel is nil.
	Frames() <-chan AudioFrame
}

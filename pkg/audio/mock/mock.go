// Package mock provides an in-memory implementation of [audio.Source] for use
// in unit tests.
//
// The mock is safe for concurrent use. It records Start/Stop calls and lets
// the test push frames with [Source.Emit] while a capture run is active.
//
// Typical usage:
//
//	src := &mock.Source{Rate: 16000}
//	_ = src.Start(ctx)
//	src.Emit(audio.AudioFrame{Samples: samples, SampleRate: 16000})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/athena/pkg/audio"
)

// Source is a mock implementation of [audio.Source].
// Set the exported fields before use; inspect the call counters after.
type Source struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to 16000 when zero.
	Rate int

	// Buffer is the capacity of each frame channel. Defaults to 64.
	Buffer int

	// StartErr, if non-nil, is returned by Start and no capture run begins.
	StartErr error

	// StopErr, if non-nil, is returned by Stop.
	StopErr error

	// StartCalls counts Start invocations (including failed ones).
	StartCalls int

	// StopCalls counts Stop invocations.
	StopCalls int

	frames  chan audio.AudioFrame
	running bool
}

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls++
	if s.StartErr != nil {
		return s.StartErr
	}
	if s.running {
		return nil
	}
	buf := s.Buffer
	if buf <= 0 {
		buf = 64
	}
	s.frames = make(chan audio.AudioFrame, buf)
	s.running = true
	return nil
}

// Stop implements [audio.Source]. It closes the current frame channel.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	if s.running {
		s.running = false
		close(s.frames)
	}
	return s.StopErr
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Rate == 0 {
		return 16000
	}
	return s.Rate
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Emit pushes frame into the current capture run. It reports false when the
// source is not running or the channel buffer is full.
func (s *Source) Emit(frame audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

// Running reports whether a capture run is active.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartCount returns StartCalls. Thread-safe.
func (s *Source) StartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StartCalls
}

// StopCount returns StopCalls. Thread-safe.
func (s *Source) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StopCalls
}

var _ audio.Source = (*Source)(nil)

// Package portaudio captures the default input device through PortAudio.
//
// Building this package requires the PortAudio C library and headers
// (libportaudio2 / portaudio19-dev on Debian, portaudio on Homebrew).
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/athena/pkg/audio"
)

// Defaults for [New].
const (
	DefaultSampleRate = 16000
	DefaultFrameSize  = 320
	frameBuffer       = 64
)

// Option is a functional option for [New].
type Option func(*Source)

// WithSampleRate sets the capture rate in Hz. Default: 16000.
func WithSampleRate(rate int) Option {
	return func(s *Source) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithFrameSize sets the number of samples per frame. Default: 320.
func WithFrameSize(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.frameSize = n
		}
	}
}

// Source captures mono float32 audio from the default input device.
// It is safe for concurrent use.
type Source struct {
	rate      int
	frameSize int

	mu      sync.Mutex
	stream  *pa.Stream
	frames  chan audio.AudioFrame
	started time.Time
	dropped atomic.Int64
}

var _ audio.Source = (*Source)(nil)

// New creates a Source. The device is opened by Start.
func New(opts ...Option) *Source {
	s := &Source{rate: DefaultSampleRate, frameSize: DefaultFrameSize}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int { return s.rate }

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Start initialises PortAudio and opens the default input stream. Starting a
// running source is a no-op.
func (s *Source) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("portaudio: start: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return nil
	}

	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	frames := make(chan audio.AudioFrame, frameBuffer)
	stream, err := pa.OpenDefaultStream(1, 0, float64(s.rate), s.frameSize, func(in []float32) {
		s.deliver(frames, in)
	})
	if err != nil {
		_ = pa.Terminate()
		return fmt.Errorf("portaudio: open default stream: %w", err)
	}
	s.frames = frames
	s.started = time.Now()
	s.dropped.Store(0)
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		close(frames)
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	s.stream = stream
	slog.Info("portaudio: capture started", "sample_rate", s.rate, "frame_size", s.frameSize)
	return nil
}

// deliver runs on the PortAudio callback thread. The input buffer is reused
// by PortAudio, so it is copied; frames that do not fit are dropped.
func (s *Source) deliver(frames chan<- audio.AudioFrame, in []float32) {
	samples := make([]float32, len(in))
	copy(samples, in)
	frame := audio.AudioFrame{
		Samples:    samples,
		SampleRate: s.rate,
		Timestamp:  time.Since(s.started),
	}
	select {
	case frames <- frame:
	default:
		s.dropped.Add(1)
	}
}

// Stop stops the stream, closes the frame channel and releases PortAudio.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	stream := s.stream
	s.stream = nil

	// No callbacks run once Stop returns, so the channel can be closed.
	stopErr := stream.Stop()
	closeErr := stream.Close()
	close(s.frames)
	termErr := pa.Terminate()
	if n := s.dropped.Load(); n > 0 {
		slog.Warn("portaudio: frames dropped by slow consumer", "count", n)
	}

	for _, err := range []error{stopErr, closeErr, termErr} {
		if err != nil {
			return fmt.Errorf("portaudio: stop: %w", err)
		}
	}
	return nil
}

// Package wavfile replays a WAV file as an [audio.Source].
//
// The file is decoded once; every Start replays it from the beginning. Frames
// are delivered as fast as the consumer reads them unless real-time pacing is
// enabled with [WithRealtime]. The frame channel closes when the file ends or
// on Stop.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/athena/pkg/audio"
)

// DefaultFrameDuration is the length of each emitted frame.
const DefaultFrameDuration = 20 * time.Millisecond

// ErrInvalidFile is returned when the input is not a PCM WAV file.
var ErrInvalidFile = errors.New("wavfile: not a valid PCM WAV file")

// Option is a functional option for [Open] and [New].
type Option func(*Source)

// WithFrameDuration sets the length of each frame. Default: 20ms.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.frameDuration = d
		}
	}
}

// WithRealtime paces frames at playback speed.
func WithRealtime(on bool) Option {
	return func(s *Source) { s.realtime = on }
}

// WithSampleRate resamples the decoded audio to rate.
func WithSampleRate(rate int) Option {
	return func(s *Source) { s.targetRate = rate }
}

// Source replays decoded WAV samples. It is safe for concurrent use.
type Source struct {
	frameDuration time.Duration
	realtime      bool
	targetRate    int

	samples []float32
	rate    int

	mu     sync.Mutex
	frames chan audio.AudioFrame
	run    *run
}

type run struct {
	stop chan struct{}
	done chan struct{}
}

var _ audio.Source = (*Source)(nil)

// Open decodes the WAV file at path.
func Open(path string, opts ...Option) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %q: %w", path, err)
	}
	defer f.Close()
	return New(f, opts...)
}

// New decodes a WAV stream. Multi-channel audio is mixed down to mono.
func New(r io.ReadSeeker, opts ...Option) (*Source, error) {
	s := &Source{frameDuration: DefaultFrameDuration}
	for _, o := range opts {
		o(s)
	}

	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrInvalidFile
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return nil, ErrInvalidFile
	}

	s.rate = buf.Format.SampleRate
	s.samples = audio.InterleavedToMono(normalise(buf, int(dec.BitDepth)), buf.Format.NumChannels)
	if s.targetRate > 0 && s.targetRate != s.rate {
		s.samples = audio.Resample(s.samples, s.rate, s.targetRate)
		s.rate = s.targetRate
	}
	return s, nil
}

// normalise scales integer PCM to [-1, 1].
func normalise(buf *goaudio.IntBuffer, bitDepth int) []float32 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))
	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / scale
	}
	return out
}

// Duration returns the playback length of the decoded audio.
func (s *Source) Duration() time.Duration {
	return time.Duration(len(s.samples)) * time.Second / time.Duration(s.rate)
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int { return s.rate }

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Start begins a replay from the first sample. Starting a running source is
// a no-op.
func (s *Source) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wavfile: start: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return nil
	}
	r := &run{stop: make(chan struct{}), done: make(chan struct{})}
	frames := make(chan audio.AudioFrame, 16)
	s.run = r
	s.frames = frames
	go s.replay(r, frames)
	return nil
}

// Stop ends the replay and waits for the frame channel to close.
func (s *Source) Stop() error {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	close(r.stop)
	<-r.done
	return nil
}

func (s *Source) replay(r *run, frames chan<- audio.AudioFrame) {
	defer func() {
		close(frames)
		s.mu.Lock()
		if s.run == r {
			s.run = nil
		}
		s.mu.Unlock()
		close(r.done)
	}()

	size := max(1, int(s.frameDuration*time.Duration(s.rate)/time.Second))
	var tick <-chan time.Time
	if s.realtime {
		t := time.NewTicker(s.frameDuration)
		defer t.Stop()
		tick = t.C
	}

	for off := 0; off < len(s.samples); off += size {
		if tick != nil {
			select {
			case <-tick:
			case <-r.stop:
				return
			}
		}
		end := min(off+size, len(s.samples))
		frame := audio.AudioFrame{
			Samples:    s.samples[off:end:end],
			SampleRate: s.rate,
			Timestamp:  time.Duration(off) * time.Second / time.Duration(s.rate),
		}
		select {
		case frames <- frame:
		case <-r.stop:
			return
		}
	}
}

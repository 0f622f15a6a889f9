package whisper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/provider/stt"
	"github.com/MrWong99/athena/pkg/provider/vad"
)

const (
	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
)

// inferFunc turns one utterance of mono samples at the session rate into
// text. An empty string means whisper heard nothing intelligible.
type inferFunc func(ctx context.Context, samples []float32) (string, error)

// newSegmenter opens a detection session on engine for one stream.
func newSegmenter(engine vad.Engine, rate, silenceMs, maxMs int) (*segmenter, error) {
	det, err := engine.NewSession(vad.Config{SampleRate: rate})
	if err != nil {
		return nil, fmt.Errorf("whisper: start vad session: %w", err)
	}
	return &segmenter{rate: rate, silenceMs: silenceMs, maxMs: maxMs, vad: det}, nil
}

// segmenter groups a mono stream into utterances using a VAD session. An
// utterance ends after silenceMs of consecutive non-speech audio following
// speech, or when the buffer reaches maxMs.
type segmenter struct {
	rate      int
	silenceMs int
	maxMs     int
	vad       vad.SessionHandle

	buf       []float32
	hasSpeech bool
	silentFor int // samples of trailing silence
}

// push appends samples and returns a completed utterance, if any.
func (g *segmenter) push(samples []float32) ([]float32, bool, error) {
	ev, err := g.vad.ProcessFrame(audio.AudioFrame{Samples: samples, SampleRate: g.rate})
	if err != nil {
		return nil, false, fmt.Errorf("whisper: vad: %w", err)
	}
	if ev.Type.IsSpeech() {
		g.hasSpeech = true
		g.silentFor = 0
	} else {
		if !g.hasSpeech {
			return nil, false, nil
		}
		g.silentFor += len(samples)
	}
	g.buf = append(g.buf, samples...)

	if g.silenceMs > 0 && g.silentFor*1000 >= g.silenceMs*g.rate {
		out, ok := g.flush()
		return out, ok, nil
	}
	if g.maxMs > 0 && len(g.buf)*1000 >= g.maxMs*g.rate {
		out, ok := g.flush()
		return out, ok, nil
	}
	return nil, false, nil
}

// flush returns whatever speech is buffered and resets the segmenter and its
// VAD session.
func (g *segmenter) flush() ([]float32, bool) {
	out, ok := g.buf, g.hasSpeech && len(g.buf) > 0
	g.buf = nil
	g.hasSpeech = false
	g.silentFor = 0
	g.vad.Reset()
	return out, ok
}

// session is the stt.SessionHandle shared by the HTTP and native backends.
// Segmentation state is confined to the run goroutine.
type session struct {
	rate  int
	infer inferFunc
	seg   *segmenter

	audioCh chan []float32
	results chan stt.Result
	flush   chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func newSession(rate int, seg *segmenter, infer inferFunc) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		rate:    rate,
		infer:   infer,
		seg:     seg,
		audioCh: make(chan []float32, 256),
		results: make(chan stt.Result, 64),
		flush:   make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go s.run(ctx)
	return s
}

// Feed implements stt.SessionHandle.
func (s *session) Feed(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	if frame.Empty() {
		return nil
	}
	samples := audio.ResampleFrame(frame, s.rate).Samples
	select {
	case s.audioCh <- samples:
		return nil
	default:
		slog.Warn("whisper: audio queue full, dropping frame", "samples", len(samples))
		return nil
	}
}

// Results implements stt.SessionHandle.
func (s *session) Results() <-chan stt.Result { return s.results }

// Finish implements stt.SessionHandle. Buffered speech is transcribed before
// the results channel closes.
func (s *session) Finish(ctx context.Context) error {
	if !s.markClosed() {
		return nil
	}
	close(s.flush)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return fmt.Errorf("whisper: finish: %w", ctx.Err())
	}
}

// Cancel implements stt.SessionHandle.
func (s *session) Cancel() error {
	s.markClosed()
	s.cancel()
	<-s.done
	return nil
}

func (s *session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.results)
	defer s.seg.vad.Close()

	heard := false
	transcribe := func(samples []float32) bool {
		text, err := s.infer(ctx, samples)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.emit(ctx, stt.Result{Err: err})
			return false
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return true
		}
		heard = true
		s.emit(ctx, stt.Result{Text: text})
		s.emit(ctx, stt.Result{Text: text, IsFinal: true})
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case samples := <-s.audioCh:
			utt, ok, err := s.seg.push(samples)
			if err != nil {
				s.emit(ctx, stt.Result{Err: err})
				return
			}
			if ok && !transcribe(utt) {
				return
			}
		case <-s.flush:
			// Feed rejects new audio once flush is closed, so the queue
			// only holds what was accepted before Finish.
			for {
				select {
				case samples := <-s.audioCh:
					utt, ok, err := s.seg.push(samples)
					if err != nil {
						s.emit(ctx, stt.Result{Err: err})
						return
					}
					if ok && !transcribe(utt) {
						return
					}
					continue
				default:
				}
				break
			}
			if utt, ok := s.seg.flush(); ok && !transcribe(utt) {
				return
			}
			if !heard {
				s.emit(ctx, stt.Result{Err: stt.ErrNoSpeech})
			}
			return
		}
	}
}

func (s *session) emit(ctx context.Context, r stt.Result) {
	select {
	case s.results <- r:
	case <-ctx.Done():
	}
}

var _ stt.SessionHandle = (*session)(nil)

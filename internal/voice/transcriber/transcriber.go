// Package transcriber wraps one streaming STT session with voice-activity
// policy: a silence timer that starts at the first recognised word, retention
// of the longest partial hypothesis, and transparent restarts when the
// backend reports "no speech" before anything was heard.
//
// A [Transcriber] runs at most one session at a time. Each session owns a
// single goroutine that consumes backend results, drives the silence check
// and is the only writer of the session's [Event] channel, so events are
// delivered strictly in backend order.
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/athena/internal/observe"
	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/permission"
	"github.com/MrWong99/athena/pkg/provider/stt"
)

// Defaults applied by [New] when the corresponding [Config] field is zero.
const (
	DefaultSilenceTimeout     = 2 * time.Second
	DefaultCheckInterval      = 500 * time.Millisecond
	DefaultMaxRestartAttempts = 3
	DefaultRestartDelay       = 100 * time.Millisecond
	DefaultSampleRate         = 16000
	DefaultEventBuffer        = 64
)

// Config holds the per-transcriber settings.
type Config struct {
	// SampleRate is the rate announced to the backend. Frames arriving at a
	// different rate are resampled before they are fed.
	SampleRate int

	// Language is the BCP-47 recognition language; empty lets the backend
	// decide.
	Language string

	// Keywords are passed to the backend as recognition hints.
	Keywords []stt.KeywordBoost

	// SilenceTimeout is the initial end-of-utterance timeout. It can be
	// changed later with [Transcriber.SetSilenceTimeout].
	SilenceTimeout time.Duration

	// CheckInterval is the period of the silence check.
	CheckInterval time.Duration

	// MaxRestartAttempts bounds transparent restarts after a "no speech"
	// error. A negative value disables restarts.
	MaxRestartAttempts int

	// RestartDelay is the pause before each restart.
	RestartDelay time.Duration

	// EventBuffer is the capacity of each session's event channel.
	EventBuffer int
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.MaxRestartAttempts == 0 {
		c.MaxRestartAttempts = DefaultMaxRestartAttempts
	} else if c.MaxRestartAttempts < 0 {
		c.MaxRestartAttempts = 0
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
}

// Option is a functional option for [New].
type Option func(*Transcriber)

// WithAuthorizer sets the capability check run by [Transcriber.Start].
// Default: [permission.AllowAll].
func WithAuthorizer(a permission.Authorizer) Option {
	return func(t *Transcriber) { t.auth = a }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transcriber) { t.metrics = m }
}

// WithName labels log lines and metrics from this transcriber
// (e.g. "pipeline" or "dictation").
func WithName(name string) Option {
	return func(t *Transcriber) { t.name = name }
}

// Transcriber is the voice-activity-aware wrapper around an [stt.Provider].
// All methods are safe for concurrent use.
type Transcriber struct {
	provider stt.Provider
	auth     permission.Authorizer
	metrics  *observe.Metrics
	name     string
	cfg      Config

	mu             sync.Mutex
	silenceTimeout time.Duration
	sess           *session
	pending        chan Event
}

// New creates a Transcriber over provider.
func New(provider stt.Provider, cfg Config, opts ...Option) *Transcriber {
	cfg.applyDefaults()
	t := &Transcriber{
		provider:       provider,
		cfg:            cfg,
		silenceTimeout: cfg.SilenceTimeout,
		name:           "transcriber",
	}
	for _, o := range opts {
		o(t)
	}
	if t.auth == nil {
		t.auth = permission.AllowAll()
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// endReason records why a session's context was cancelled.
type endReason int32

const (
	reasonNone endReason = iota
	// reasonStop ends the stream with EventEnded.
	reasonStop
	// reasonCancel ends the stream without further events.
	reasonCancel
)

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}
	reason atomic.Int32

	// running is false while the backend is being restarted or finished;
	// frames arriving then are dropped.
	running atomic.Bool

	hmu       sync.Mutex
	handle    stt.SessionHandle
	finishing bool
}

// terminate cancels the session context once, remembering the first reason.
func (s *session) terminate(r endReason) {
	s.reason.CompareAndSwap(int32(reasonNone), int32(r))
	s.cancel()
}

func (s *session) currentHandle() stt.SessionHandle {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return s.handle
}

func (s *session) isFinishing() bool {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return s.finishing
}

// Start opens a backend session. It returns an error wrapping
// [permission.ErrNotAuthorized] when speech recognition is not granted, and
// does nothing if a session is already running.
//
// ctx bounds only the start-up; the session lives until Stop, Cancel, Finish,
// a terminal backend error or normal backend completion.
func (t *Transcriber) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sess != nil {
		return nil
	}
	if err := t.auth.Authorize(ctx, permission.SpeechRecognition); err != nil {
		return fmt.Errorf("transcriber: start: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle, err := t.provider.StartStream(sctx, t.streamConfig())
	if err != nil {
		cancel()
		return fmt.Errorf("transcriber: start stream: %w", err)
	}

	events := t.pending
	t.pending = nil
	if events == nil {
		events = make(chan Event, t.cfg.EventBuffer)
	}

	s := &session{
		ctx:    sctx,
		cancel: cancel,
		events: events,
		done:   make(chan struct{}),
		handle: handle,
	}
	s.running.Store(true)
	t.sess = s

	slog.Debug("transcriber: session started", "name", t.name, "sample_rate", t.cfg.SampleRate)
	go t.run(s, handle)
	return nil
}

// Events returns the event channel of the running session. When no session
// is running it returns the channel that the next [Transcriber.Start] will
// use, so subscribing before Start never misses early events. The channel is
// closed when its session ends.
func (t *Transcriber) Events() <-chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess != nil {
		return t.sess.events
	}
	if t.pending == nil {
		t.pending = make(chan Event, t.cfg.EventBuffer)
	}
	return t.pending
}

// Running reports whether a session is active.
func (t *Transcriber) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess != nil
}

// AppendAudio forwards frame to the backend. Frames are dropped while no
// session is running or the backend is restarting; empty frames are logged
// and skipped.
func (t *Transcriber) AppendAudio(frame audio.AudioFrame) {
	t.mu.Lock()
	s := t.sess
	t.mu.Unlock()

	if s == nil || !s.running.Load() {
		slog.Debug("transcriber: dropping frame, not running", "name", t.name)
		return
	}
	if frame.Empty() {
		slog.Warn("transcriber: skipping empty audio frame", "name", t.name, "timestamp", frame.Timestamp)
		return
	}
	if frame.SampleRate > 0 {
		frame = audio.ResampleFrame(frame, t.cfg.SampleRate)
	}
	if err := s.currentHandle().Feed(frame); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		slog.Warn("transcriber: feed failed", "name", t.name, "err", err)
	}
}

// Stop tears down the running session and its silence timer. The event
// stream ends with [EventEnded]. Stop is idempotent and returns once the
// session goroutine has exited.
func (t *Transcriber) Stop() {
	t.end(reasonStop)
}

// Cancel tears down the running session without emitting further events.
// Cancel is idempotent and returns once the session goroutine has exited.
func (t *Transcriber) Cancel() {
	t.end(reasonCancel)
}

func (t *Transcriber) end(r endReason) {
	t.mu.Lock()
	s := t.sess
	t.mu.Unlock()
	if s == nil {
		return
	}
	s.terminate(r)
	<-s.done
}

// Finish stops feeding audio, asks the backend for its final result and
// blocks until the session has delivered it and ended, or ctx expires. On
// expiry the session is cancelled and ctx.Err() is returned.
func (t *Transcriber) Finish(ctx context.Context) error {
	t.mu.Lock()
	s := t.sess
	t.mu.Unlock()
	if s == nil {
		return nil
	}

	s.hmu.Lock()
	s.finishing = true
	s.running.Store(false)
	h := s.handle
	s.hmu.Unlock()

	// A concurrent Cancel must also release the backend wait.
	fctx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(s.ctx, stop)
	defer unhook()

	start := time.Now()
	if err := h.Finish(fctx); err != nil {
		s.terminate(reasonCancel)
		<-s.done
		return fmt.Errorf("transcriber: finish: %w", err)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		s.terminate(reasonCancel)
		<-s.done
		return ctx.Err()
	}
	t.metrics.FinishDuration.Record(ctx, time.Since(start).Seconds())
	return nil
}

// SetSilenceTimeout changes the silence timeout. It takes effect at the next
// silence check, including for the running session.
func (t *Transcriber) SetSilenceTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.silenceTimeout = d
}

// SilenceTimeout returns the current silence timeout.
func (t *Transcriber) SilenceTimeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.silenceTimeout
}

func (t *Transcriber) streamConfig() stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate: t.cfg.SampleRate,
		Language:   t.cfg.Language,
		Keywords:   t.cfg.Keywords,
	}
}

// run is the session goroutine. It is the only sender on s.events.
func (t *Transcriber) run(s *session, handle stt.SessionHandle) {
	defer func() {
		close(s.events)
		t.mu.Lock()
		if t.sess == s {
			t.sess = nil
		}
		t.mu.Unlock()
		s.cancel()
		close(s.done)
		slog.Debug("transcriber: session ended", "name", t.name)
	}()

	results := handle.Results()
	var (
		retainedLen  int
		heard        bool
		silenceFired bool
		lastUpdate   time.Time
		ticker       *time.Ticker
		tick         <-chan time.Time
		restarts     int
	)
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	defer stopTicker()

	for {
		select {
		case <-s.ctx.Done():
			_ = handle.Cancel()
			if endReason(s.reason.Load()) == reasonStop {
				t.emitNow(s, Event{Kind: EventEnded})
			}
			return

		case now := <-tick:
			if now.Sub(lastUpdate) >= t.SilenceTimeout() {
				stopTicker()
				silenceFired = true
				t.emit(s, Event{Kind: EventSilenceDetected})
			}

		case r, ok := <-results:
			if !ok {
				t.emitNow(s, Event{Kind: EventEnded})
				return
			}

			if r.Err != nil {
				noSpeech := errors.Is(r.Err, stt.ErrNoSpeech)
				if noSpeech && s.isFinishing() {
					_ = handle.Cancel()
					t.emitNow(s, Event{Kind: EventEnded})
					return
				}
				if noSpeech && !heard && restarts < t.cfg.MaxRestartAttempts {
					restarts++
					next, err := t.restart(s, handle, restarts)
					if err != nil {
						if s.ctx.Err() != nil {
							continue
						}
						if errors.Is(err, errFinishing) {
							t.emitNow(s, Event{Kind: EventEnded})
							return
						}
						t.fail(s, err, restarts)
						return
					}
					handle = next
					results = handle.Results()
					continue
				}
				_ = handle.Cancel()
				t.fail(s, r.Err, restarts)
				return
			}

			if strings.TrimSpace(r.Text) == "" {
				if r.IsFinal {
					retainedLen = 0
				}
				continue
			}

			heard = true
			lastUpdate = time.Now()
			if ticker == nil && !silenceFired {
				ticker = time.NewTicker(t.cfg.CheckInterval)
				tick = ticker.C
			}

			if r.IsFinal {
				retainedLen = 0
				ev := Event{Kind: EventFinal, Text: r.Text}
				if r.HasConfidence {
					c := r.Confidence
					ev.Confidence = &c
				}
				t.emit(s, ev)
				continue
			}

			n := utf8.RuneCountInString(r.Text)
			if n < retainedLen {
				slog.Debug("transcriber: suppressing shorter partial",
					"name", t.name, "retained_len", retainedLen, "partial_len", n)
				t.metrics.SuppressedPartials.Add(s.ctx, 1)
				continue
			}
			retainedLen = n
			t.emit(s, Event{Kind: EventPartial, Text: r.Text})
		}
	}
}

var errFinishing = errors.New("transcriber: session is finishing")

// restart replaces a backend session that reported "no speech". Frames are
// dropped from the moment the old handle is cancelled until the new one is
// installed.
func (t *Transcriber) restart(s *session, old stt.SessionHandle, attempt int) (stt.SessionHandle, error) {
	s.running.Store(false)
	// Nobody reads the old stream any more; late results are discarded so
	// the backend's reader is never stuck on a send.
	go audio.Drain(old.Results())
	_ = old.Cancel()
	t.metrics.RecordRestart(s.ctx, t.name)
	slog.Info("transcriber: no speech yet, restarting recognition",
		"name", t.name, "attempt", attempt, "max", t.cfg.MaxRestartAttempts)

	timer := time.NewTimer(t.cfg.RestartDelay)
	select {
	case <-s.ctx.Done():
		timer.Stop()
		return nil, s.ctx.Err()
	case <-timer.C:
	}

	if s.isFinishing() {
		return nil, errFinishing
	}
	next, err := t.provider.StartStream(s.ctx, t.streamConfig())
	if err != nil {
		return nil, fmt.Errorf("restart %d: %w", attempt, err)
	}

	s.hmu.Lock()
	defer s.hmu.Unlock()
	if s.finishing {
		_ = next.Cancel()
		return nil, errFinishing
	}
	s.handle = next
	s.running.Store(true)
	return next, nil
}

// fail emits a terminal EventError.
func (t *Transcriber) fail(s *session, cause error, restarts int) {
	t.metrics.RecordProviderError(s.ctx, t.name, "stt")
	slog.Warn("transcriber: recognition failed", "name", t.name, "restarts", restarts, "err", cause)
	t.emitNow(s, Event{Kind: EventError, Err: &BackendError{Cause: cause, Attempts: restarts}})
}

// emit delivers ev, blocking while the consumer is behind unless the session
// is being torn down.
func (t *Transcriber) emit(s *session, ev Event) {
	select {
	case s.events <- ev:
		t.metrics.RecordTranscriptEvent(context.WithoutCancel(s.ctx), ev.Kind.String())
	case <-s.ctx.Done():
	}
}

// terminalGrace bounds how long a terminal event waits for a stalled
// consumer.
const terminalGrace = time.Second

// emitNow delivers a terminal event regardless of the session context. It
// gives up after terminalGrace if the consumer never drains its buffer.
func (t *Transcriber) emitNow(s *session, ev Event) {
	select {
	case s.events <- ev:
	default:
		timer := time.NewTimer(terminalGrace)
		defer timer.Stop()
		select {
		case s.events <- ev:
		case <-timer.C:
			slog.Warn("transcriber: consumer stalled, dropping terminal event", "name", t.name, "kind", ev.Kind)
			return
		}
	}
	t.metrics.RecordTranscriptEvent(context.WithoutCancel(s.ctx), ev.Kind.String())
}

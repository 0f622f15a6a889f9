// Package pipeline sequences an audio source, a voice-activity transcriber
// and a spectrum analyzer into one observable listening session.
//
// The [Orchestrator] owns a strict state machine:
//
//	Idle ──StartListening──▶ Listening ──StopListening──▶ Finishing
//	  ▲                          │                            │
//	  └──── Ended / Cancel ──────┴────────────────────────────┘
//	Listening | Finishing ──backend error──▶ Error ──CancelListening──▶ Idle
//
// All transitions and transcript event handling are serialised by one mutex.
// Audio frames reach the transcriber and the analyzer through independent
// buffered queues, so a slow analyzer never delays recognition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/athena/internal/fanout"
	"github.com/MrWong99/athena/internal/observe"
	"github.com/MrWong99/athena/internal/voice/transcriber"
	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/permission"
)

const (
	defaultTranscriberQueue = 256
	defaultAnalyzerQueue    = 32
)

// Transcriber is the subset of [*transcriber.Transcriber] the orchestrator
// drives.
type Transcriber interface {
	Start(ctx context.Context) error
	Events() <-chan transcriber.Event
	AppendAudio(frame audio.AudioFrame)
	Finish(ctx context.Context) error
	Cancel()
}

// Analyzer is the subset of [*spectrum.Analyzer] the orchestrator drives.
type Analyzer interface {
	Start()
	Stop()
	Process(frame audio.AudioFrame)
	Bands() []float64
	Subscribe(buffer int) (<-chan []float64, func())
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithQueueSizes sets the per-consumer audio frame queue capacities. Values
// below 1 keep the defaults (256 for the transcriber, 32 for the analyzer).
func WithQueueSizes(transcriberQueue, analyzerQueue int) Option {
	return func(o *Orchestrator) {
		if transcriberQueue > 0 {
			o.trQueue = transcriberQueue
		}
		if analyzerQueue > 0 {
			o.anQueue = analyzerQueue
		}
	}
}

// WithAuthorizer sets the capability check performed before the audio
// source is opened. Default: [permission.AllowAll].
func WithAuthorizer(a permission.Authorizer) Option {
	return func(o *Orchestrator) { o.auth = a }
}

// WithName sets the component name used in logs and metrics. Default:
// "pipeline".
func WithName(name string) Option {
	return func(o *Orchestrator) { o.name = name }
}

// Orchestrator runs at most one listening session at a time. All methods are
// safe for concurrent use.
type Orchestrator struct {
	src     audio.Source
	tr      Transcriber
	an      Analyzer
	auth    permission.Authorizer
	metrics *observe.Metrics
	name    string
	trQueue int
	anQueue int

	notify fanout.Hub[Notification]

	mu      sync.Mutex
	state   State
	partial string
	final   string
	sess    *session
	lastID  string
}

// New wires src, tr and an into an idle orchestrator. an may be nil when no
// visualisation is needed.
func New(src audio.Source, tr Transcriber, an Analyzer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		src:     src,
		tr:      tr,
		an:      an,
		name:    "pipeline",
		trQueue: defaultTranscriberQueue,
		anQueue: defaultAnalyzerQueue,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.auth == nil {
		o.auth = permission.AllowAll()
	}
	return o
}

// session is the resource set of one listening run.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	// capture cancels the frame forwarding goroutines; forwarders joins them.
	capture     context.CancelFunc
	forwarders  *errgroup.Group
	captureDone bool

	consumeDone chan struct{}
	started     time.Time
	endMetric   func(seconds float64)

	// droppedBase is the notification hub's drop count when the session
	// started.
	droppedBase int64
}

// StartListening starts a new session. It is a no-op unless the orchestrator
// is idle; a session that is still finishing is force-cancelled first. When
// the transcriber or the audio source fails to start, everything started so
// far is torn down, the orchestrator enters [PhaseError] and the error is
// returned.
func (o *Orchestrator) StartListening(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Phase == PhaseFinishing {
		slog.Info("pipeline: start while finishing, cancelling previous session", "name", o.name, "session_id", o.sessionID())
		o.cancelLocked()
	}
	if o.state.Phase != PhaseIdle {
		slog.Debug("pipeline: start ignored", "name", o.name, "state", o.state.String())
		return nil
	}

	if err := o.auth.Authorize(ctx, permission.Microphone); err != nil {
		o.setStateLocked(State{Phase: PhaseError, Message: err.Error()})
		return fmt.Errorf("pipeline: start: %w", err)
	}

	o.partial, o.final = "", ""

	id := uuid.NewString()
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sctx, span := observe.StartSessionSpan(sctx, "pipeline.listen", id)
	s := &session{
		id:          id,
		ctx:         sctx,
		cancel:      cancel,
		span:        span,
		consumeDone: make(chan struct{}),
		started:     time.Now(),
		droppedBase: o.notify.Dropped(),
	}
	o.sess = s
	o.lastID = id

	events := o.tr.Events()
	if err := o.tr.Start(ctx); err != nil {
		close(s.consumeDone)
		s.captureDone = true
		o.failLocked(s, err)
		return fmt.Errorf("pipeline: start transcriber: %w", err)
	}
	go o.consume(s, events)

	if o.an != nil {
		o.an.Start()
	}

	if err := o.src.Start(ctx); err != nil {
		o.tr.Cancel()
		o.failLocked(s, err)
		return fmt.Errorf("pipeline: start audio: %w", err)
	}
	o.startForwarding(s)

	s.endMetric = o.metrics.SessionStarted(sctx, "pipeline")
	o.setStateLocked(State{Phase: PhaseListening})
	slog.Info("pipeline: listening", "name", o.name, "session_id", id,
		"sample_rate", o.src.SampleRate(), "subscribers", o.notify.Len())
	return nil
}

// StopListening stops capture and waits for the transcriber to deliver its
// final result. It is a no-op unless the orchestrator is listening. There is
// no internal deadline; bound the wait with ctx. When the wait fails the
// orchestrator enters [PhaseError] and the error is returned.
func (o *Orchestrator) StopListening(ctx context.Context) error {
	o.mu.Lock()
	if o.state.Phase != PhaseListening {
		slog.Debug("pipeline: stop ignored", "name", o.name, "state", o.state.String())
		o.mu.Unlock()
		return nil
	}
	s := o.sess
	o.stopCaptureLocked(s)
	o.setStateLocked(State{Phase: PhaseFinishing})
	o.mu.Unlock()

	err := o.tr.Finish(ctx)
	<-s.consumeDone

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != s {
		// Ended, failed or cancelled while finishing.
		return nil
	}
	if err != nil {
		o.failLocked(s, err)
		return fmt.Errorf("pipeline: stop: %w", err)
	}
	o.endLocked(s)
	o.setStateLocked(State{Phase: PhaseIdle})
	return nil
}

// CancelListening tears the session down immediately without waiting for a
// final result and resets the transcripts. It is a no-op when idle and the
// only way out of [PhaseError].
func (o *Orchestrator) CancelListening() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Phase == PhaseIdle {
		return
	}
	o.cancelLocked()
}

func (o *Orchestrator) cancelLocked() {
	if s := o.sess; s != nil {
		o.teardownLocked(s)
		o.endLocked(s)
	}
	o.partial, o.final = "", ""
	o.setStateLocked(State{Phase: PhaseIdle})
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// PartialTranscript returns the session's committed text followed by the
// in-progress hypothesis. It is empty right after a final result.
func (o *Orchestrator) PartialTranscript() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.partial
}

// FinalTranscript returns every final result of the current or most recent
// session, joined by spaces.
func (o *Orchestrator) FinalTranscript() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.final
}

// SessionID returns the ID of the current session, or "" when idle.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID()
}

func (o *Orchestrator) sessionID() string {
	if o.sess == nil {
		return ""
	}
	return o.sess.id
}

// Bands returns the analyzer's current band vector, or nil without an
// analyzer.
func (o *Orchestrator) Bands() []float64 {
	if o.an == nil {
		return nil
	}
	return o.an.Bands()
}

// SubscribeBands returns a channel receiving every band vector the analyzer
// computes, plus the reset vector when capture stops. Without an analyzer the
// channel is already closed.
func (o *Orchestrator) SubscribeBands(buffer int) (<-chan []float64, func()) {
	if o.an == nil {
		ch := make(chan []float64)
		close(ch)
		return ch, func() {}
	}
	return o.an.Subscribe(buffer)
}

// Subscribe returns a channel of state and transcript notifications. Slow
// subscribers lose notifications rather than stalling the session.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Notification, func()) {
	return o.notify.Subscribe(buffer)
}

// Close cancels any running session and ends all subscriptions.
func (o *Orchestrator) Close() {
	o.CancelListening()
	o.notify.Close()
}

// consume drains one session's transcriber events until the stream closes or
// the session is cancelled.
func (o *Orchestrator) consume(s *session, events <-chan transcriber.Event) {
	defer close(s.consumeDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				o.eventsClosed(s)
				return
			}
			o.handleEvent(s, ev)
		}
	}
}

func (o *Orchestrator) handleEvent(s *session, ev transcriber.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != s {
		return
	}
	switch ev.Kind {
	case transcriber.EventPartial:
		o.partial = joinText(o.final, ev.Text)
		o.publishLocked(Notification{Kind: NotifyPartial, Text: o.partial})
	case transcriber.EventFinal:
		// Providers commit one final per utterance; the session transcript
		// is their concatenation.
		o.final = joinText(o.final, ev.Text)
		o.partial = ""
		o.publishLocked(Notification{Kind: NotifyFinal, Text: o.final, Confidence: ev.Confidence})
	case transcriber.EventSilenceDetected:
		o.publishLocked(Notification{Kind: NotifySilence, Text: o.partial})
	case transcriber.EventError:
		slog.Warn("pipeline: transcriber error", "name", o.name, "session_id", s.id, "err", ev.Err)
		o.teardownLocked(s)
		o.failLocked(s, ev.Err)
	case transcriber.EventEnded:
		o.teardownLocked(s)
		o.endLocked(s)
		o.setStateLocked(State{Phase: PhaseIdle})
	}
}

func joinText(a, b string) string {
	return strings.TrimSpace(strings.TrimSpace(a) + " " + strings.TrimSpace(b))
}

// eventsClosed handles a stream that ended without a terminal event. While
// finishing, StopListening owns the outcome.
func (o *Orchestrator) eventsClosed(s *session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != s || o.state.Phase != PhaseListening {
		return
	}
	o.teardownLocked(s)
	o.failLocked(s, errors.New("transcription ended unexpectedly"))
}

// startForwarding fans the source's frames out to per-consumer queues.
func (o *Orchestrator) startForwarding(s *session) {
	frames := o.src.Frames()
	ctx, cancel := context.WithCancel(s.ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.capture = cancel
	s.forwarders = g

	trQ := make(chan audio.AudioFrame, o.trQueue)
	var anQ chan audio.AudioFrame
	if o.an != nil {
		anQ = make(chan audio.AudioFrame, o.anQueue)
	}

	g.Go(func() error {
		defer close(trQ)
		if anQ != nil {
			defer close(anQ)
		}
		for {
			select {
			case <-gctx.Done():
				return nil
			case f, ok := <-frames:
				if !ok {
					return nil
				}
				o.offer(gctx, "transcriber", trQ, f)
				if anQ != nil {
					o.offer(gctx, "spectrum", anQ, f)
				}
			}
		}
	})
	g.Go(func() error {
		for f := range trQ {
			if gctx.Err() != nil {
				return nil
			}
			o.tr.AppendAudio(f)
		}
		return nil
	})
	if anQ != nil {
		g.Go(func() error {
			for f := range anQ {
				if gctx.Err() != nil {
					return nil
				}
				o.an.Process(f)
			}
			return nil
		})
	}
}

func (o *Orchestrator) offer(ctx context.Context, consumer string, q chan<- audio.AudioFrame, f audio.AudioFrame) {
	select {
	case q <- f:
	default:
		o.metrics.RecordDroppedFrames(ctx, consumer, 1)
		slog.Debug("pipeline: consumer lagging, dropped frame", "name", o.name, "consumer", consumer)
	}
}

// stopCaptureLocked stops the audio source, the frame forwarding goroutines
// and the analyzer. Idempotent per session.
func (o *Orchestrator) stopCaptureLocked(s *session) {
	if s == nil || s.captureDone {
		return
	}
	s.captureDone = true
	if err := o.src.Stop(); err != nil {
		slog.Warn("pipeline: stop audio source", "name", o.name, "session_id", s.id, "err", err)
	}
	if s.capture != nil {
		s.capture()
		_ = s.forwarders.Wait()
	}
	if o.an != nil {
		o.an.Stop()
	}
}

// teardownLocked stops capture and joins the transcriber session, which may
// still be exiting after a terminal event.
func (o *Orchestrator) teardownLocked(s *session) {
	o.stopCaptureLocked(s)
	o.tr.Cancel()
}

// failLocked tears s down and enters the error state with err's message.
func (o *Orchestrator) failLocked(s *session, err error) {
	o.stopCaptureLocked(s)
	observe.FailSpan(s.span, err)
	o.endLocked(s)
	o.setStateLocked(State{Phase: PhaseError, Message: err.Error()})
}

// endLocked releases the session. The transcriber is not touched.
func (o *Orchestrator) endLocked(s *session) {
	s.cancel()
	s.span.End()
	if s.endMetric != nil {
		s.endMetric(time.Since(s.started).Seconds())
		s.endMetric = nil
		if missed := o.notify.Dropped() - s.droppedBase; missed > 0 {
			o.metrics.RecordDroppedNotifications(context.Background(), o.name, missed)
			slog.Warn("pipeline: subscribers missed notifications", "name", o.name, "session_id", s.id, "missed", missed)
		}
	}
	if o.sess == s {
		o.sess = nil
	}
}

func (o *Orchestrator) setStateLocked(st State) {
	if st == o.state {
		return
	}
	prev := o.state
	o.state = st
	o.metrics.RecordStateTransition(context.Background(), o.name, prev.Phase.String(), st.Phase.String())
	slog.Debug("pipeline: state changed", "name", o.name, "from", prev.String(), "to", st.String())
	o.publishLocked(Notification{Kind: NotifyState})
}

// publishLocked stamps n with the most recent session ID, the state and the
// time and broadcasts it.
func (o *Orchestrator) publishLocked(n Notification) {
	n.SessionID = o.lastID
	n.State = o.state
	n.At = time.Now()
	o.notify.Publish(n)
}

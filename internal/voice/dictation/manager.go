// Package dictation runs "dictate until done" sessions on top of a
// voice-activity transcriber.
//
// A session ends on the first of: a silence timeout, the spoken stop phrase
// ("athena stop listening" by default), a backend error or end of stream, or
// a manual [Manager.Stop]. The accumulated transcript, minus a trailing stop
// phrase, becomes the session's final transcript.
package dictation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/athena/internal/fanout"
	"github.com/MrWong99/athena/internal/observe"
	"github.com/MrWong99/athena/internal/voice/transcriber"
	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/permission"
)

// DefaultSilenceTimeout leaves room for pauses while dictating.
const DefaultSilenceTimeout = 3 * time.Second

// Phase is the lifecycle position of a [Manager].
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseListening
	PhaseError
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is the observable manager state. Message is only set in
// [PhaseError].
type State struct {
	Phase   Phase
	Message string
}

// EndReason tells why a session ended.
type EndReason string

const (
	EndStopPhrase EndReason = "stop_phrase"
	EndSilence    EndReason = "silence"
	EndError      EndReason = "error"
	EndBackend    EndReason = "ended"
	EndManual     EndReason = "manual"
)

// NotificationKind identifies what changed in a [Notification].
type NotificationKind int

const (
	// NotifyState reports a state change.
	NotifyState NotificationKind = iota
	// NotifyTranscript carries the accumulated transcript after an update.
	NotifyTranscript
	// NotifyFinal carries the final transcript of an ended session.
	NotifyFinal
)

// String returns the lowercase kind name.
func (k NotificationKind) String() string {
	switch k {
	case NotifyState:
		return "state"
	case NotifyTranscript:
		return "transcript"
	case NotifyFinal:
		return "final"
	default:
		return fmt.Sprintf("NotificationKind(%d)", int(k))
	}
}

// Notification is a typed change event delivered to subscribers. Final
// notifications carry the session's final transcript and are sent once per
// session that produced one.
type Notification struct {
	SessionID   string
	Kind        NotificationKind
	State       State
	Text        string
	StopCommand bool
	Reason      EndReason
	At          time.Time
}

// Transcriber is the subset of [*transcriber.Transcriber] the manager drives.
type Transcriber interface {
	Start(ctx context.Context) error
	Events() <-chan transcriber.Event
	AppendAudio(frame audio.AudioFrame)
	Cancel()
	SetSilenceTimeout(d time.Duration)
}

// Config holds the dictation settings.
type Config struct {
	// SilenceTimeout ends the session after this much time without a new
	// transcript. Default: 3s.
	SilenceTimeout time.Duration

	// StopPhrase is the spoken interrupt. Default: [DefaultStopPhrase].
	StopPhrase StopPhrase
}

// Option is a functional option for [New].
type Option func(*Manager)

// WithAuthorizer sets the capability check performed by Start. Default:
// [permission.AllowAll].
func WithAuthorizer(a permission.Authorizer) Option {
	return func(m *Manager) { m.auth = a }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager runs at most one dictation session at a time. All methods are safe
// for concurrent use.
type Manager struct {
	src     audio.Source
	tr      Transcriber
	auth    permission.Authorizer
	metrics *observe.Metrics

	notify fanout.Hub[Notification]

	mu             sync.Mutex
	silenceTimeout time.Duration
	stopPhrase     StopPhrase
	state          State
	sess           *session
	lastID         string

	committed     string
	partial       string
	final         string
	finalSet      bool
	stopTriggered bool
}

// New returns an idle manager. Zero Config fields take their defaults.
func New(src audio.Source, tr Transcriber, cfg Config, opts ...Option) *Manager {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.StopPhrase.WakeWord == "" {
		cfg.StopPhrase.WakeWord = DefaultWakeWord
	}
	if cfg.StopPhrase.Threshold <= 0 {
		cfg.StopPhrase.Threshold = DefaultWakeWordThreshold
	}
	m := &Manager{
		src:            src,
		tr:             tr,
		silenceTimeout: cfg.SilenceTimeout,
		stopPhrase:     cfg.StopPhrase,
	}
	for _, o := range opts {
		o(m)
	}
	if m.auth == nil {
		m.auth = permission.AllowAll()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

type session struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	span      trace.Span
	forwarded chan struct{}
	started   time.Time
	endMetric func(seconds float64)
}

// Start verifies microphone and speech recognition authorisation, starts the
// transcriber with the dictation silence timeout, starts capture and enters
// [PhaseListening]. It is a no-op while listening. Starting from
// [PhaseError] begins a fresh session.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase == PhaseListening {
		return nil
	}
	if err := m.auth.Authorize(ctx, permission.Microphone, permission.SpeechRecognition); err != nil {
		m.setStateLocked(State{Phase: PhaseError, Message: err.Error()})
		return fmt.Errorf("dictation: start: %w", err)
	}

	m.committed, m.partial, m.final = "", "", ""
	m.finalSet, m.stopTriggered = false, false

	id := uuid.NewString()
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sctx, span := observe.StartSessionSpan(sctx, "dictation.session", id)
	s := &session{id: id, ctx: sctx, cancel: cancel, span: span, started: time.Now()}

	m.tr.SetSilenceTimeout(m.silenceTimeout)
	events := m.tr.Events()
	if err := m.tr.Start(ctx); err != nil {
		cancel()
		observe.FailSpan(span, err)
		span.End()
		m.setStateLocked(State{Phase: PhaseError, Message: err.Error()})
		return fmt.Errorf("dictation: start transcriber: %w", err)
	}
	if err := m.src.Start(ctx); err != nil {
		m.tr.Cancel()
		cancel()
		observe.FailSpan(span, err)
		span.End()
		m.setStateLocked(State{Phase: PhaseError, Message: err.Error()})
		return fmt.Errorf("dictation: start audio: %w", err)
	}

	m.sess = s
	m.lastID = id
	s.forwarded = make(chan struct{})
	go m.forward(s, m.src.Frames())
	go m.consume(s, events)

	s.endMetric = m.metrics.SessionStarted(sctx, "dictation")
	m.setStateLocked(State{Phase: PhaseListening})
	slog.Info("dictation: listening", "session_id", id, "silence_timeout", m.silenceTimeout)
	return nil
}

// Stop ends the session manually. When no final transcript was set yet the
// accumulated transcript becomes final, without the stop phrase if one was
// detected. It returns the final transcript and whether one was produced.
// Calling Stop when no session runs returns the previous session's result.
func (m *Manager) Stop() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sess; s != nil {
		m.endLocked(s, EndManual)
	}
	return m.final, m.finalSet
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FinalTranscript returns the final transcript of the current or previous
// session and whether one was produced.
func (m *Manager) FinalTranscript() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.final, m.finalSet
}

// Transcript returns the text accumulated so far in the current session.
func (m *Manager) Transcript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accumulatedLocked()
}

// StopCommandTriggered reports whether the last session ended on the spoken
// stop phrase.
func (m *Manager) StopCommandTriggered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopTriggered
}

// SessionID returns the ID of the running session, or "".
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.id
}

// SetSilenceTimeout changes the timeout used by the next session. Values
// <= 0 are ignored.
func (m *Manager) SetSilenceTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silenceTimeout = d
}

// SetStopPhrase replaces the stop phrase. It applies to the running session
// from the next transcript on.
func (m *Manager) SetStopPhrase(p StopPhrase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopPhrase = p
}

// Subscribe returns a channel of state, transcript and final notifications.
func (m *Manager) Subscribe(buffer int) (<-chan Notification, func()) {
	return m.notify.Subscribe(buffer)
}

// Close stops any running session and ends all subscriptions.
func (m *Manager) Close() {
	m.Stop()
	m.notify.Close()
}

func (m *Manager) forward(s *session, frames <-chan audio.AudioFrame) {
	defer close(s.forwarded)
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			m.tr.AppendAudio(f)
		}
	}
}

func (m *Manager) consume(s *session, events <-chan transcriber.Event) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.streamEnded(s)
				return
			}
			m.handleEvent(s, ev)
		}
	}
}

func (m *Manager) handleEvent(s *session, ev transcriber.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s {
		return
	}
	switch ev.Kind {
	case transcriber.EventPartial:
		m.partial = ev.Text
		m.publishLocked(Notification{Kind: NotifyTranscript, Text: m.accumulatedLocked()})
		m.checkStopPhraseLocked(s)
	case transcriber.EventFinal:
		m.committed = joinText(m.committed, ev.Text)
		m.partial = ""
		m.publishLocked(Notification{Kind: NotifyTranscript, Text: m.committed})
		m.checkStopPhraseLocked(s)
	case transcriber.EventSilenceDetected:
		m.endLocked(s, EndSilence)
	case transcriber.EventError:
		slog.Warn("dictation: transcriber error", "session_id", s.id, "err", ev.Err)
		m.setStateLocked(State{Phase: PhaseError, Message: ev.Err.Error()})
		m.endLocked(s, EndError)
	case transcriber.EventEnded:
		m.endLocked(s, EndBackend)
	}
}

func (m *Manager) streamEnded(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == s {
		m.endLocked(s, EndBackend)
	}
}

func (m *Manager) checkStopPhraseLocked(s *session) {
	trimmed, ok := m.stopPhrase.Detect(m.accumulatedLocked())
	if !ok {
		return
	}
	slog.Info("dictation: stop phrase detected", "session_id", s.id)
	m.metrics.StopCommands.Add(s.ctx, 1)
	m.stopTriggered = true
	m.final, m.finalSet = trimmed, true
	m.endLocked(s, EndStopPhrase)
}

// endLocked cancels the transcriber and capture, settles the final transcript
// and, unless an error was recorded, returns to idle.
func (m *Manager) endLocked(s *session, reason EndReason) {
	m.sess = nil
	s.cancel()
	if err := m.src.Stop(); err != nil {
		slog.Warn("dictation: stop audio source", "session_id", s.id, "err", err)
	}
	<-s.forwarded
	m.tr.Cancel()

	if !m.finalSet {
		text := m.accumulatedLocked()
		if m.stopTriggered {
			text, _ = m.stopPhrase.Detect(text)
		}
		if text != "" {
			m.final, m.finalSet = text, true
		}
	}
	if m.finalSet {
		m.publishLocked(Notification{
			Kind:        NotifyFinal,
			Text:        m.final,
			StopCommand: m.stopTriggered,
			Reason:      reason,
		})
	}

	s.span.End()
	if s.endMetric != nil {
		s.endMetric(time.Since(s.started).Seconds())
	}
	observe.Logger(s.ctx).Info("dictation: session ended", "reason", reason, "has_transcript", m.finalSet)

	if m.state.Phase != PhaseError {
		m.setStateLocked(State{Phase: PhaseIdle})
	}
}

func (m *Manager) accumulatedLocked() string {
	return joinText(m.committed, m.partial)
}

func (m *Manager) setStateLocked(st State) {
	if st == m.state {
		return
	}
	prev := m.state
	m.state = st
	m.metrics.RecordStateTransition(context.Background(), "dictation", prev.Phase.String(), st.Phase.String())
	m.publishLocked(Notification{Kind: NotifyState})
}

func (m *Manager) publishLocked(n Notification) {
	n.SessionID = m.lastID
	n.State = m.state
	n.At = time.Now()
	m.notify.Publish(n)
}

func joinText(a, b string) string {
	return strings.TrimSpace(strings.TrimSpace(a) + " " + strings.TrimSpace(b))
}

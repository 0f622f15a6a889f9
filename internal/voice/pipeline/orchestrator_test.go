package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/athena/internal/observe"
	"github.com/MrWong99/athena/internal/voice/spectrum"
	"github.com/MrWong99/athena/internal/voice/transcriber"
	"github.com/MrWong99/athena/pkg/audio"
	amock "github.com/MrWong99/athena/pkg/audio/mock"
	"github.com/MrWong99/athena/pkg/permission"
	"github.com/MrWong99/athena/pkg/provider/stt"
	smock "github.com/MrWong99/athena/pkg/provider/stt/mock"
)

type rig struct {
	src  *amock.Source
	prov *smock.Provider
	tr   *transcriber.Transcriber
	an   *spectrum.Analyzer
	o    *Orchestrator
}

func newRig(t *testing.T, script func(n int, s *smock.Session), opts ...transcriber.Option) *rig {
	t.Helper()
	r := &rig{
		src:  &amock.Source{Rate: 16000},
		prov: &smock.Provider{Script: script},
	}
	r.tr = transcriber.New(r.prov, transcriber.Config{
		SampleRate:     16000,
		SilenceTimeout: 50 * time.Millisecond,
		CheckInterval:  10 * time.Millisecond,
		RestartDelay:   time.Millisecond,
	}, opts...)
	an, err := spectrum.New(spectrum.Config{})
	if err != nil {
		t.Fatalf("spectrum.New: %v", err)
	}
	r.an = an
	r.o = New(r.src, r.tr, r.an)
	t.Cleanup(r.o.Close)
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (r *rig) waitPhase(t *testing.T, p Phase) {
	t.Helper()
	waitFor(t, "phase "+p.String(), func() bool { return r.o.State().Phase == p })
}

func tone(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(2 * math.Pi * 64 * float64(i) / 512))
	}
	return out
}

func TestStartListening_ForwardsAudio(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)

	if err := r.o.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if got := r.o.State(); got.Phase != PhaseListening {
		t.Fatalf("state = %v, want listening", got)
	}
	if r.o.SessionID() == "" {
		t.Error("SessionID empty while listening")
	}
	if !r.src.Running() {
		t.Fatal("audio source not started")
	}

	r.src.Emit(audio.AudioFrame{Samples: tone(512), SampleRate: 16000})
	waitFor(t, "frame at backend", func() bool { return r.prov.Last().FedCount() == 1 })
	waitFor(t, "bands above floor", func() bool { return r.o.Bands()[22] > spectrum.DefaultMinAmplitude })
}

func TestStartListening_NoOpWhileListening(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	ctx := context.Background()

	if err := r.o.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	id := r.o.SessionID()
	if err := r.o.StartListening(ctx); err != nil {
		t.Fatalf("second StartListening: %v", err)
	}
	if n := r.prov.StartStreamCallCount(); n != 1 {
		t.Errorf("backend sessions = %d, want 1", n)
	}
	if n := r.src.StartCount(); n != 1 {
		t.Errorf("source starts = %d, want 1", n)
	}
	if r.o.SessionID() != id {
		t.Error("session replaced by a guarded start")
	}
}

func TestIdleGuards(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	ch, cancel := r.o.Subscribe(4)
	defer cancel()

	r.o.CancelListening()
	if err := r.o.StopListening(context.Background()); err != nil {
		t.Fatalf("StopListening from idle: %v", err)
	}
	if got := r.o.State(); got.Phase != PhaseIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if r.src.StartCount()+r.src.StopCount() != 0 || r.prov.StartStreamCallCount() != 0 {
		t.Error("idle guards touched resources")
	}
	select {
	case n := <-ch:
		t.Errorf("unexpected notification %v", n.Kind)
	default:
	}
}

func TestStartListening_Unauthorized(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil, transcriber.WithAuthorizer(permission.NewStatic(permission.Microphone)))

	err := r.o.StartListening(context.Background())
	if !errors.Is(err, permission.ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}
	st := r.o.State()
	if st.Phase != PhaseError || !strings.Contains(st.Message, "not authorized") {
		t.Errorf("state = %v, want error mentioning authorization", st)
	}
	if r.src.StartCount() != 0 {
		t.Error("audio source opened despite missing authorization")
	}

	r.o.CancelListening()
	if got := r.o.State(); got.Phase != PhaseIdle {
		t.Errorf("state after cancel = %v, want idle", got)
	}
}

func TestStartListening_MicrophoneDenied(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	o := New(r.src, r.tr, r.an, WithAuthorizer(permission.NewStatic(permission.SpeechRecognition)))
	t.Cleanup(o.Close)

	err := o.StartListening(context.Background())
	var denied *permission.DeniedError
	if !errors.As(err, &denied) || denied.Missing[0] != permission.Microphone {
		t.Fatalf("err = %v, want microphone denial", err)
	}
	if r.prov.StartStreamCallCount() != 0 || r.src.StartCount() != 0 {
		t.Error("resources acquired despite missing authorization")
	}
}

func TestStartListening_AudioFailureTearsDown(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.src.StartErr = errors.New("no input device")

	err := r.o.StartListening(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no input device") {
		t.Fatalf("err = %v", err)
	}
	if got := r.o.State(); got.Phase != PhaseError {
		t.Errorf("state = %v, want error", got)
	}
	if r.tr.Running() {
		t.Error("transcriber still running after failed start")
	}
	if r.prov.Last().CancelCount() == 0 {
		t.Error("backend session not cancelled")
	}
	r.an.Process(audio.AudioFrame{Samples: tone(1024), SampleRate: 16000})
	if b := r.an.Bands()[22]; b > spectrum.DefaultMinAmplitude {
		t.Errorf("analyzer still processing after failed start: band 22 = %v", b)
	}
}

func TestTranscriptEvents_UpdateObservables(t *testing.T) {
	t.Parallel()
	r := newRig(t, func(_ int, s *smock.Session) {
		s.Emit(stt.Result{Text: "hello"})
	})
	ch, cancel := r.o.Subscribe(16)
	defer cancel()

	if err := r.o.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	waitFor(t, "partial", func() bool { return r.o.PartialTranscript() == "hello" })

	r.prov.Last().Emit(stt.Result{Text: "hello world", IsFinal: true, Confidence: 0.9, HasConfidence: true})
	waitFor(t, "final", func() bool { return r.o.FinalTranscript() == "hello world" })
	if p := r.o.PartialTranscript(); p != "" {
		t.Errorf("partial after final = %q, want empty", p)
	}

	r.prov.Last().End()
	r.waitPhase(t, PhaseIdle)
	if r.src.Running() {
		t.Error("audio source still running after the session ended")
	}

	var kinds []NotificationKind
	var final Notification
	deadline := time.After(time.Second)
collect:
	for {
		select {
		case n := <-ch:
			switch n.Kind {
			case NotifySilence:
				continue
			case NotifyFinal:
				final = n
			}
			kinds = append(kinds, n.Kind)
			if n.Kind == NotifyState && n.State.Phase == PhaseIdle {
				break collect
			}
		case <-deadline:
			t.Fatalf("notifications = %v", kinds)
		}
	}
	want := []NotificationKind{NotifyState, NotifyPartial, NotifyFinal, NotifyState}
	if len(kinds) != len(want) {
		t.Fatalf("notifications = %v, want %v", kinds, want)
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Fatalf("notifications = %v, want %v", kinds, want)
		}
	}
	if final.Confidence == nil || *final.Confidence != 0.9 {
		t.Errorf("final confidence = %v", final.Confidence)
	}
	if final.SessionID == "" {
		t.Error("notification missing session ID")
	}
}

func TestSilence_PassedThrough(t *testing.T) {
	t.Parallel()
	r := newRig(t, func(_ int, s *smock.Session) {
		s.Emit(stt.Result{Text: "one"})
	})
	ch, cancel := r.o.Subscribe(16)
	defer cancel()

	if err := r.o.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-ch:
			if n.Kind != NotifySilence {
				continue
			}
			if n.Text != "one" {
				t.Errorf("silence text = %q, want current partial", n.Text)
			}
			if got := r.o.State(); got.Phase != PhaseListening {
				t.Errorf("state after silence = %v, want listening", got)
			}
			return
		case <-deadline:
			t.Fatal("no silence notification")
		}
	}
}

func TestBackendError_EntersErrorUntilCancelled(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	if err := r.o.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	r.prov.Last().Emit(stt.Result{Err: errors.New("socket reset")})
	r.waitPhase(t, PhaseError)
	if msg := r.o.State().Message; !strings.Contains(msg, "socket reset") {
		t.Errorf("message = %q", msg)
	}
	if r.src.Running() {
		t.Error("audio source still running in error state")
	}

	// Error is sticky.
	if err := r.o.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if got := r.o.State(); got.Phase != PhaseError {
		t.Errorf("state = %v, want error to persist", got)
	}

	r.o.CancelListening()
	if got := r.o.State(); got.Phase != PhaseIdle {
		t.Fatalf("state = %v, want idle", got)
	}
	if err := r.o.StartListening(context.Background()); err != nil {
		t.Fatalf("restart after cancel: %v", err)
	}
	if got := r.o.State(); got.Phase != PhaseListening {
		t.Errorf("state = %v, want listening", got)
	}
}

func TestStopListening_WaitsForFinal(t *testing.T) {
	t.Parallel()
	r := newRig(t, func(_ int, s *smock.Session) {
		s.FinishResults = []stt.Result{{Text: "remind me at noon", IsFinal: true}}
	})
	if err := r.o.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	if err := r.o.StopListening(context.Background()); err != nil {
		t.Fatalf("StopListening: %v", err)
	}
	if got := r.o.FinalTranscript(); got != "remind me at noon" {
		t.Errorf("final = %q", got)
	}
	if got := r.o.State(); got.Phase != PhaseIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if r.src.Running() {
		t.Error("audio source still running")
	}
}

func TestFinals_AccumulateAcrossUtterances(t *testing.T) {
	t.Parallel()
	r := newRig(t, func(_ int, s *smock.Session) {
		s.FinishResults = []stt.Result{{Text: "and eggs", IsFinal: true}}
	})
	ch, cancel := r.o.Subscribe(16)
	defer cancel()
	if err := r.o.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	r.prov.Last().Emit(stt.Result{Text: "buy milk", IsFinal: true})
	waitFor(t, "first final", func() bool { return r.o.FinalTranscript() == "buy milk" })

	r.prov.Last().Emit(stt.Result{Text: "and"})
	waitFor(t, "partial", func() bool { return r.o.PartialTranscript() == "buy milk and" })

	if err := r.o.StopListening(context.Background()); err != nil {
		t.Fatalf("StopListening: %v", err)
	}
	if got := r.o.FinalTranscript(); got != "buy milk and eggs" {
		t.Errorf("final = %q, want %q", got, "buy milk and eggs")
	}
	if got := r.o.PartialTranscript(); got != "" {
		t.Errorf("partial = %q, want empty after the last final", got)
	}

	var finals []string
	for {
		select {
		case n := <-ch:
			if n.Kind == NotifyFinal {
				finals = append(finals, n.Text)
			}
			continue
		default:
		}
		break
	}
	if len(finals) != 2 || finals[0] != "buy milk" || finals[1] != "buy milk and eggs" {
		t.Errorf("final notifications = %q", finals)
	}

	// A new session starts from an empty transcript.
	if err := r.o.StartListening(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := r.o.FinalTranscript(); got != "" {
		t.Errorf("final after restart = %q, want empty", got)
	}
}

func TestSubscribeBands_StreamsAnalyzerOutput(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	bands, cancel := r.o.SubscribeBands(8)
	defer cancel()
	if err := r.o.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	r.src.Emit(audio.AudioFrame{Samples: tone(512), SampleRate: 16000})
	select {
	case b := <-bands:
		if b[22] <= spectrum.DefaultMinAmplitude {
			t.Errorf("band 22 = %v, want above the floor", b[22])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no band vector pushed")
	}

	r.o.CancelListening()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b := <-bands:
			if b[22] == spectrum.DefaultMinAmplitude {
				return
			}
		case <-deadline:
			t.Fatal("no reset vector after cancel")
		}
	}
}

func TestSubscribeBands_WithoutAnalyzer(t *testing.T) {
	t.Parallel()
	o := New(&amock.Source{Rate: 16000}, transcriber.New(&smock.Provider{}, transcriber.Config{SampleRate: 16000}), nil)
	defer o.Close()
	ch, cancel := o.SubscribeBands(1)
	defer cancel()
	if _, ok := <-ch; ok {
		t.Error("band channel open without an analyzer")
	}
	if o.Bands() != nil {
		t.Error("Bands() without an analyzer should be nil")
	}
}

func TestSession_RecordsMissedNotifications(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	r := newRig(t, nil)
	o := New(r.src, r.tr, r.an, WithMetrics(m), WithName("listen"))
	t.Cleanup(o.Close)
	// Never read: the listening notification fills the buffer.
	_, unsubscribe := o.Subscribe(1)
	defer unsubscribe()

	if err := o.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	r.prov.Last().Emit(stt.Result{Text: "a"})
	r.prov.Last().Emit(stt.Result{Text: "ab"})
	waitFor(t, "second partial", func() bool { return o.PartialTranscript() == "ab" })
	o.CancelListening()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var missed int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok && md.Name == "athena.notifications.dropped" {
				for _, dp := range sum.DataPoints {
					missed += dp.Value
				}
			}
		}
	}
	if missed < 2 {
		t.Errorf("missed notifications = %d, want at least the two partials", missed)
	}
}

func TestStopListening_TimeoutEntersError(t *testing.T) {
	t.Parallel()
	r := newRig(t, func(_ int, s *smock.Session) {
		s.HoldFinish = make(chan struct{})
	})
	if err := r.o.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := r.o.StopListening(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if got := r.o.State(); got.Phase != PhaseError {
		t.Errorf("state = %v, want error", got)
	}
}

func TestStartListening_CancelsFinishingSession(t *testing.T) {
	t.Parallel()
	r := newRig(t, func(n int, s *smock.Session) {
		if n == 0 {
			s.HoldFinish = make(chan struct{})
		}
	})
	ctx := context.Background()
	if err := r.o.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	first := r.o.SessionID()

	stopped := make(chan error, 1)
	go func() { stopped <- r.o.StopListening(ctx) }()
	r.waitPhase(t, PhaseFinishing)

	if err := r.o.StartListening(ctx); err != nil {
		t.Fatalf("StartListening while finishing: %v", err)
	}
	if got := r.o.State(); got.Phase != PhaseListening {
		t.Errorf("state = %v, want listening", got)
	}
	if r.o.SessionID() == first {
		t.Error("session ID not renewed")
	}
	if n := r.prov.StartStreamCallCount(); n != 2 {
		t.Errorf("backend sessions = %d, want 2", n)
	}

	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("superseded StopListening: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StopListening did not return after being superseded")
	}
	if got := r.o.State(); got.Phase != PhaseListening {
		t.Errorf("state after superseded stop = %v, want listening", got)
	}
}

func TestCancelListening_ResetsTranscripts(t *testing.T) {
	t.Parallel()
	r := newRig(t, func(_ int, s *smock.Session) {
		s.Emit(stt.Result{Text: "draft", IsFinal: true})
	})
	if err := r.o.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	waitFor(t, "final", func() bool { return r.o.FinalTranscript() == "draft" })

	r.o.CancelListening()
	if r.o.FinalTranscript() != "" || r.o.PartialTranscript() != "" {
		t.Error("transcripts not reset by cancel")
	}
	if r.src.Running() || r.tr.Running() {
		t.Error("resources still running after cancel")
	}
	if r.o.SessionID() != "" {
		t.Error("session ID kept after cancel")
	}
}

func TestPhaseAndStateString(t *testing.T) {
	t.Parallel()
	if got := (State{Phase: PhaseError, Message: "boom"}).String(); got != "error(boom)" {
		t.Errorf("State.String() = %q", got)
	}
	if got := PhaseFinishing.String(); got != "finishing" {
		t.Errorf("PhaseFinishing = %q", got)
	}
	if got := Phase(9).String(); got != "Phase(9)" {
		t.Errorf("Phase(9) = %q", got)
	}
	if got := NotifySilence.String(); got != "silence" {
		t.Errorf("NotifySilence = %q", got)
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/athena/internal/bus"
	"github.com/MrWong99/athena/internal/fanout"
	"github.com/MrWong99/athena/internal/health"
	"github.com/MrWong99/athena/internal/voice/dictation"
	"github.com/MrWong99/athena/internal/voice/pipeline"
	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/permission"
)

// fakeListener is a scripted Listener.
type fakeListener struct {
	mu       sync.Mutex
	state    pipeline.State
	partial  string
	final    string
	bands    []float64
	startErr error
	stopErr  error
	stopCtx  context.Context
	cancels  int
	hub      *fanout.Hub[pipeline.Notification]
	bandHub  *fanout.Hub[[]float64]
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		hub:     &fanout.Hub[pipeline.Notification]{},
		bandHub: &fanout.Hub[[]float64]{},
		bands:   []float64{0.1, 0.2},
	}
}

func (f *fakeListener) StartListening(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.state = pipeline.State{Phase: pipeline.PhaseListening}
	return nil
}

func (f *fakeListener) StopListening(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCtx = ctx
	if f.stopErr != nil {
		return f.stopErr
	}
	f.state = pipeline.State{Phase: pipeline.PhaseIdle}
	f.final = "hello world"
	return nil
}

func (f *fakeListener) CancelListening() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	f.state = pipeline.State{Phase: pipeline.PhaseIdle}
}

func (f *fakeListener) State() pipeline.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeListener) PartialTranscript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.partial
}

func (f *fakeListener) FinalTranscript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.final
}

func (f *fakeListener) SessionID() string { return "listen-1" }

func (f *fakeListener) Bands() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.bands...)
}

func (f *fakeListener) SubscribeBands(buffer int) (<-chan []float64, func()) {
	return f.bandHub.Subscribe(buffer)
}

func (f *fakeListener) Subscribe(buffer int) (<-chan pipeline.Notification, func()) {
	return f.hub.Subscribe(buffer)
}

// fakeDictator is a scripted Dictator.
type fakeDictator struct {
	mu       sync.Mutex
	state    dictation.State
	final    string
	hasFinal bool
	startErr error
	hub      *fanout.Hub[dictation.Notification]
}

func newFakeDictator() *fakeDictator {
	return &fakeDictator{hub: &fanout.Hub[dictation.Notification]{}}
}

func (f *fakeDictator) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		f.state = dictation.State{Phase: dictation.PhaseError, Message: f.startErr.Error()}
		return f.startErr
	}
	f.state = dictation.State{Phase: dictation.PhaseListening}
	return nil
}

func (f *fakeDictator) Stop() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = dictation.State{Phase: dictation.PhaseIdle}
	f.final, f.hasFinal = "remember the milk", true
	return f.final, f.hasFinal
}

func (f *fakeDictator) State() dictation.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeDictator) FinalTranscript() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.final, f.hasFinal
}

func (f *fakeDictator) Transcript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.final
}

func (f *fakeDictator) StopCommandTriggered() bool { return false }
func (f *fakeDictator) SessionID() string          { return "dict-1" }

func (f *fakeDictator) Subscribe(buffer int) (<-chan dictation.Notification, func()) {
	return f.hub.Subscribe(buffer)
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestListenLifecycle(t *testing.T) {
	t.Parallel()
	l := newFakeListener()
	h := New(l, nil).Handler()

	rec := do(t, h, "POST", "/v1/listen/start")
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d", rec.Code)
	}
	if st := decode[ListenStatus](t, rec); st.State != "listening" || st.SessionID != "listen-1" {
		t.Errorf("start body = %+v", st)
	}

	rec = do(t, h, "GET", "/v1/listen")
	if st := decode[ListenStatus](t, rec); len(st.Bands) != 2 {
		t.Errorf("status bands = %v", st.Bands)
	}

	rec = do(t, h, "POST", "/v1/listen/stop")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d", rec.Code)
	}
	if st := decode[ListenStatus](t, rec); st.State != "idle" || st.Final != "hello world" {
		t.Errorf("stop body = %+v", st)
	}
	if _, ok := l.stopCtx.Deadline(); !ok {
		t.Error("stop context has no deadline")
	}

	rec = do(t, h, "POST", "/v1/listen/cancel")
	if rec.Code != http.StatusOK || l.cancels != 1 {
		t.Errorf("cancel status = %d cancels = %d", rec.Code, l.cancels)
	}
}

func TestListenErrorsMapToStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"denied", &permission.DeniedError{Missing: []permission.Capability{permission.Microphone}}, http.StatusForbidden},
		{"busy", fmt.Errorf("pipeline: start audio: %w", audio.ErrSourceBusy), http.StatusConflict},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l := newFakeListener()
			l.startErr = tt.err
			rec := do(t, New(l, nil).Handler(), "POST", "/v1/listen/start")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if body := decode[errorBody](t, rec); body.Error == "" {
				t.Error("error body empty")
			}
		})
	}
}

func TestListenStopTimeout(t *testing.T) {
	t.Parallel()
	l := newFakeListener()
	l.stopErr = fmt.Errorf("pipeline: stop: %w", context.DeadlineExceeded)
	rec := do(t, New(l, nil).Handler(), "POST", "/v1/listen/stop")
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
}

func TestDictationRoutes(t *testing.T) {
	t.Parallel()
	d := newFakeDictator()
	h := New(nil, d).Handler()

	rec := do(t, h, "POST", "/v1/dictation/start")
	if st := decode[DictationStatus](t, rec); st.State != "listening" || st.Final != nil {
		t.Errorf("start body = %+v", st)
	}
	rec = do(t, h, "POST", "/v1/dictation/stop")
	st := decode[DictationStatus](t, rec)
	if st.Final == nil || *st.Final != "remember the milk" || st.State != "idle" {
		t.Errorf("stop body = %+v", st)
	}
	if rec := do(t, h, "GET", "/v1/dictation"); rec.Code != http.StatusOK {
		t.Errorf("status code = %d", rec.Code)
	}
}

func TestDictationStartDeniedReportsError(t *testing.T) {
	t.Parallel()
	d := newFakeDictator()
	d.startErr = &permission.DeniedError{Missing: []permission.Capability{permission.SpeechRecognition}}
	h := New(nil, d).Handler()
	if rec := do(t, h, "POST", "/v1/dictation/start"); rec.Code != http.StatusForbidden {
		t.Errorf("status = %d", rec.Code)
	}
	st := decode[DictationStatus](t, do(t, h, "GET", "/v1/dictation"))
	if st.State != "error" || !strings.Contains(st.Error, "speech_recognition") {
		t.Errorf("status = %+v", st)
	}
}

func TestUnconfiguredRoutes(t *testing.T) {
	t.Parallel()
	h := New(nil, nil).Handler()
	for _, path := range []string{"/v1/listen", "/v1/dictation"} {
		if rec := do(t, h, "GET", path); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}
}

func TestHealthAndMetricsMounted(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("athena_up 1\n"))
	})
	h := New(nil, nil, WithHealth(health.New()), WithMetricsHandler(metrics)).Handler()
	if rec := do(t, h, "GET", "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/metrics"); !strings.Contains(rec.Body.String(), "athena_up") {
		t.Errorf("metrics body = %q", rec.Body.String())
	}
}

func readEvent(t *testing.T, ctx context.Context, c *websocket.Conn) Event {
	t.Helper()
	var ev Event
	if err := wsjson.Read(ctx, c, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestEventsStream(t *testing.T) {
	t.Parallel()
	l := newFakeListener()
	d := newFakeDictator()
	srv := httptest.NewServer(New(l, d, WithBandInterval(10*time.Millisecond)).Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()

	// The handler subscribes after the upgrade; publish until it is seen.
	deadline := time.Now().Add(2 * time.Second)
	for l.hub.Len() == 0 || l.bandHub.Len() == 0 || d.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	l.hub.Publish(pipeline.Notification{SessionID: "listen-1", Kind: pipeline.NotifyPartial, Text: "hel"})
	ev := readEvent(t, ctx, c)
	if ev.Subject != bus.SubjectVoicePartial || ev.Message == nil || ev.Message.Text != "hel" {
		t.Errorf("voice event = %+v", ev)
	}

	d.hub.Publish(dictation.Notification{Kind: dictation.NotifyFinal, Text: "note", Reason: dictation.EndManual})
	ev = readEvent(t, ctx, c)
	if ev.Subject != bus.SubjectDictationFinal || ev.Message.Reason != "manual" {
		t.Errorf("dictation event = %+v", ev)
	}

	// Vectors pushed faster than the interval collapse to the newest.
	l.bandHub.Publish([]float64{0.1, 0.2})
	l.bandHub.Publish([]float64{0.3, 0.4})
	for i := 0; ; i++ {
		ev = readEvent(t, ctx, c)
		if ev.Subject != SubjectVoiceBands || len(ev.Bands) != 2 {
			t.Fatalf("band event = %+v", ev)
		}
		if ev.Bands[0] == 0.3 {
			break
		}
		if i > 0 {
			t.Fatalf("band events = %d, want the newest vector by the second", i+1)
		}
	}

	// Nothing new was pushed, so the next event is not a repeated band frame.
	l.hub.Publish(pipeline.Notification{SessionID: "listen-1", Kind: pipeline.NotifyFinal, Text: "hello"})
	ev = readEvent(t, ctx, c)
	if ev.Subject != bus.SubjectVoiceFinal {
		t.Errorf("event after bands = %+v, want the final notification", ev)
	}

	c.Close(websocket.StatusNormalClosure, "")
}

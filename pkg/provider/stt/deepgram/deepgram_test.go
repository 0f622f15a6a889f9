package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Language: "en"}, 16000)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "endpointing", "", q.Get("endpointing"))
}

func TestBuildURL_CustomOptions(t *testing.T) {
	p, err := New("key", WithModel("nova-2"), WithLanguage("de-DE"), WithEndpointing(300))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.StreamConfig{}, 48000)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	q, _ := url.Parse(rawURL)
	assertEqual(t, "model", "nova-2", q.Query().Get("model"))
	assertEqual(t, "language", "de-DE", q.Query().Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Query().Get("sample_rate"))
	assertEqual(t, "endpointing", "300", q.Query().Get("endpointing"))
}

func TestBuildURL_LanguageOverriddenByCfg(t *testing.T) {
	p, _ := New("key", WithLanguage("en"))
	rawURL, err := p.buildURL(stt.StreamConfig{Language: "fr-FR"}, 16000)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
}

func TestBuildURL_Keywords(t *testing.T) {
	kws := []stt.KeywordBoost{{Keyword: "Athena", Boost: 5}, {Keyword: "Zorrath", Boost: 3.5}}

	nova3, _ := New("key")
	rawURL, _ := nova3.buildURL(stt.StreamConfig{Keywords: kws}, 16000)
	u, _ := url.Parse(rawURL)
	if got := u.Query()["keyterm"]; len(got) != 2 || got[0] != "Athena" {
		t.Errorf("keyterm = %v", got)
	}
	if got := u.Query()["keywords"]; len(got) != 0 {
		t.Errorf("nova-3 should not send keywords, got %v", got)
	}

	nova2, _ := New("key", WithModel("nova-2"))
	rawURL, _ = nova2.buildURL(stt.StreamConfig{Keywords: kws}, 16000)
	u, _ = url.Parse(rawURL)
	got := strings.Join(u.Query()["keywords"], ",")
	if got != "Athena:5,Zorrath:3.5" {
		t.Errorf("keywords = %q", got)
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// ---- response parsing ----

func TestParseDeepgramResponse(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		ok    bool
		final bool
		text  string
	}{
		{"final", `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.98}]}}`, true, true, "hello world"},
		{"partial", `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.5}]}}`, true, false, "hel"},
		{"empty partial", `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"  "}]}}`, false, false, ""},
		{"empty final", `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`, true, true, ""},
		{"metadata", `{"type":"Metadata","request_id":"x"}`, false, false, ""},
		{"no alternatives", `{"type":"Results","channel":{"alternatives":[]}}`, false, false, ""},
		{"garbage", `not json`, false, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := parseDeepgramResponse([]byte(tt.raw))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if r.IsFinal != tt.final || r.Text != tt.text || !r.HasConfidence {
				t.Errorf("result = %+v", r)
			}
		})
	}
}

// ---- streaming against a fake server ----

func results(text string, final bool) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":     "Results",
		"is_final": final,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": text, "confidence": 0.9}},
		},
	})
	return b
}

// startServer runs handler for every accepted WebSocket connection.
func startServer(t *testing.T, handler func(ctx context.Context, c *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token good-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		handler(r.Context(), c, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(t *testing.T, ch <-chan stt.Result) []stt.Result {
	t.Helper()
	var out []stt.Result
	timeout := time.After(3 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatal("results channel never closed")
		}
	}
}

func TestSession_StreamAndFinish(t *testing.T) {
	received := make(chan int, 16)
	srv := startServer(t, func(ctx context.Context, c *websocket.Conn, r *http.Request) {
		if r.URL.Query().Get("sample_rate") != "16000" {
			c.Close(websocket.StatusPolicyViolation, "bad rate")
			return
		}
		_ = c.Write(ctx, websocket.MessageText, results("hello", false))
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				received <- len(data)
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				_ = c.Write(ctx, websocket.MessageText, results("hello world", true))
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	})

	p, _ := New("good-key", WithEndpoint(wsURL(srv)))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	// 48kHz frame is resampled to 16kHz: 960 samples -> 320 samples -> 640 bytes.
	if err := h.Feed(audio.AudioFrame{Samples: make([]float32, 960), SampleRate: 48000}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	select {
	case n := <-received:
		if n != 640 {
			t.Errorf("server received %d bytes, want 640", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received audio")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got := collect(t, h.Results())
	if len(got) != 2 {
		t.Fatalf("results = %+v, want partial and final", got)
	}
	if got[0].IsFinal || got[0].Text != "hello" {
		t.Errorf("partial = %+v", got[0])
	}
	if !got[1].IsFinal || got[1].Text != "hello world" || got[1].Err != nil {
		t.Errorf("final = %+v", got[1])
	}

	if err := h.Feed(audio.AudioFrame{Samples: []float32{0}, SampleRate: 16000}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("Feed after Finish = %v, want ErrSessionClosed", err)
	}
	if err := h.Finish(ctx); err != nil {
		t.Errorf("second Finish = %v", err)
	}
}

func TestStartStream_Unauthorized(t *testing.T) {
	srv := startServer(t, func(context.Context, *websocket.Conn, *http.Request) {})
	p, _ := New("bad-key", WithEndpoint(wsURL(srv)))
	_, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, stt.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestSession_ServerErrorIsReportedInBand(t *testing.T) {
	srv := startServer(t, func(ctx context.Context, c *websocket.Conn, _ *http.Request) {
		c.Close(websocket.StatusInternalError, "boom")
	})
	p, _ := New("good-key", WithEndpoint(wsURL(srv)))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Cancel()

	got := collect(t, h.Results())
	if len(got) != 1 || got[0].Err == nil {
		t.Fatalf("results = %+v, want one error", got)
	}
	if errors.Is(got[0].Err, stt.ErrNoSpeech) {
		t.Error("internal error must not be reported as no speech")
	}
}

func TestSession_NoAudioTimeoutIsNoSpeech(t *testing.T) {
	srv := startServer(t, func(ctx context.Context, c *websocket.Conn, _ *http.Request) {
		c.Close(websocket.StatusPolicyViolation, "NET-0001: no audio received")
	})
	p, _ := New("good-key", WithEndpoint(wsURL(srv)))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Cancel()

	got := collect(t, h.Results())
	if len(got) != 1 || !errors.Is(got[0].Err, stt.ErrNoSpeech) {
		t.Fatalf("results = %+v, want ErrNoSpeech", got)
	}
}

func TestSession_CancelClosesResults(t *testing.T) {
	srv := startServer(t, func(ctx context.Context, c *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})
	p, _ := New("good-key", WithEndpoint(wsURL(srv)))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := h.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := collect(t, h.Results()); len(got) != 0 {
		t.Errorf("results after Cancel = %+v, want none", got)
	}
	if err := h.Cancel(); err != nil {
		t.Errorf("second Cancel: %v", err)
	}
}

func TestSession_FinishTimeout(t *testing.T) {
	srv := startServer(t, func(ctx context.Context, c *websocket.Conn, _ *http.Request) {
		// Never answers CloseStream.
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})
	p, _ := New("good-key", WithEndpoint(wsURL(srv)))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.Finish(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Finish = %v, want DeadlineExceeded", err)
	}
	collect(t, h.Results())
}

// ---- helpers ----

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}

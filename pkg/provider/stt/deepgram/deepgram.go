// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// noAudioReason is the close reason Deepgram sends when it received no
	// audio for too long.
	noAudioReason = "NET-0001"
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "nova-2").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithLanguage sets the default BCP-47 language code (e.g., "en", "de-DE").
// StreamConfig.Language overrides it per session.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		if language != "" {
			p.language = language
		}
	}
}

// WithSampleRate sets the rate audio is sent at when StreamConfig.SampleRate
// is zero.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithEndpoint overrides the streaming endpoint (ws:// or wss://).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		if endpoint != "" {
			p.endpoint = endpoint
		}
	}
}

// WithEndpointing sets Deepgram's end-of-utterance silence in milliseconds.
// Zero keeps the service default.
func WithEndpointing(ms int) Option {
	return func(p *Provider) { p.endpointingMs = ms }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey        string
	endpoint      string
	model         string
	language      string
	sampleRate    int
	endpointingMs int
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram. Audio is
// sent as mono linear16 at cfg.SampleRate (or the provider default).
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = p.sampleRate
	}
	wsURL, err := p.buildURL(cfg, rate)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("deepgram: dial: %w: %w", stt.ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		conn:      conn,
		rate:      rate,
		results:   make(chan stt.Result, 64),
		audio:     make(chan []byte, 256),
		flush:     make(chan struct{}),
		cancel:    cancel,
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	go s.readLoop(loopCtx)
	go s.writeLoop(loopCtx)
	return s, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig, rate int) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if p.endpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(p.endpointingMs))
	}

	// Nova-3 takes plain key terms; older models take weighted keywords.
	for _, kw := range cfg.Keywords {
		if strings.HasPrefix(p.model, "nova-3") {
			q.Add("keyterm", kw.Keyword)
		} else {
			q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn    *websocket.Conn
	rate    int
	results chan stt.Result
	audio   chan []byte

	mu     sync.Mutex
	closed bool // no more audio accepted

	flush     chan struct{} // closed by Finish
	cancel    context.CancelFunc
	readDone  chan struct{}
	writeDone chan struct{}
	stopOnce  sync.Once
}

// Feed converts the frame to linear16 at the session rate and queues it.
func (s *session) Feed(frame audio.AudioFrame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return stt.ErrSessionClosed
	}

	pcm := audio.Float32ToPCM16(audio.ResampleFrame(frame, s.rate).Samples)
	select {
	case s.audio <- pcm:
		return nil
	case <-s.readDone:
		return stt.ErrSessionClosed
	}
}

// Results implements stt.SessionHandle.
func (s *session) Results() <-chan stt.Result { return s.results }

// Finish flushes queued audio, asks Deepgram to close the stream and waits
// for the remaining results.
func (s *session) Finish(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.flush)
	s.mu.Unlock()

	select {
	case <-s.readDone:
		s.shutdown()
		return nil
	case <-ctx.Done():
		s.shutdown()
		return fmt.Errorf("deepgram: finish: %w", ctx.Err())
	}
}

// Cancel drops the connection without waiting for results.
func (s *session) Cancel() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.shutdown()
	return nil
}

func (s *session) shutdown() {
	s.stopOnce.Do(func() {
		s.cancel()
		_ = s.conn.CloseNow()
		<-s.writeDone
		<-s.readDone
	})
}

// writeLoop sends queued audio as binary messages. After Finish it drains the
// queue and sends CloseStream.
func (s *session) writeLoop(ctx context.Context) {
	defer close(s.writeDone)
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.flush:
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
				default:
					_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop turns Deepgram messages into results until the connection ends.
// An unexpected end is reported in-band before Results closes.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.readDone)
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if rerr := s.readError(ctx, err); rerr != nil {
				s.emit(ctx, stt.Result{Err: rerr})
			}
			return
		}
		if r, ok := parseDeepgramResponse(msg); ok {
			s.emit(ctx, r)
		}
	}
}

// readError classifies a read failure. It returns nil for a normal end of
// stream.
func (s *session) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		return nil
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) && strings.Contains(ce.Reason, noAudioReason) {
		return fmt.Errorf("deepgram: %s: %w", ce.Reason, stt.ErrNoSpeech)
	}
	s.mu.Lock()
	finishing := s.closed
	s.mu.Unlock()
	if finishing && status == -1 {
		// Connection dropped after CloseStream without a close frame.
		return nil
	}
	return fmt.Errorf("deepgram: read: %w", err)
}

func (s *session) emit(ctx context.Context, r stt.Result) {
	select {
	case s.results <- r:
	case <-ctx.Done():
	}
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into a Result.
// Returns (Result, true) on success, or (zero, false) if the message should be
// ignored. Empty partials are dropped; empty finals are kept because they mark
// the end of an utterance.
func parseDeepgramResponse(data []byte) (stt.Result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Result{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	if !resp.IsFinal && strings.TrimSpace(alt.Transcript) == "" {
		return stt.Result{}, false
	}
	return stt.Result{
		Text:          alt.Transcript,
		IsFinal:       resp.IsFinal,
		Confidence:    alt.Confidence,
		HasConfidence: true,
	}, true
}

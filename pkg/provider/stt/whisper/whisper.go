// Package whisper provides STT providers backed by whisper.cpp, either through
// the whisper.cpp HTTP server or through the native CGO bindings.
//
// Whisper is not a streaming recogniser. Both providers buffer incoming audio,
// cut it into utterances with a vad.Engine (an RMS energy gate unless WithVAD
// says otherwise) and transcribe each utterance as a unit. Every transcribed utterance yields a partial immediately followed by
// a final carrying the same text. A session that ends without any
// intelligible speech reports stt.ErrNoSpeech.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/provider/stt"
	"github.com/MrWong99/athena/pkg/provider/vad"
	"github.com/MrWong99/athena/pkg/provider/vad/energy"
)

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider by posting utterances to a whisper.cpp
// server's /inference endpoint.
type Provider struct {
	serverURL           string
	model               string
	language            string
	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int
	vad                 vad.Engine
	httpClient          *http.Client
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model hint sent with each request. whisper.cpp servers
// usually ignore it because the model is fixed at server start.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language code (e.g., "en", "de"). A
// StreamConfig.Language overrides it per session.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		if lang != "" {
			p.language = lang
		}
	}
}

// WithSampleRate sets the rate utterances are encoded at. Defaults to 16000,
// which is what whisper.cpp expects.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithSilenceThresholdMs sets how much trailing silence closes an utterance.
// Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) { p.silenceThresholdMs = ms }
}

// WithMaxBufferDurationMs caps the length of one utterance. Defaults to
// 10 000 ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufferDurationMs = ms }
}

// WithVAD sets the voice activity detector that cuts utterances. Defaults to
// an energy.Engine.
func WithVAD(e vad.Engine) Option {
	return func(p *Provider) {
		if e != nil {
			p.vad = e
		}
	}
}

// WithHTTPClient replaces the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// New creates a Provider talking to the whisper.cpp server at serverURL
// (e.g., "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:           strings.TrimRight(serverURL, "/"),
		language:            defaultLanguage,
		sampleRate:          defaultSampleRate,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		vad:                 energy.New(),
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream implements stt.Provider. Keyword hints are ignored because the
// inference endpoint has no vocabulary boosting.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	seg, err := newSegmenter(p.vad, p.sampleRate, p.silenceThresholdMs, p.maxBufferDurationMs)
	if err != nil {
		return nil, err
	}
	infer := func(ctx context.Context, samples []float32) (string, error) {
		return p.infer(ctx, samples, lang)
	}
	return newSession(p.sampleRate, seg, infer), nil
}

// infer uploads one utterance and returns the recognised text.
func (p *Provider) infer(ctx context.Context, samples []float32, lang string) (string, error) {
	f, err := os.CreateTemp("", "athena_whisper_*.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: temp file: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := writeWAV(f, samples, p.sampleRate); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("whisper: rewind wav: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("whisper: server returned HTTP %d: %w", resp.StatusCode, stt.ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}

// writeWAV encodes mono float32 samples as 16-bit PCM WAV.
func writeWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buf.Data[i] = int(audio.Float32ToInt16(s))
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("whisper: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("whisper: close wav encoder: %w", err)
	}
	return nil
}

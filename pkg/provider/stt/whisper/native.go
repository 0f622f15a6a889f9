// The native provider links whisper.cpp through its CGO bindings. libwhisper.a
// and whisper.h must be reachable through LIBRARY_PATH and C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/athena/pkg/provider/stt"
	"github.com/MrWong99/athena/pkg/provider/vad"
	"github.com/MrWong99/athena/pkg/provider/vad/energy"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider with an in-process whisper.cpp
// model. The model is loaded once and shared by all sessions; each inference
// gets its own whisper context.
type NativeProvider struct {
	model               whisperlib.Model
	language            string
	silenceThresholdMs  int
	maxBufferDurationMs int
	vad                 vad.Engine

	// whisper.cpp saturates all cores for one inference; running two at once
	// only makes both slower.
	inferMu sync.Mutex
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default language code. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) {
		if lang != "" {
			p.language = lang
		}
	}
}

// WithNativeSilenceThresholdMs sets how much trailing silence closes an
// utterance. Defaults to 500 ms.
func WithNativeSilenceThresholdMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.silenceThresholdMs = ms }
}

// WithNativeMaxBufferDurationMs caps the length of one utterance. Defaults to
// 10 000 ms.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.maxBufferDurationMs = ms }
}

// WithNativeVAD sets the voice activity detector that cuts utterances.
// Defaults to an energy.Engine.
func WithNativeVAD(e vad.Engine) NativeOption {
	return func(p *NativeProvider) {
		if e != nil {
			p.vad = e
		}
	}
}

// NewNative loads the ggml model at modelPath. Call Close to release it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{
		model:               model,
		language:            defaultLanguage,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		vad:                 energy.New(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream implements stt.Provider. Audio is always transcribed at 16 kHz,
// the only rate whisper.cpp accepts.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	// whisper.cpp wants "en", not "en-US".
	lang, _, _ = strings.Cut(lang, "-")

	seg, err := newSegmenter(p.vad, whisperlib.SampleRate, p.silenceThresholdMs, p.maxBufferDurationMs)
	if err != nil {
		return nil, err
	}
	infer := func(ctx context.Context, samples []float32) (string, error) {
		return p.infer(ctx, samples, lang)
	}
	return newSession(whisperlib.SampleRate, seg, infer), nil
}

func (p *NativeProvider) infer(ctx context.Context, samples []float32, lang string) (string, error) {
	p.inferMu.Lock()
	defer p.inferMu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

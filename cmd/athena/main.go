// Command athena runs the voice-capture core: the listening pipeline and the
// dictation manager behind an HTTP API, with transcript events published to
// NATS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MrWong99/athena/internal/app"
	"github.com/MrWong99/athena/internal/config"
	"github.com/MrWong99/athena/internal/voice/dictation"
	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/audio/portaudio"
	"github.com/MrWong99/athena/pkg/audio/wavfile"
	"github.com/MrWong99/athena/pkg/provider/stt"
	"github.com/MrWong99/athena/pkg/provider/stt/deepgram"
	"github.com/MrWong99/athena/pkg/provider/stt/whisper"
	"github.com/MrWong99/athena/pkg/provider/vad"
	"github.com/MrWong99/athena/pkg/provider/vad/energy"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	dictate := flag.Bool("dictate", false, "run a single dictation session and print the transcript")
	wavPath := flag.String("wav", "", "replay this WAV file instead of the configured audio source")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(level))

	// ── Configuration + hot reload ────────────────────────────────────────────
	var current atomic.Pointer[app.App]
	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, diff config.ConfigDiff) {
		if a := current.Load(); a != nil {
			a.ApplyConfig(diff)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "athena: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "athena: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(app.SlogLevel(cfg.Server.LogLevel))

	slog.Info("athena starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Providers.VAD)

	if *wavPath != "" {
		cfg.Providers.Audio = config.ProviderEntry{
			Name:    "wav",
			Options: map[string]any{"path": *wavPath, "realtime": true},
		}
	}
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer closeProviders(providers)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go watcher.Run(ctx)
	go reloadOnHangup(ctx, watcher)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	current.Store(application)

	code := 0
	if *dictate {
		if err := runDictation(ctx, application.Dictation(), os.Stdout); err != nil {
			slog.Error("dictation failed", "err", err)
			code = 1
		}
	} else {
		printStartupSummary(cfg)
		slog.Info("server ready, press Ctrl+C to shut down")
		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
			code = 1
		}
		slog.Info("shutdown signal received, stopping…")
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// reloadOnHangup re-reads the config file every time the process receives
// SIGHUP, without waiting for the next poll.
func reloadOnHangup(ctx context.Context, w interface {
	Reload() (config.ConfigDiff, error)
}) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := w.Reload(); err != nil && !errors.Is(err, config.ErrUnchanged) {
				slog.Warn("config reload on SIGHUP failed", "err", err)
			}
		}
	}
}

// ── Dictation mode ────────────────────────────────────────────────────────────

// dictator is the part of the dictation manager the CLI drives.
type dictator interface {
	Start(ctx context.Context) error
	Stop() (string, bool)
	Subscribe(buffer int) (<-chan dictation.Notification, func())
}

// runDictation runs one dictation session, echoing the growing transcript to
// stderr and writing the final transcript to out. An interrupt ends the
// session manually.
func runDictation(ctx context.Context, d dictator, out io.Writer) error {
	notes, unsubscribe := d.Subscribe(64)
	defer unsubscribe()

	if err := d.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "dictating… say \"<wake word> stop listening\" or press Ctrl+C to finish")

	listening := false
	for {
		select {
		case <-ctx.Done():
			if text, ok := d.Stop(); ok {
				fmt.Fprintln(out, text)
			}
			return nil
		case n, ok := <-notes:
			if !ok {
				return errors.New("dictation manager closed")
			}
			switch n.Kind {
			case dictation.NotifyTranscript:
				fmt.Fprintf(os.Stderr, "\r\033[K%s", n.Text)
			case dictation.NotifyFinal:
				fmt.Fprintln(os.Stderr)
				fmt.Fprintln(out, n.Text)
				return nil
			case dictation.NotifyState:
				if n.State.Phase == dictation.PhaseError {
					return fmt.Errorf("dictation: %s", n.State.Message)
				}
				if n.State.Phase == dictation.PhaseListening {
					listening = true
				}
				if n.State.Phase == dictation.PhaseIdle && listening {
					// Ended without a transcript.
					return nil
				}
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Segmenting STT providers get the detector selected by vadEntry; an empty
// name selects "energy".
func registerBuiltinProviders(reg *config.Registry, vadEntry config.ProviderEntry) {
	if vadEntry.Name == "" {
		vadEntry.Name = "energy"
	}

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		return &vadDefaults{
			Engine: energy.New(energy.WithReference(entry.OptionFloat("reference_rms", 0))),
			speech: entry.OptionFloat("speech_threshold", 0),
			quiet:  entry.OptionFloat("silence_threshold", 0),
		}, nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms := entry.OptionInt("endpointing_ms", 0); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(ms))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		det, err := reg.CreateVAD(vadEntry)
		if err != nil {
			return nil, fmt.Errorf("whisper vad: %w", err)
		}
		opts := []whisper.Option{
			whisper.WithVAD(det),
			whisper.WithSilenceThresholdMs(entry.OptionInt("silence_threshold_ms", 500)),
			whisper.WithMaxBufferDurationMs(entry.OptionInt("max_buffer_ms", 10_000)),
		}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path", "")
		}
		det, err := reg.CreateVAD(vadEntry)
		if err != nil {
			return nil, fmt.Errorf("whisper-native vad: %w", err)
		}
		opts := []whisper.NativeOption{
			whisper.WithNativeVAD(det),
			whisper.WithNativeSilenceThresholdMs(entry.OptionInt("silence_threshold_ms", 500)),
			whisper.WithNativeMaxBufferDurationMs(entry.OptionInt("max_buffer_ms", 10_000)),
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("portaudio", func(entry config.ProviderEntry) (audio.Source, error) {
		return portaudio.New(
			portaudio.WithSampleRate(entry.OptionInt("sample_rate", 16000)),
			portaudio.WithFrameSize(entry.OptionInt("frame_size", 320)),
		), nil
	})

	reg.RegisterAudio("wav", func(entry config.ProviderEntry) (audio.Source, error) {
		path := entry.OptionString("path", "")
		if path == "" {
			return nil, errors.New("wav audio source needs options.path")
		}
		return wavfile.Open(path,
			wavfile.WithRealtime(entry.OptionBool("realtime", true)),
			wavfile.WithSampleRate(entry.OptionInt("sample_rate", 0)),
		)
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// vadDefaults applies configured thresholds to sessions that leave them zero.
type vadDefaults struct {
	vad.Engine
	speech, quiet float64
}

func (d *vadDefaults) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = d.speech
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = d.quiet
	}
	return d.Engine.NewSession(cfg)
}

// buildProviders instantiates the providers named in cfg. The audio source
// defaults to portaudio when none is configured.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if cfg.Providers.STT.Name == "" {
		return nil, errors.New("providers.stt.name is required")
	}
	p, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = p
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	for _, entry := range cfg.Providers.STTFallbacks {
		fb, err := reg.CreateSTT(entry)
		if err != nil {
			closeProviders(ps)
			return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
		}
		ps.STTFallbacks = append(ps.STTFallbacks, app.NamedSTT{Name: entry.Name, Provider: fb})
		slog.Info("provider created", "kind", "stt-fallback", "name", entry.Name)
	}

	entry := cfg.Providers.Audio
	if entry.Name == "" {
		entry.Name = "portaudio"
	}
	src, err := reg.CreateAudio(entry)
	if err != nil {
		closeProviders(ps)
		return nil, fmt.Errorf("create audio source %q: %w", entry.Name, err)
	}
	ps.Audio = src
	slog.Info("provider created", "kind", "audio", "name", entry.Name)

	return ps, nil
}

// closeProviders closes every STT provider that holds resources, such as a
// loaded whisper model.
func closeProviders(ps *app.Providers) {
	all := []stt.Provider{ps.STT}
	for _, fb := range ps.STTFallbacks {
		all = append(all, fb.Provider)
	}
	for _, p := range all {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("closing stt provider", "err", err)
			}
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Athena: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Audio", cfg.Providers.Audio.Name, "")
	if n := len(cfg.Providers.STTFallbacks); n > 0 {
		fmt.Printf("║  STT fallbacks   : %-19d ║\n", n)
	}
	fmt.Printf("║  Language        : %-19s ║\n", orDefault(cfg.Voice.Language, "(auto)"))
	fmt.Printf("║  Wake word       : %-19s ║\n", cfg.Dictation.WakeWord)
	switch {
	case cfg.Bus.Embedded:
		fmt.Printf("║  Bus             : %-19s ║\n", "embedded NATS")
	case cfg.Bus.URL != "":
		fmt.Printf("║  Bus             : %-19s ║\n", truncate(cfg.Bus.URL))
	default:
		fmt.Printf("║  Bus             : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, truncate(value))
}

func truncate(s string) string {
	if len(s) > 19 {
		return s[:16] + "…"
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

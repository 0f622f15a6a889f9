// Package app wires all Athena subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API and forwards notifications to the bus,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithAuthorizer, WithBus). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/athena/internal/bus"
	"github.com/MrWong99/athena/internal/config"
	"github.com/MrWong99/athena/internal/fuzzy"
	"github.com/MrWong99/athena/internal/health"
	"github.com/MrWong99/athena/internal/observe"
	"github.com/MrWong99/athena/internal/resilience"
	"github.com/MrWong99/athena/internal/server"
	"github.com/MrWong99/athena/internal/voice/dictation"
	"github.com/MrWong99/athena/internal/voice/pipeline"
	"github.com/MrWong99/athena/internal/voice/spectrum"
	"github.com/MrWong99/athena/internal/voice/transcriber"
	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/permission"
	"github.com/MrWong99/athena/pkg/provider/stt"
)

// httpShutdownTimeout bounds the graceful HTTP shutdown in Run.
const httpShutdownTimeout = 5 * time.Second

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	STT   stt.Provider
	Audio audio.Source

	// STTFallbacks are tried in order when STT cannot start a stream. When
	// empty, STT is used directly without a circuit breaker.
	STTFallbacks []NamedSTT
}

// NamedSTT is a fallback STT provider together with its configured name.
type NamedSTT struct {
	Name     string
	Provider stt.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	auth      permission.Authorizer
	metrics   *observe.Metrics
	registry  *prometheus.Registry
	telemetry *observe.Telemetry

	stt      stt.Provider
	failover *resilience.STT
	logLevel *slog.LevelVar

	arbiter     *audio.Arbiter
	analyzer    *spectrum.Analyzer
	listenTr    *transcriber.Transcriber
	dictateTr   *transcriber.Transcriber
	orch        *pipeline.Orchestrator
	dictation   *dictation.Manager
	embedded    *bus.EmbeddedServer
	busClient   *bus.Client
	publisher   *bus.Publisher
	server      *server.Server
	httpHandler http.Handler

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics sink and skips the OpenTelemetry SDK setup.
// /metrics is not mounted unless WithPrometheusRegistry is also given.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithPrometheusRegistry sets the registry served at /metrics.
func WithPrometheusRegistry(r *prometheus.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithAuthorizer replaces the grant set built from permissions.granted.
func WithAuthorizer(auth permission.Authorizer) Option {
	return func(a *App) { a.auth = auth }
}

// WithLogLevel hands the app the level variable behind the process logger so
// that config reloads can change it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithBus injects an already connected bus client instead of connecting from
// config. The app does not close an injected client.
func WithBus(c *bus.Client) Option {
	return func(a *App) { a.busClient = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go. Both an STT provider and an audio source are required.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: an STT provider is required")
	}
	if providers.Audio == nil {
		return nil, errors.New("app: an audio source is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Authorisation ─────────────────────────────────────────────────
	if a.auth == nil {
		if cfg.Permissions.Granted == nil {
			a.auth = permission.AllowAll()
		} else {
			a.auth = permission.NewStatic(cfg.Permissions.Granted...)
		}
	}

	// ── 3. STT failover ──────────────────────────────────────────────────
	a.initSTT()

	// ── 4. Voice components ──────────────────────────────────────────────
	if err := a.initVoice(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init voice: %w", err)
	}

	// ── 5. Bus ───────────────────────────────────────────────────────────
	if err := a.initBus(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init bus: %w", err)
	}

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry installs the OTel SDK with a Prometheus bridge unless
// metrics were injected.
func (a *App) initTelemetry() error {
	if a.metrics != nil {
		return nil
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	tel, err := observe.InitProvider(observe.ProviderConfig{
		ServiceName:    a.cfg.Telemetry.ServiceName,
		ServiceVersion: a.cfg.Telemetry.ServiceVersion,
		Registerer:     a.registry,
	})
	if err != nil {
		return err
	}
	a.telemetry = tel
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(ctx)
	})

	m, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initSTT puts the configured STT provider and its fallbacks behind
// per-provider circuit breakers. Without fallbacks the provider is used as is.
func (a *App) initSTT() {
	a.stt = a.providers.STT
	if len(a.providers.STTFallbacks) == 0 {
		return
	}
	name := a.cfg.Providers.STT.Name
	if name == "" {
		name = "primary"
	}
	opts := []resilience.Option{
		resilience.WithMetrics(a.metrics),
		resilience.WithBreaker(resilience.BreakerConfig{
			MaxFailures: a.cfg.Providers.Breaker.MaxFailures,
			Cooldown:    a.cfg.Providers.Breaker.Cooldown,
		}),
	}
	for _, fb := range a.providers.STTFallbacks {
		opts = append(opts, resilience.WithFallback(fb.Name, fb.Provider))
	}
	a.failover = resilience.NewSTT(name, a.providers.STT, opts...)
	a.stt = a.failover
	slog.Info("app: stt failover enabled", "primary", name, "fallbacks", len(a.providers.STTFallbacks))
}

// initVoice builds the analyzer, both transcribers, the orchestrator and the
// dictation manager around one arbitrated audio source.
func (a *App) initVoice() error {
	cfg := a.cfg

	an, err := spectrum.New(spectrum.Config{
		WindowSize:   cfg.Spectrum.WindowSize,
		BandCount:    cfg.Spectrum.BandCount,
		Smoothing:    cfg.Spectrum.Smoothing,
		MinAmplitude: cfg.Spectrum.MinAmplitude,
	}, spectrum.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.analyzer = an
	a.closers = append(a.closers, func() error { an.Close(); return nil })

	trCfg := transcriberConfig(cfg.Voice)
	a.listenTr = transcriber.New(a.stt, trCfg,
		transcriber.WithName("pipeline"),
		transcriber.WithAuthorizer(a.auth),
		transcriber.WithMetrics(a.metrics),
	)
	// The manager also pushes its timeout into the transcriber on Start.
	dictCfg := trCfg
	dictCfg.SilenceTimeout = cfg.Dictation.SilenceTimeout
	a.dictateTr = transcriber.New(a.stt, dictCfg,
		transcriber.WithName("dictation"),
		transcriber.WithAuthorizer(a.auth),
		transcriber.WithMetrics(a.metrics),
	)

	a.arbiter = audio.NewArbiter(a.providers.Audio)

	a.orch = pipeline.New(a.arbiter.Handle("pipeline"), a.listenTr, an,
		pipeline.WithMetrics(a.metrics),
		pipeline.WithAuthorizer(a.auth),
		pipeline.WithQueueSizes(cfg.Voice.TranscriberQueue, cfg.Voice.AnalyzerQueue),
	)
	a.closers = append(a.closers, func() error { a.orch.Close(); return nil })

	a.dictation = dictation.New(a.arbiter.Handle("dictation"), a.dictateTr,
		dictation.Config{
			SilenceTimeout: cfg.Dictation.SilenceTimeout,
			StopPhrase:     stopPhrase(cfg.Dictation),
		},
		dictation.WithAuthorizer(a.auth),
		dictation.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, func() error { a.dictation.Close(); return nil })

	slog.Info("voice components ready",
		"sample_rate", trCfg.SampleRate,
		"language", trCfg.Language,
		"bands", an.Config().BandCount,
	)
	return nil
}

// initBus starts the embedded NATS server if requested and connects the
// publisher.
func (a *App) initBus(ctx context.Context) error {
	if a.busClient != nil {
		a.publisher = bus.NewPublisher(a.busClient)
		return nil
	}
	bc := a.cfg.Bus
	if !bc.Enabled() {
		slog.Info("bus disabled, notifications stay in-process")
		return nil
	}

	url := bc.URL
	if bc.Embedded {
		srv, err := bus.StartEmbedded(bc.EmbeddedPort)
		if err != nil {
			return err
		}
		a.embedded = srv
		a.closers = append(a.closers, func() error { srv.Shutdown(); return nil })
		if url == "" {
			url = srv.ClientURL()
		}
	}

	client, err := bus.Connect(ctx, url, bc)
	if err != nil {
		return err
	}
	a.busClient = client
	a.publisher = bus.NewPublisher(client)
	a.closers = append(a.closers, func() error { client.Close(); return nil })
	return nil
}

// initServer builds the HTTP handler with health checks and metrics.
func (a *App) initServer() {
	checkers := []health.Checker{
		{Name: "audio", Check: func(context.Context) error {
			if a.providers.Audio == nil {
				return errors.New("no audio source configured")
			}
			return nil
		}},
		{Name: "stt", Check: func(ctx context.Context) error {
			if a.failover != nil {
				return a.failover.Check(ctx)
			}
			if a.stt == nil {
				return errors.New("no STT provider configured")
			}
			return nil
		}},
	}
	if a.busClient != nil {
		checkers = append(checkers, health.Checker{Name: "bus", Check: a.busClient.Check})
	}

	opts := []server.Option{
		server.WithHealth(health.New(checkers...)),
		server.WithMetrics(a.metrics),
	}
	if a.registry != nil {
		opts = append(opts, server.WithMetricsHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	}
	a.server = server.New(a.orch, a.dictation, opts...)
	a.httpHandler = a.server.Handler()
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.httpHandler }

// Orchestrator returns the listening pipeline.
func (a *App) Orchestrator() *pipeline.Orchestrator { return a.orch }

// Dictation returns the dictation manager.
func (a *App) Dictation() *dictation.Manager { return a.dictation }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API on server.listen_addr and forwards notifications to
// the bus until ctx is cancelled. It returns ctx's error on a clean stop, or
// the first serving error.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.httpHandler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	// Subscribe before serving so no notification of an HTTP-started session
	// is missed.
	if a.publisher != nil {
		voice, cancelVoice := a.orch.Subscribe(64)
		dict, cancelDict := a.dictation.Subscribe(64)
		g.Go(func() error {
			defer cancelVoice()
			defer cancelDict()
			a.publisher.Run(gctx, voice, dict)
			return nil
		})
	}
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	slog.Info("app running", "addr", ln.Addr().String(), "bus", a.publisher != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig hot-applies the reloadable part of a config change. Sections
// listed in diff.RestartRequired are only logged.
func (a *App) ApplyConfig(diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.VoiceSilenceChanged {
		a.listenTr.SetSilenceTimeout(diff.NewVoiceSilence)
		slog.Info("voice silence timeout changed", "timeout", diff.NewVoiceSilence)
	}
	if diff.DictationChanged {
		a.dictation.SetSilenceTimeout(diff.NewDictation.SilenceTimeout)
		a.dictation.SetStopPhrase(stopPhrase(diff.NewDictation))
		slog.Info("dictation settings changed",
			"silence_timeout", diff.NewDictation.SilenceTimeout,
			"wake_word", diff.NewDictation.WakeWord,
		)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config sections changed that require a restart", "sections", diff.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// transcriberConfig converts the voice section into a transcriber config.
func transcriberConfig(v config.VoiceConfig) transcriber.Config {
	kws := make([]stt.KeywordBoost, 0, len(v.Keywords))
	for _, k := range v.Keywords {
		kws = append(kws, stt.KeywordBoost{Keyword: k.Keyword, Boost: k.Boost})
	}
	return transcriber.Config{
		SampleRate:         v.SampleRate,
		Language:           v.Language,
		Keywords:           kws,
		SilenceTimeout:     v.SilenceTimeout,
		CheckInterval:      v.CheckInterval,
		MaxRestartAttempts: v.MaxRestartAttempts,
		RestartDelay:       v.RestartDelay,
	}
}

// stopPhrase converts the dictation section into a stop phrase.
func stopPhrase(d config.DictationConfig) dictation.StopPhrase {
	p := dictation.StopPhrase{WakeWord: d.WakeWord, Threshold: d.WakeWordThreshold}
	if d.PhoneticFallback {
		p.Phonetic = fuzzy.NewPhonetic()
	}
	return p
}

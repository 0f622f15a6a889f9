package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":   {"deepgram", "whisper", "whisper-native"},
	"audio": {"portaudio", "wav"},
	"vad":   {"energy"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultSampleRate        = 16000
	DefaultSilenceTimeout    = 2 * time.Second
	DefaultCheckInterval     = 500 * time.Millisecond
	DefaultRestartAttempts   = 3
	DefaultRestartDelay      = 100 * time.Millisecond
	DefaultDictationSilence  = 3 * time.Second
	DefaultWakeWord          = "athena"
	DefaultWakeWordThreshold = 0.7
	DefaultWindowSize        = 512
	DefaultBandCount         = 30
	DefaultSmoothing         = 0.6
	DefaultMinAmplitude      = 0.05
	DefaultBusName           = "athena"
	DefaultBusTimeout        = 2 * time.Second
	DefaultServiceName       = "athena"
)

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	v := &cfg.Voice
	if v.SampleRate == 0 {
		v.SampleRate = DefaultSampleRate
	}
	if v.SilenceTimeout == 0 {
		v.SilenceTimeout = DefaultSilenceTimeout
	}
	if v.CheckInterval == 0 {
		v.CheckInterval = DefaultCheckInterval
	}
	if v.MaxRestartAttempts == 0 {
		v.MaxRestartAttempts = DefaultRestartAttempts
	}
	if v.RestartDelay == 0 {
		v.RestartDelay = DefaultRestartDelay
	}

	s := &cfg.Spectrum
	if s.WindowSize == 0 {
		s.WindowSize = DefaultWindowSize
	}
	if s.BandCount == 0 {
		s.BandCount = DefaultBandCount
	}
	if s.Smoothing == 0 {
		s.Smoothing = DefaultSmoothing
	}
	if s.MinAmplitude == 0 {
		s.MinAmplitude = DefaultMinAmplitude
	}

	d := &cfg.Dictation
	if d.SilenceTimeout == 0 {
		d.SilenceTimeout = DefaultDictationSilence
	}
	if d.WakeWord == "" {
		d.WakeWord = DefaultWakeWord
	}
	if d.WakeWordThreshold == 0 {
		d.WakeWordThreshold = DefaultWakeWordThreshold
	}

	if cfg.Bus.Name == "" {
		cfg.Bus.Name = DefaultBusName
	}
	if cfg.Bus.ConnectTimeout == 0 {
		cfg.Bus.ConnectTimeout = DefaultBusTimeout
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for _, key := range []string{"speech_threshold", "silence_threshold"} {
		if t := cfg.Providers.VAD.OptionFloat(key, 0); t < 0 || t > 1 {
			errs = append(errs, fmt.Errorf("providers.vad.options.%s %.2f is out of range [0, 1]", key, t))
		}
	}
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}
	if len(cfg.Providers.STTFallbacks) > 0 && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt_fallbacks requires providers.stt"))
	}
	if b := cfg.Providers.Breaker; b.MaxFailures < 0 || b.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("providers.breaker values must not be negative (max_failures %d, cooldown %s)", b.MaxFailures, b.Cooldown))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; listening and dictation will be unavailable")
	}
	if cfg.Providers.Audio.Name == "" {
		slog.Warn("providers.audio is not configured; listening and dictation will be unavailable")
	}

	// Voice
	v := cfg.Voice
	if v.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("voice.sample_rate %d must not be negative", v.SampleRate))
	}
	for name, d := range map[string]time.Duration{
		"voice.silence_timeout":     v.SilenceTimeout,
		"voice.check_interval":      v.CheckInterval,
		"voice.restart_delay":       v.RestartDelay,
		"dictation.silence_timeout": cfg.Dictation.SilenceTimeout,
		"bus.connect_timeout":       cfg.Bus.ConnectTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", name, d))
		}
	}
	if v.MaxRestartAttempts < 0 {
		errs = append(errs, fmt.Errorf("voice.max_restart_attempts %d must not be negative", v.MaxRestartAttempts))
	}
	if v.TranscriberQueue < 0 || v.AnalyzerQueue < 0 {
		errs = append(errs, errors.New("voice.transcriber_queue and voice.analyzer_queue must not be negative"))
	}
	for i, k := range v.Keywords {
		if k.Keyword == "" {
			errs = append(errs, fmt.Errorf("voice.keywords[%d].keyword is required", i))
		}
	}

	// Spectrum
	s := cfg.Spectrum
	if s.WindowSize != 0 && (s.WindowSize < 4 || s.WindowSize%2 != 0) {
		errs = append(errs, fmt.Errorf("spectrum.window_size %d must be even and at least 4", s.WindowSize))
	}
	if s.BandCount < 0 {
		errs = append(errs, fmt.Errorf("spectrum.band_count %d must not be negative", s.BandCount))
	}
	if s.Smoothing < 0 || s.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("spectrum.smoothing %.2f is out of range [0, 1)", s.Smoothing))
	}
	if s.MinAmplitude < 0 || s.MinAmplitude > 1 {
		errs = append(errs, fmt.Errorf("spectrum.min_amplitude %.2f is out of range [0, 1]", s.MinAmplitude))
	}

	// Dictation
	if t := cfg.Dictation.WakeWordThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("dictation.wake_word_threshold %.2f is out of range [0, 1]", t))
	}

	// Permissions
	for i, c := range cfg.Permissions.Granted {
		if !c.Valid() {
			errs = append(errs, fmt.Errorf("permissions.granted[%d] %q is invalid; valid values: microphone, speech_recognition", i, c))
		}
	}

	// Bus
	if cfg.Bus.Embedded && cfg.Bus.URL != "" {
		slog.Warn("bus.url is ignored when bus.embedded is true", "url", cfg.Bus.URL)
	}
	if cfg.Bus.EmbeddedPort < 0 || cfg.Bus.EmbeddedPort > 65535 {
		errs = append(errs, fmt.Errorf("bus.embedded_port %d is out of range", cfg.Bus.EmbeddedPort))
	}
	if cfg.Bus.Token != "" && cfg.Bus.Username != "" {
		errs = append(errs, errors.New("bus.token and bus.username are mutually exclusive"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

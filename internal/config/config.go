// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the Athena voice front-end.
package config

import (
	"time"

	"github.com/MrWong99/athena/pkg/permission"
)

// LogLevel controls log verbosity for the Athena server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Athena.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Voice       VoiceConfig       `yaml:"voice"`
	Spectrum    SpectrumConfig    `yaml:"spectrum"`
	Dictation   DictationConfig   `yaml:"dictation"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Bus         BusConfig         `yaml:"bus"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the Athena server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which implementation to use for speech
// recognition and audio capture. Each field selects a named factory
// registered in the [Registry].
type ProvidersConfig struct {
	STT   ProviderEntry `yaml:"stt"`
	Audio ProviderEntry `yaml:"audio"`

	// VAD selects the voice activity detector used by STT providers that
	// segment audio themselves (whisper, whisper-native). Defaults to the
	// "energy" gate.
	VAD ProviderEntry `yaml:"vad"`

	// STTFallbacks are tried in order when the primary STT provider fails to
	// start a stream or its circuit breaker is open.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	// Breaker tunes the circuit breaker placed in front of each STT provider
	// when fallbacks are configured.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	// MaxFailures opens the breaker after this many consecutive start
	// failures. Default: 3.
	MaxFailures int `yaml:"max_failures"`

	// Cooldown is how long an open breaker rejects streams before probing
	// the provider again. Default: 30s.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram", "portaudio").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-3", a
	// whisper model path).
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// VoiceConfig tunes the voice-activity transcriber used by the listening
// pipeline.
type VoiceConfig struct {
	// SampleRate is the rate audio is delivered to the recogniser. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Language is a BCP-47 language tag passed to the recogniser.
	Language string `yaml:"language"`

	// Keywords are boosted vocabulary entries, e.g. the wake word.
	Keywords []KeywordConfig `yaml:"keywords"`

	// SilenceTimeout ends an utterance after this long without a new
	// transcript. Default: 2s. Hot-reloadable.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// CheckInterval is the period of the silence check. Default: 500ms.
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxRestartAttempts bounds transparent restarts after "no speech"
	// errors. Default: 3.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// RestartDelay is the pause before a restart. Default: 100ms.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// TranscriberQueue and AnalyzerQueue size the per-consumer frame queues.
	TranscriberQueue int `yaml:"transcriber_queue"`
	AnalyzerQueue    int `yaml:"analyzer_queue"`
}

// KeywordConfig is one boosted recognition keyword.
type KeywordConfig struct {
	Keyword string  `yaml:"keyword"`
	Boost   float64 `yaml:"boost"`
}

// SpectrumConfig tunes the spectral amplitude analyzer.
type SpectrumConfig struct {
	// WindowSize is the FFT length in samples. Default: 512.
	WindowSize int `yaml:"window_size"`

	// BandCount is the number of visualised bands. Default: 30.
	BandCount int `yaml:"band_count"`

	// Smoothing is the weight of the previous frame in [0, 1). Default: 0.6.
	Smoothing float64 `yaml:"smoothing"`

	// MinAmplitude floors every band. Default: 0.05.
	MinAmplitude float64 `yaml:"min_amplitude"`
}

// DictationConfig tunes dictation sessions. All fields are hot-reloadable.
type DictationConfig struct {
	// SilenceTimeout ends a dictation after this long without a new
	// transcript. Default: 3s.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// WakeWord opens the spoken stop phrase "<wake word> stop listening".
	// Default: "athena".
	WakeWord string `yaml:"wake_word"`

	// WakeWordThreshold is the minimum fuzzy score for the wake word.
	// Default: 0.7.
	WakeWordThreshold float64 `yaml:"wake_word_threshold"`

	// PhoneticFallback also accepts wake words that sound alike.
	PhoneticFallback bool `yaml:"phonetic_fallback"`
}

// PermissionsConfig lists the capabilities granted to capture sessions.
type PermissionsConfig struct {
	// Granted lists capabilities ("microphone", "speech_recognition"). When
	// nil every capability is granted; an empty list grants none.
	Granted []permission.Capability `yaml:"granted"`
}

// BusConfig configures the NATS connection used to publish transcript and
// state events.
type BusConfig struct {
	// URL is the NATS server URL. Empty disables publishing unless Embedded
	// is set.
	URL string `yaml:"url"`

	// Embedded starts an in-process NATS server and connects to it.
	Embedded bool `yaml:"embedded"`

	// EmbeddedPort is the client port of the embedded server. 0 picks a free
	// port.
	EmbeddedPort int `yaml:"embedded_port"`

	// Name is the client connection name. Default: "athena".
	Name string `yaml:"name"`

	// Username and Password authenticate with user credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Token authenticates with a token.
	Token string `yaml:"token"`

	// ConnectTimeout bounds the initial connection. Default: 2s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Enabled reports whether a bus connection is configured.
func (b BusConfig) Enabled() bool {
	return b.URL != "" || b.Embedded
}

// TelemetryConfig configures the OpenTelemetry resource.
type TelemetryConfig struct {
	// ServiceName defaults to "athena".
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is reported on every metric.
	ServiceVersion string `yaml:"service_version"`
}

package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceSilenceChanged bool
	NewVoiceSilence     time.Duration

	DictationChanged bool // any dictation field changed
	NewDictation     DictationConfig

	// RestartRequired lists top-level sections whose changes are ignored
	// until the process restarts.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VoiceSilenceChanged || d.DictationChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Voice.SilenceTimeout != new.Voice.SilenceTimeout {
		d.VoiceSilenceChanged = true
		d.NewVoiceSilence = new.Voice.SilenceTimeout
	}
	if old.Dictation != new.Dictation {
		d.DictationChanged = true
		d.NewDictation = new.Dictation
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !equalProvider(old.Providers.STT, new.Providers.STT) || !equalProvider(old.Providers.Audio, new.Providers.Audio) ||
		!equalProvider(old.Providers.VAD, new.Providers.VAD) ||
		!slices.EqualFunc(old.Providers.STTFallbacks, new.Providers.STTFallbacks, equalProvider) ||
		old.Providers.Breaker != new.Providers.Breaker {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !equalVoiceStatic(old.Voice, new.Voice) {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if old.Spectrum != new.Spectrum {
		d.RestartRequired = append(d.RestartRequired, "spectrum")
	}
	if !slices.Equal(old.Permissions.Granted, new.Permissions.Granted) {
		d.RestartRequired = append(d.RestartRequired, "permissions")
	}
	if old.Bus != new.Bus {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

// equalVoiceStatic compares the voice fields that are not hot-reloadable.
func equalVoiceStatic(a, b VoiceConfig) bool {
	return a.SampleRate == b.SampleRate &&
		a.Language == b.Language &&
		slices.Equal(a.Keywords, b.Keywords) &&
		a.CheckInterval == b.CheckInterval &&
		a.MaxRestartAttempts == b.MaxRestartAttempts &&
		a.RestartDelay == b.RestartDelay &&
		a.TranscriberQueue == b.TranscriberQueue &&
		a.AnalyzerQueue == b.AnalyzerQueue
}

func equalProvider(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !comparableEqual(av, bv) {
			return false
		}
	}
	return true
}

// comparableEqual compares YAML scalar values; nested maps and lists are
// reported as different.
func comparableEqual(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return false
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

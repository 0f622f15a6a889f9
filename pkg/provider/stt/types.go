package stt

// Result is one recognition result from an STT session.
type Result struct {
	// Text is the transcribed speech content. For partials this is the full
	// hypothesis of the current utterance, not a delta.
	Text string

	// IsFinal marks an authoritative result that closes the current utterance.
	IsFinal bool

	// Confidence is the overall confidence in [0, 1]. Only meaningful when
	// HasConfidence is set.
	Confidence float64

	// HasConfidence reports whether the backend supplied a confidence value.
	HasConfidence bool

	// Err carries an in-band backend failure. When Err is non-nil the other
	// fields are zero.
	Err error
}

// KeywordBoost represents a keyword to boost in STT recognition.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Athena").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

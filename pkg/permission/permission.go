// Package permission defines the capability check the voice pipeline runs
// before it opens capture hardware or a recognition session.
//
// Desktop shells map [Capability] values onto OS-level consent (microphone
// access, speech recognition); headless deployments grant them statically
// from configuration via [Static].
package permission

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrNotAuthorized is the sentinel wrapped by every denial. Match it with
// errors.Is.
var ErrNotAuthorized = errors.New("permission: not authorized")

// Capability names one permission the pipeline may require.
type Capability string

const (
	// Microphone grants access to audio capture devices.
	Microphone Capability = "microphone"

	// SpeechRecognition grants use of the transcription backend.
	SpeechRecognition Capability = "speech_recognition"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	return c == Microphone || c == SpeechRecognition
}

// DeniedError reports which capabilities were refused.
type DeniedError struct {
	Missing []Capability
}

// Error implements error.
func (e *DeniedError) Error() string {
	names := make([]string, len(e.Missing))
	for i, c := range e.Missing {
		names[i] = string(c)
	}
	return fmt.Sprintf("permission: not authorized: %s", strings.Join(names, ", "))
}

// Unwrap makes errors.Is(err, ErrNotAuthorized) succeed.
func (e *DeniedError) Unwrap() error { return ErrNotAuthorized }

// Authorizer checks capabilities. Implementations must not open hardware and
// must be safe for concurrent use.
type Authorizer interface {
	// Authorize returns nil if every capability in caps is granted, or an error
	// wrapping [ErrNotAuthorized] otherwise.
	Authorize(ctx context.Context, caps ...Capability) error
}

// Static grants a fixed set of capabilities.
type Static struct {
	granted []Capability
}

// NewStatic returns an Authorizer that grants exactly the given capabilities.
func NewStatic(granted ...Capability) *Static {
	return &Static{granted: slices.Clone(granted)}
}

// Authorize implements [Authorizer].
func (s *Static) Authorize(ctx context.Context, caps ...Capability) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var missing []Capability
	for _, c := range caps {
		if !slices.Contains(s.granted, c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return &DeniedError{Missing: missing}
	}
	return nil
}

// AllowAll grants every capability. Useful for tests and trusted hosts.
func AllowAll() Authorizer {
	return NewStatic(Microphone, SpeechRecognition)
}

// Func adapts a plain function to [Authorizer].
type Func func(ctx context.Context, caps ...Capability) error

// Authorize implements [Authorizer].
func (f Func) Authorize(ctx context.Context, caps ...Capability) error {
	return f(ctx, caps...)
}

var (
	_ Authorizer = (*Static)(nil)
	_ Authorizer = Func(nil)
)

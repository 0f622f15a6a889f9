package transcriber

import (
	"fmt"
)

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// EventPartial carries an in-progress hypothesis. Emitted partials never
	// get shorter within one utterance.
	EventPartial EventKind = iota

	// EventFinal carries a backend-confirmed result, optionally with a
	// confidence value.
	EventFinal

	// EventSilenceDetected fires once per session when no transcript update
	// arrived for the configured silence timeout.
	EventSilenceDetected

	// EventError is terminal: the session has failed and no further events
	// follow. Err holds a *[BackendError].
	EventError

	// EventEnded marks normal session completion. It is the last event.
	EventEnded
)

// String returns the lowercase name of the kind, as used in logs and metrics.
func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventSilenceDetected:
		return "silence"
	case EventError:
		return "error"
	case EventEnded:
		return "ended"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one item of a transcriber session's event stream.
type Event struct {
	Kind EventKind

	// Text is set for EventPartial and EventFinal.
	Text string

	// Confidence is set for EventFinal when the backend reported one.
	Confidence *float64

	// Err is set for EventError.
	Err error
}

// Terminal reports whether no further events follow e.
func (e Event) Terminal() bool {
	return e.Kind == EventError || e.Kind == EventEnded
}

// BackendError is a recognition failure that ended the session. Attempts is
// the number of transparent restarts made before giving up.
type BackendError struct {
	Cause    error
	Attempts int
}

// Error implements error.
func (e *BackendError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("transcriber: backend failed after %d restarts: %v", e.Attempts, e.Cause)
	}
	return fmt.Sprintf("transcriber: backend failed: %v", e.Cause)
}

// Unwrap returns the backend cause.
func (e *BackendError) Unwrap() error { return e.Cause }

package pipeline

import (
	"fmt"
	"time"
)

// Phase is the lifecycle position of an [Orchestrator].
type Phase int

const (
	// PhaseIdle means no session is running.
	PhaseIdle Phase = iota

	// PhaseListening means audio is captured and forwarded.
	PhaseListening

	// PhaseFinishing means capture has stopped and the orchestrator waits for
	// the final transcript.
	PhaseFinishing

	// PhaseError means the session failed. Only CancelListening leaves it.
	PhaseError
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseFinishing:
		return "finishing"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is the observable pipeline state. Message is only set in
// [PhaseError].
type State struct {
	Phase   Phase
	Message string
}

// String formats the state for logs.
func (s State) String() string {
	if s.Phase == PhaseError {
		return fmt.Sprintf("error(%s)", s.Message)
	}
	return s.Phase.String()
}

// NotificationKind identifies what changed in a [Notification].
type NotificationKind int

const (
	NotifyState NotificationKind = iota
	NotifyPartial
	NotifyFinal
	NotifySilence
)

// String returns the lowercase kind name.
func (k NotificationKind) String() string {
	switch k {
	case NotifyState:
		return "state"
	case NotifyPartial:
		return "partial"
	case NotifyFinal:
		return "final"
	case NotifySilence:
		return "silence"
	default:
		return fmt.Sprintf("NotificationKind(%d)", int(k))
	}
}

// Notification is a typed change event delivered to subscribers.
type Notification struct {
	SessionID  string
	Kind       NotificationKind
	State      State
	Text       string
	Confidence *float64
	At         time.Time
}

package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Arbiter grants exclusive ownership of a single [Source] to one [Handle] at
// a time. The pipeline orchestrator and the dictation manager each hold their
// own handle on the same arbiter; whichever starts first owns the device until
// it stops.
type Arbiter struct {
	src Source

	mu    sync.Mutex
	owner *Handle
}

// NewArbiter wraps src.
func NewArbiter(src Source) *Arbiter {
	return &Arbiter{src: src}
}

// Handle returns a new named handle on the arbitrated source. The name only
// appears in logs and errors.
func (a *Arbiter) Handle(name string) *Handle {
	return &Handle{arbiter: a, name: name}
}

// Handle is one session's lease on an arbitrated [Source]. It implements
// [Source] itself so that consumers never see the arbiter.
type Handle struct {
	arbiter *Arbiter
	name    string
}

// Start acquires the source and starts it. Returns [ErrSourceBusy] when a
// different handle owns the source. Starting an already-owned handle is a
// no-op.
func (h *Handle) Start(ctx context.Context) error {
	a := h.arbiter
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.owner {
	case h:
		return nil
	case nil:
	default:
		return fmt.Errorf("audio: start %q: %w (held by %q)", h.name, ErrSourceBusy, a.owner.name)
	}

	if err := a.src.Start(ctx); err != nil {
		return fmt.Errorf("audio: start %q: %w", h.name, err)
	}
	a.owner = h
	slog.Debug("audio: source acquired", "owner", h.name)
	return nil
}

// Stop stops the source if this handle owns it and releases ownership.
// Stopping a handle that does not own the source is a no-op.
func (h *Handle) Stop() error {
	a := h.arbiter
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.owner != h {
		return nil
	}
	a.owner = nil
	slog.Debug("audio: source released", "owner", h.name)
	if err := a.src.Stop(); err != nil {
		return fmt.Errorf("audio: stop %q: %w", h.name, err)
	}
	return nil
}

// SampleRate returns the underlying source rate.
func (h *Handle) SampleRate() int { return h.arbiter.src.SampleRate() }

// Frames returns the underlying frame channel while this handle owns the
// source and nil otherwise.
func (h *Handle) Frames() <-chan AudioFrame {
	a := h.arbiter
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner != h {
		return nil
	}
	return a.src.Frames()
}

var _ Source = (*Handle)(nil)

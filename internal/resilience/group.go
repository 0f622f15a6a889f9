package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no member of a [Group] could serve a call.
var ErrAllFailed = errors.New("resilience: all backends failed")

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group orders backends of one kind, each behind its own [Breaker]. Members
// are tried in the order they were added.
//
// Members must all be added before the group is shared between goroutines.
type Group[T any] struct {
	cfg     BreakerConfig
	members []member[T]
}

// NewGroup returns an empty group whose member breakers use cfg. The Name
// field of cfg is replaced by each member's name.
func NewGroup[T any](cfg BreakerConfig) *Group[T] {
	return &Group[T]{cfg: cfg}
}

// Add appends a member.
func (g *Group[T]) Add(name string, v T) {
	cfg := g.cfg
	cfg.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewBreaker(cfg)})
}

// Len returns the number of members.
func (g *Group[T]) Len() int { return len(g.members) }

// States returns the breaker state of each member by name.
func (g *Group[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Each calls fn for every member in order.
func (g *Group[T]) Each(fn func(name string, v T)) {
	for _, m := range g.members {
		fn(m.name, m.value)
	}
}

// Try calls fn on each member until one succeeds. Members with an open
// breaker are skipped. A context error from fn is returned immediately
// without trying further members. When every member fails the error wraps
// [ErrAllFailed] and each member's error.
func Try[T, R any](g *Group[T], fn func(name string, v T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range g.members {
		m := &g.members[i]
		var out R
		err := m.breaker.Do(func() error {
			var err error
			out, err = fn(m.name, m.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		if errors.Is(err, ErrOpen) {
			slog.Debug("resilience: skipping backend with open breaker", "backend", m.name)
		} else {
			slog.Warn("resilience: backend failed, trying next", "backend", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	if len(errs) == 0 {
		return zero, fmt.Errorf("%w: group is empty", ErrAllFailed)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

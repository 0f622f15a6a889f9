package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg BreakerConfig) (*Breaker, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(cfg)
	b.now = c.now
	return b, c
}

func fail() error    { return errBackend }
func succeed() error { return nil }

func TestBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{})
	if b.cfg.MaxFailures != 3 || b.cfg.Cooldown != 30*time.Second || b.cfg.Trials != 1 {
		t.Errorf("defaults = %+v", b.cfg)
	}
	if b.State() != Closed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 2})

	if err := b.Do(fail); !errors.Is(err, errBackend) {
		t.Fatalf("first call err = %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("state after 1 failure = %v, want closed", b.State())
	}
	_ = b.Do(fail)
	if b.State() != Open {
		t.Fatalf("state after 2 failures = %v, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("open breaker: err = %v, called = %v", err, called)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 2})
	_ = b.Do(fail)
	_ = b.Do(succeed)
	_ = b.Do(fail)
	if b.State() != Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_ContextErrorsDoNotCount(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 1})
	err := b.Do(func() error { return fmt.Errorf("start: %w", context.Canceled) })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	_ = b.Do(func() error { return context.DeadlineExceeded })
	if b.State() != Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	var transitions []string
	b, c := newTestBreaker(BreakerConfig{
		Name:        "deepgram",
		MaxFailures: 1,
		Cooldown:    time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})
	_ = b.Do(fail)
	c.advance(59 * time.Second)
	if err := b.Do(succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("before cooldown err = %v, want ErrOpen", err)
	}

	c.advance(time.Second)
	if err := b.Do(succeed); err != nil {
		t.Fatalf("trial err = %v", err)
	}
	if b.State() != Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
	want := []string{"deepgram:closed->open", "deepgram:open->half-open", "deepgram:half-open->closed"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, c := newTestBreaker(BreakerConfig{MaxFailures: 3, Cooldown: time.Second})
	for range 3 {
		_ = b.Do(fail)
	}
	c.advance(time.Second)
	_ = b.Do(fail)
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}
	if err := b.Do(succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen right after re-opening", err)
	}
}

func TestBreaker_HalfOpenLimitsTrialsInFlight(t *testing.T) {
	b, c := newTestBreaker(BreakerConfig{MaxFailures: 1, Cooldown: time.Second, Trials: 1})
	_ = b.Do(fail)
	c.advance(time.Second)

	inner := make(chan error, 1)
	err := b.Do(func() error {
		inner <- b.Do(succeed)
		return nil
	})
	if err != nil {
		t.Fatalf("outer trial err = %v", err)
	}
	if got := <-inner; !errors.Is(got, ErrOpen) {
		t.Errorf("second concurrent trial err = %v, want ErrOpen", got)
	}
	if b.State() != Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 1, Cooldown: time.Hour})
	_ = b.Do(fail)
	b.Reset()
	if b.State() != Closed {
		t.Fatalf("state = %v, want closed", b.State())
	}
	if err := b.Do(succeed); err != nil {
		t.Errorf("err after reset = %v", err)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open", State(9): "unknown"} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

package resilience

import (
	"context"
	"errors"
	"io"

	"github.com/MrWong99/athena/internal/observe"
	"github.com/MrWong99/athena/pkg/provider/stt"
)

// STT implements [stt.Provider] by starting each stream on the first healthy
// backend of an ordered set. Failover happens at stream start only; a session
// that fails mid-stream reports the error in-band and the next StartStream
// picks the backend again.
type STT struct {
	group   *Group[stt.Provider]
	metrics *observe.Metrics
}

var (
	_ stt.Provider = (*STT)(nil)
	_ io.Closer    = (*STT)(nil)
)

// Option configures an [STT].
type Option func(*sttOptions)

type sttOptions struct {
	breaker   BreakerConfig
	metrics   *observe.Metrics
	fallbacks []named
}

type named struct {
	name string
	p    stt.Provider
}

// WithBreaker sets the breaker configuration applied to every backend.
func WithBreaker(cfg BreakerConfig) Option {
	return func(o *sttOptions) { o.breaker = cfg }
}

// WithMetrics records breaker transitions and start failures on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *sttOptions) { o.metrics = m }
}

// WithFallback appends a backend tried after the primary and any earlier
// fallbacks.
func WithFallback(name string, p stt.Provider) Option {
	return func(o *sttOptions) { o.fallbacks = append(o.fallbacks, named{name: name, p: p}) }
}

// NewSTT wraps primary and the configured fallbacks.
func NewSTT(primaryName string, primary stt.Provider, opts ...Option) *STT {
	var o sttOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := &STT{metrics: o.metrics}

	cfg := o.breaker
	if s.metrics != nil {
		user := cfg.OnStateChange
		cfg.OnStateChange = func(name string, from, to State) {
			s.metrics.RecordStateTransition(context.Background(), "stt_breaker:"+name, from.String(), to.String())
			if user != nil {
				user(name, from, to)
			}
		}
	}
	s.group = NewGroup[stt.Provider](cfg)
	s.group.Add(primaryName, primary)
	for _, f := range o.fallbacks {
		s.group.Add(f.name, f.p)
	}
	return s
}

// StartStream opens a session on the first backend that accepts it.
func (s *STT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Try(s.group, func(name string, p stt.Provider) (stt.SessionHandle, error) {
		h, err := p.StartStream(ctx, cfg)
		if err != nil && s.metrics != nil && ctx.Err() == nil {
			s.metrics.RecordProviderError(ctx, name, "start_stream")
		}
		return h, err
	})
}

// States returns the breaker state of every backend by name.
func (s *STT) States() map[string]State { return s.group.States() }

// Check fails when every backend's breaker is open. It is meant for
// readiness checks.
func (s *STT) Check(context.Context) error {
	for _, st := range s.group.States() {
		if st != Open {
			return nil
		}
	}
	return errors.New("resilience: every stt backend is unavailable")
}

// Close closes every backend that implements [io.Closer].
func (s *STT) Close() error {
	var errs []error
	s.group.Each(func(_ string, p stt.Provider) {
		if c, ok := p.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	})
	return errors.Join(errs...)
}

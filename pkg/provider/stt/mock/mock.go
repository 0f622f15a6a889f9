// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig and to script what each session emits. Use Session to push
// Result values and inspect which frames were delivered.
//
// Example:
//
//	p := &mock.Provider{
//	    Script: func(n int, s *mock.Session) {
//	        s.Emit(stt.Result{Text: "hello"})
//	    },
//	}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// Script, if non-nil, is called synchronously with the zero-based session
	// index and the freshly created session before StartStream returns.
	Script func(n int, s *Session)

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	sessions []*Session
}

// StartStream records the call and returns a new Session, or StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		err := p.StartStreamErr
		p.mu.Unlock()
		return nil, err
	}
	s := NewSession(64)
	n := len(p.sessions)
	p.sessions = append(p.sessions, s)
	script := p.Script
	p.mu.Unlock()

	if script != nil {
		script(n, s)
	}
	return s, nil
}

// Sessions returns every session created so far, in creation order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Last returns the most recently created session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. It owns its Results
// channel; tests push values with Emit and end the stream with End.
type Session struct {
	mu sync.Mutex

	// FeedErr, if non-nil, is returned by every Feed call.
	FeedErr error

	// FinishErr, if non-nil, is returned by Finish.
	FinishErr error

	// FinishResults are emitted by Finish before the Results channel closes.
	FinishResults []stt.Result

	// HoldFinish, if non-nil, makes Finish block until it is closed (or ctx
	// expires) before emitting FinishResults.
	HoldFinish chan struct{}

	// --- Call records ---

	// Fed records every frame passed to Feed, in order.
	Fed []audio.AudioFrame

	// FinishCalls is the number of times Finish was called.
	FinishCalls int

	// CancelCalls is the number of times Cancel was called.
	CancelCalls int

	results chan stt.Result
	closed  bool
}

// NewSession returns a Session whose Results channel has the given buffer.
func NewSession(buffer int) *Session {
	return &Session{results: make(chan stt.Result, buffer)}
}

// Feed records the frame and returns FeedErr.
func (s *Session) Feed(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	s.Fed = append(s.Fed, frame)
	return s.FeedErr
}

// Results implements stt.SessionHandle.
func (s *Session) Results() <-chan stt.Result {
	return s.results
}

// Emit pushes r onto the Results channel. It reports false if the session has
// already ended or the buffer is full.
func (s *Session) Emit(r stt.Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.results <- r:
		return true
	default:
		return false
	}
}

// End closes the Results channel as if the backend had terminated normally.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// Finish emits FinishResults, closes Results and returns FinishErr.
func (s *Session) Finish(ctx context.Context) error {
	s.mu.Lock()
	s.FinishCalls++
	hold := s.HoldFinish
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		for _, r := range s.FinishResults {
			select {
			case s.results <- r:
			default:
			}
		}
	}
	s.closeLocked()
	return s.FinishErr
}

// Cancel closes Results immediately.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCalls++
	s.closeLocked()
	return nil
}

func (s *Session) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.results)
	}
}

// FedCount returns the number of recorded Feed calls. Thread-safe.
func (s *Session) FedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Fed)
}

// CancelCount returns CancelCalls. Thread-safe.
func (s *Session) CancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CancelCalls
}

// FinishCount returns FinishCalls. Thread-safe.
func (s *Session) FinishCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinishCalls
}

// Closed reports whether the session has ended. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)

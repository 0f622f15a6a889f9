// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify the Config sessions are created with. Use Session to
// script per-frame detection results and inspect the submitted frames.
package mock

import (
	"sync"

	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a new default Session is
	// returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records the Config of every NewSession call in order.
	NewSessionCalls []vad.Config
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// NewSessionCount returns len(NewSessionCalls). Thread-safe.
func (e *Engine) NewSessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.NewSessionCalls)
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Script is consumed one entry per ProcessFrame call. Once exhausted,
	// EventResult is returned.
	Script []vad.Event

	// EventResult is returned when Script is empty.
	EventResult vad.Event

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// Frames records every frame passed to ProcessFrame in order.
	Frames []audio.AudioFrame

	// ResetCalls and CloseCalls count Reset and Close invocations.
	ResetCalls int
	CloseCalls int
}

// ProcessFrame records the frame and returns the next scripted event.
func (s *Session) ProcessFrame(frame audio.AudioFrame) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, frame)
	if s.ProcessFrameErr != nil {
		return vad.Event{}, s.ProcessFrameErr
	}
	if len(s.Script) > 0 {
		ev := s.Script[0]
		s.Script = s.Script[1:]
		return ev, nil
	}
	return s.EventResult, nil
}

// Reset increments ResetCalls.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCalls++
}

// Close increments CloseCalls.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return nil
}

// FrameCount returns len(Frames). Thread-safe.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// Counts returns ResetCalls and CloseCalls. Thread-safe.
func (s *Session) Counts() (resets, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResetCalls, s.CloseCalls
}

var _ vad.SessionHandle = (*Session)(nil)

// Package server exposes the listening pipeline and dictation sessions over
// HTTP.
//
// Routes:
//
//	POST /v1/listen/start     start a listening session
//	POST /v1/listen/stop      stop capture and wait for the final transcript
//	POST /v1/listen/cancel    abandon the session
//	GET  /v1/listen           pipeline state, transcripts and bands
//	POST /v1/dictation/start  start a dictation session
//	POST /v1/dictation/stop   end the dictation and return its transcript
//	GET  /v1/dictation        dictation state and transcript
//	GET  /v1/events           WebSocket stream of notifications and bands
//	GET  /healthz, /readyz    health checks, when a health handler is configured
//	GET  /metrics             Prometheus metrics, when configured
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/athena/internal/health"
	"github.com/MrWong99/athena/internal/observe"
	"github.com/MrWong99/athena/internal/voice/dictation"
	"github.com/MrWong99/athena/internal/voice/pipeline"
	"github.com/MrWong99/athena/pkg/audio"
	"github.com/MrWong99/athena/pkg/permission"
	"github.com/MrWong99/athena/pkg/provider/stt"
)

const (
	defaultStopTimeout  = 10 * time.Second
	defaultBandInterval = 50 * time.Millisecond
)

// Listener is the listening pipeline as seen by the HTTP layer.
// *pipeline.Orchestrator satisfies it.
type Listener interface {
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	CancelListening()
	State() pipeline.State
	PartialTranscript() string
	FinalTranscript() string
	SessionID() string
	Bands() []float64
	SubscribeBands(buffer int) (<-chan []float64, func())
	Subscribe(buffer int) (<-chan pipeline.Notification, func())
}

// Dictator is the dictation manager as seen by the HTTP layer.
// *dictation.Manager satisfies it.
type Dictator interface {
	Start(ctx context.Context) error
	Stop() (string, bool)
	State() dictation.State
	FinalTranscript() (string, bool)
	Transcript() string
	StopCommandTriggered() bool
	SessionID() string
	Subscribe(buffer int) (<-chan dictation.Notification, func())
}

// Option is a functional option for [New].
type Option func(*Server)

// WithHealth mounts the /healthz and /readyz endpoints.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the metrics used by the request middleware.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStopTimeout bounds how long POST /v1/listen/stop waits for the final
// transcript. Default: 10s.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Server) { s.stopTimeout = d }
}

// WithBandInterval sets the minimum spacing of band frames on event streams.
// Vectors computed in between are coalesced into the most recent one.
// Default: 50ms.
func WithBandInterval(d time.Duration) Option {
	return func(s *Server) { s.bandInterval = d }
}

// Server serves the HTTP API. Either the listener or the dictator may be nil,
// in which case its routes answer 503.
type Server struct {
	listener  Listener
	dictation Dictator

	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	stopTimeout    time.Duration
	bandInterval   time.Duration
}

// New creates a Server.
func New(l Listener, d Dictator, opts ...Option) *Server {
	s := &Server{
		listener:     l,
		dictation:    d,
		stopTimeout:  defaultStopTimeout,
		bandInterval: defaultBandInterval,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed handler wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/listen/start", s.requireListener(s.handleListenStart))
	mux.HandleFunc("POST /v1/listen/stop", s.requireListener(s.handleListenStop))
	mux.HandleFunc("POST /v1/listen/cancel", s.requireListener(s.handleListenCancel))
	mux.HandleFunc("GET /v1/listen", s.requireListener(s.handleListenStatus))
	mux.HandleFunc("POST /v1/dictation/start", s.requireDictation(s.handleDictationStart))
	mux.HandleFunc("POST /v1/dictation/stop", s.requireDictation(s.handleDictationStop))
	mux.HandleFunc("GET /v1/dictation", s.requireDictation(s.handleDictationStatus))
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return observe.Middleware(s.metrics)(mux)
}

// ListenStatus is the body of GET /v1/listen and the listen POST routes.
type ListenStatus struct {
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Partial   string    `json:"partial"`
	Final     string    `json:"final"`
	Bands     []float64 `json:"bands,omitempty"`
}

// DictationStatus is the body of GET /v1/dictation and the dictation POST
// routes.
type DictationStatus struct {
	SessionID   string  `json:"session_id,omitempty"`
	State       string  `json:"state"`
	Error       string  `json:"error,omitempty"`
	Transcript  string  `json:"transcript"`
	Final       *string `json:"final"`
	StopCommand bool    `json:"stop_command"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) requireListener(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.listener == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "listening is not configured"})
			return
		}
		h(w, r)
	}
}

func (s *Server) requireDictation(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.dictation == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "dictation is not configured"})
			return
		}
		h(w, r)
	}
}

func (s *Server) handleListenStart(w http.ResponseWriter, r *http.Request) {
	// Sessions outlive the request that started them.
	if err := s.listener.StartListening(context.WithoutCancel(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.listenStatus(false))
}

func (s *Server) handleListenStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.stopTimeout)
	defer cancel()
	if err := s.listener.StopListening(ctx); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.listenStatus(false))
}

func (s *Server) handleListenCancel(w http.ResponseWriter, _ *http.Request) {
	s.listener.CancelListening()
	writeJSON(w, http.StatusOK, s.listenStatus(false))
}

func (s *Server) handleListenStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.listenStatus(true))
}

func (s *Server) listenStatus(withBands bool) ListenStatus {
	st := s.listener.State()
	out := ListenStatus{
		SessionID: s.listener.SessionID(),
		State:     st.Phase.String(),
		Partial:   s.listener.PartialTranscript(),
		Final:     s.listener.FinalTranscript(),
	}
	if st.Phase == pipeline.PhaseError {
		out.Error = st.Message
	}
	if withBands {
		out.Bands = s.listener.Bands()
	}
	return out
}

func (s *Server) handleDictationStart(w http.ResponseWriter, r *http.Request) {
	if err := s.dictation.Start(context.WithoutCancel(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.dictationStatus())
}

func (s *Server) handleDictationStop(w http.ResponseWriter, _ *http.Request) {
	s.dictation.Stop()
	writeJSON(w, http.StatusOK, s.dictationStatus())
}

func (s *Server) handleDictationStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dictationStatus())
}

func (s *Server) dictationStatus() DictationStatus {
	st := s.dictation.State()
	out := DictationStatus{
		SessionID:   s.dictation.SessionID(),
		State:       st.Phase.String(),
		Transcript:  s.dictation.Transcript(),
		StopCommand: s.dictation.StopCommandTriggered(),
	}
	if st.Phase == dictation.PhaseError {
		out.Error = st.Message
	}
	if final, ok := s.dictation.FinalTranscript(); ok {
		out.Final = &final
	}
	return out
}

// writeError maps session errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, permission.ErrNotAuthorized), errors.Is(err, stt.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, audio.ErrSourceBusy):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	observe.Logger(r.Context()).Warn("server: request failed", "path", r.URL.Path, "status", status, "err", err)
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response", "err", err)
	}
}

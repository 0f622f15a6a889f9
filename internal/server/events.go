package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/athena/internal/bus"
	"github.com/MrWong99/athena/internal/voice/dictation"
	"github.com/MrWong99/athena/internal/voice/pipeline"
)

// SubjectVoiceBands labels band frames on the event stream.
const SubjectVoiceBands = "athena.voice.bands"

const (
	eventBuffer  = 64
	bandBuffer   = 8
	writeTimeout = 5 * time.Second
)

// Event is one frame of the /v1/events stream. Notifications carry Message;
// band frames carry Bands.
type Event struct {
	Subject string       `json:"subject"`
	Message *bus.Message `json:"message,omitempty"`
	Bands   []float64    `json:"bands,omitempty"`
}

// handleEvents upgrades to a WebSocket and streams pipeline notifications,
// dictation notifications and the analyzer's band vectors until the client
// goes away. Band vectors are throttled to one per band interval, keeping the
// newest. Messages from the client are discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("server: websocket accept", "err", err)
		return
	}
	defer c.CloseNow()

	ctx := c.CloseRead(r.Context())

	var (
		voice <-chan pipeline.Notification
		dict  <-chan dictation.Notification
		bands <-chan []float64
	)
	if s.listener != nil {
		ch, unsubscribe := s.listener.Subscribe(eventBuffer)
		defer unsubscribe()
		voice = ch
		bch, unsubscribeBands := s.listener.SubscribeBands(bandBuffer)
		defer unsubscribeBands()
		bands = bch
	}
	if s.dictation != nil {
		ch, unsubscribe := s.dictation.Subscribe(eventBuffer)
		defer unsubscribe()
		dict = ch
	}

	ticker := time.NewTicker(s.bandInterval)
	defer ticker.Stop()
	var latest []float64

	for {
		var ev Event
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case n, ok := <-voice:
			if !ok {
				voice = nil
				continue
			}
			subject, msg := bus.VoiceMessage(n)
			ev = Event{Subject: subject, Message: &msg}
		case n, ok := <-dict:
			if !ok {
				dict = nil
				continue
			}
			subject, msg := bus.DictationMessage(n)
			ev = Event{Subject: subject, Message: &msg}
		case b, ok := <-bands:
			if !ok {
				bands = nil
				continue
			}
			latest = b
			continue
		case <-ticker.C:
			if latest == nil {
				continue
			}
			ev = Event{Subject: SubjectVoiceBands, Bands: latest}
			latest = nil
		}

		if err := writeEvent(ctx, c, ev); err != nil {
			slog.Debug("server: event stream closed", "err", err)
			return
		}
	}
}

func writeEvent(ctx context.Context, c *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, ev)
}

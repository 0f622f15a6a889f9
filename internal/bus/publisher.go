package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/athena/internal/voice/dictation"
	"github.com/MrWong99/athena/internal/voice/pipeline"
)

// Subjects published by [Publisher].
const (
	SubjectVoicePartial   = "athena.voice.partial"
	SubjectVoiceFinal     = "athena.voice.final"
	SubjectVoiceSilence   = "athena.voice.silence"
	SubjectVoiceState     = "athena.voice.state"
	SubjectDictationFinal = "athena.dictation.final"
)

// Dictation subjects used only by in-process event streams; the bus carries
// dictation finals alone.
const (
	SubjectDictationTranscript = "athena.dictation.transcript"
	SubjectDictationState      = "athena.dictation.state"
)

// Message is the JSON payload of every published event.
type Message struct {
	SessionID   string    `json:"session_id,omitempty"`
	Kind        string    `json:"kind"`
	Text        string    `json:"text,omitempty"`
	State       string    `json:"state,omitempty"`
	Error       string    `json:"error,omitempty"`
	Confidence  *float64  `json:"confidence,omitempty"`
	StopCommand bool      `json:"stop_command,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// VoiceMessage maps a pipeline notification to its subject and payload.
func VoiceMessage(n pipeline.Notification) (string, Message) {
	msg := Message{
		SessionID: n.SessionID,
		Kind:      n.Kind.String(),
		Text:      n.Text,
		Timestamp: n.At,
	}
	switch n.Kind {
	case pipeline.NotifyPartial:
		return SubjectVoicePartial, msg
	case pipeline.NotifyFinal:
		msg.Confidence = n.Confidence
		return SubjectVoiceFinal, msg
	case pipeline.NotifySilence:
		return SubjectVoiceSilence, msg
	default:
		msg.State = n.State.Phase.String()
		if n.State.Phase == pipeline.PhaseError {
			msg.Error = n.State.Message
		}
		return SubjectVoiceState, msg
	}
}

// DictationMessage maps a dictation notification to its subject and payload.
func DictationMessage(n dictation.Notification) (string, Message) {
	msg := Message{
		SessionID: n.SessionID,
		Kind:      n.Kind.String(),
		Text:      n.Text,
		Timestamp: n.At,
	}
	switch n.Kind {
	case dictation.NotifyFinal:
		msg.StopCommand = n.StopCommand
		msg.Reason = string(n.Reason)
		return SubjectDictationFinal, msg
	case dictation.NotifyTranscript:
		return SubjectDictationTranscript, msg
	default:
		msg.State = n.State.Phase.String()
		if n.State.Phase == dictation.PhaseError {
			msg.Error = n.State.Message
		}
		return SubjectDictationState, msg
	}
}

// Publisher forwards notifications to the bus.
type Publisher struct {
	client *Client
}

// NewPublisher returns a Publisher writing through c.
func NewPublisher(c *Client) *Publisher {
	return &Publisher{client: c}
}

// Publish encodes msg as JSON and publishes it on subject.
func (p *Publisher) Publish(subject string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", subject, err)
	}
	if err := p.client.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Run publishes every pipeline notification and every dictation final until
// ctx is cancelled or both channels are closed. A nil channel is ignored. Publish
// failures are logged and do not stop the loop.
func (p *Publisher) Run(ctx context.Context, voice <-chan pipeline.Notification, dict <-chan dictation.Notification) {
	for voice != nil || dict != nil {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-voice:
			if !ok {
				voice = nil
				continue
			}
			subject, msg := VoiceMessage(n)
			p.publish(subject, msg)
		case n, ok := <-dict:
			if !ok {
				dict = nil
				continue
			}
			if n.Kind == dictation.NotifyFinal {
				subject, msg := DictationMessage(n)
				p.publish(subject, msg)
			}
		}
	}
}

func (p *Publisher) publish(subject string, msg Message) {
	if err := p.Publish(subject, msg); err != nil {
		slog.Warn("bus: dropping event", "subject", subject, "err", err)
	}
}

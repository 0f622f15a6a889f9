package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/athena/internal/config"
	"github.com/MrWong99/athena/internal/voice/dictation"
	"github.com/MrWong99/athena/internal/voice/pipeline"
)

func startBus(t *testing.T) (*EmbeddedServer, *Client) {
	t.Helper()
	srv, err := StartEmbedded(0)
	if err != nil {
		t.Fatalf("StartEmbedded: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	c, err := Connect(context.Background(), srv.ClientURL(), config.BusConfig{Name: "athena-test", ConnectTimeout: time.Second})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)
	return srv, c
}

func subscribe(t *testing.T, c *Client, subject string) *nats.Subscription {
	t.Helper()
	sub, err := c.Conn().SubscribeSync(subject)
	if err != nil {
		t.Fatalf("SubscribeSync: %v", err)
	}
	if err := c.Conn().Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return sub
}

func nextMessage(t *testing.T, sub *nats.Subscription) (string, Message) {
	t.Helper()
	raw, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	var m Message
	if err := json.Unmarshal(raw.Data, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return raw.Subject, m
}

func TestConnect_RequiresURL(t *testing.T) {
	t.Parallel()
	if _, err := Connect(context.Background(), "", config.BusConfig{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Connect(ctx, "nats://127.0.0.1:1", config.BusConfig{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestClient_Check(t *testing.T) {
	t.Parallel()
	_, c := startBus(t)
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("Check on live connection: %v", err)
	}

	var nilClient *Client
	if err := nilClient.Check(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("nil Check = %v, want ErrNotConnected", err)
	}
}

func TestVoiceMessage_Subjects(t *testing.T) {
	t.Parallel()
	conf := 0.9
	tests := []struct {
		n       pipeline.Notification
		subject string
	}{
		{pipeline.Notification{Kind: pipeline.NotifyPartial, Text: "hel"}, SubjectVoicePartial},
		{pipeline.Notification{Kind: pipeline.NotifyFinal, Text: "hello", Confidence: &conf}, SubjectVoiceFinal},
		{pipeline.Notification{Kind: pipeline.NotifySilence, Text: "hel"}, SubjectVoiceSilence},
		{pipeline.Notification{Kind: pipeline.NotifyState, State: pipeline.State{Phase: pipeline.PhaseListening}}, SubjectVoiceState},
	}
	for _, tt := range tests {
		subject, msg := VoiceMessage(tt.n)
		if subject != tt.subject {
			t.Errorf("%v: subject = %q, want %q", tt.n.Kind, subject, tt.subject)
		}
		if msg.Kind != tt.n.Kind.String() {
			t.Errorf("%v: kind = %q", tt.n.Kind, msg.Kind)
		}
	}

	_, msg := VoiceMessage(pipeline.Notification{Kind: pipeline.NotifyState, State: pipeline.State{Phase: pipeline.PhaseError, Message: "boom"}})
	if msg.State != "error" || msg.Error != "boom" {
		t.Errorf("error state message = %+v", msg)
	}
}

func TestDictationMessage(t *testing.T) {
	t.Parallel()
	subject, msg := DictationMessage(dictation.Notification{Kind: dictation.NotifyTranscript, Text: "buy"})
	if subject != SubjectDictationTranscript || msg.Text != "buy" {
		t.Errorf("transcript = %s %+v", subject, msg)
	}
	subject, msg = DictationMessage(dictation.Notification{Kind: dictation.NotifyState, State: dictation.State{Phase: dictation.PhaseError, Message: "denied"}})
	if subject != SubjectDictationState || msg.State != "error" || msg.Error != "denied" {
		t.Errorf("state = %s %+v", subject, msg)
	}
	subject, msg = DictationMessage(dictation.Notification{
		SessionID:   "s1",
		Kind:        dictation.NotifyFinal,
		Text:        "buy milk",
		StopCommand: true,
		Reason:      dictation.EndStopPhrase,
	})
	if subject != SubjectDictationFinal {
		t.Fatalf("subject = %q", subject)
	}
	if msg.Text != "buy milk" || !msg.StopCommand || msg.Reason != "stop_phrase" || msg.SessionID != "s1" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestPublisher_Run(t *testing.T) {
	t.Parallel()
	_, c := startBus(t)
	sub := subscribe(t, c, "athena.>")

	voice := make(chan pipeline.Notification, 4)
	dict := make(chan dictation.Notification, 4)
	done := make(chan struct{})
	go func() {
		NewPublisher(c).Run(context.Background(), voice, dict)
		close(done)
	}()

	voice <- pipeline.Notification{SessionID: "v1", Kind: pipeline.NotifyFinal, Text: "turn on the lights"}
	subject, msg := nextMessage(t, sub)
	if subject != SubjectVoiceFinal || msg.Text != "turn on the lights" || msg.SessionID != "v1" {
		t.Errorf("voice final = %s %+v", subject, msg)
	}

	dict <- dictation.Notification{Kind: dictation.NotifyTranscript, Text: "skipped"}
	dict <- dictation.Notification{SessionID: "d1", Kind: dictation.NotifyFinal, Text: "note", Reason: dictation.EndSilence}
	subject, msg = nextMessage(t, sub)
	if subject != SubjectDictationFinal || msg.Text != "note" || msg.Reason != "silence" {
		t.Errorf("dictation final = %s %+v", subject, msg)
	}

	close(voice)
	close(dict)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after both channels closed")
	}
}

func TestPublisher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	_, c := startBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewPublisher(c).Run(ctx, make(chan pipeline.Notification), nil)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

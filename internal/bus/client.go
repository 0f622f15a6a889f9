// Package bus publishes voice pipeline and dictation events on NATS so that
// downstream consumers (an intent router, a UI) can react to transcripts
// without polling the HTTP API.
//
// Subjects:
//
//	athena.voice.partial    partial transcript of the listening pipeline
//	athena.voice.final      final transcript of the listening pipeline
//	athena.voice.silence    silence detected while listening
//	athena.voice.state      pipeline state changes
//	athena.dictation.final  final transcript of a dictation session
//
// Every payload is a JSON-encoded [Message].
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/athena/internal/config"
)

// ErrNotConnected is returned by [Client.Check] when the connection is not
// currently usable.
var ErrNotConnected = errors.New("bus: not connected")

// Client wraps a NATS connection.
type Client struct {
	conn *nats.Conn
}

// Connect dials url using the credentials and timeouts from cfg. The
// connection reconnects indefinitely after the initial dial succeeds.
func Connect(ctx context.Context, url string, cfg config.BusConfig) (*Client, error) {
	if url == "" {
		return nil, errors.New("bus: no server URL")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout <= 0 || left < timeout {
			timeout = left
		}
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("bus: disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("bus: reconnected", "url", c.ConnectedUrl())
		}),
	}
	if timeout > 0 {
		opts = append(opts, nats.Timeout(timeout))
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to %s: %w", url, err)
	}
	slog.Info("bus: connected", "url", conn.ConnectedUrl())
	return &Client{conn: conn}, nil
}

// Conn exposes the underlying connection.
func (c *Client) Conn() *nats.Conn { return c.conn }

// Check reports whether the connection is up. It matches the readiness
// checker signature.
func (c *Client) Check(ctx context.Context) error {
	if c == nil || c.conn == nil || c.conn.Status() != nats.CONNECTED {
		return ErrNotConnected
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("bus: flush: %w", err)
	}
	return nil
}

// Close drains pending publishes and closes the connection. Safe on nil.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		slog.Warn("bus: drain failed", "err", err)
		c.conn.Close()
	}
}

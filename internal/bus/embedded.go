package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// embeddedReadyTimeout bounds how long StartEmbedded waits for the server to
// accept connections.
const embeddedReadyTimeout = 5 * time.Second

// EmbeddedServer is an in-process NATS server for single-binary deployments
// and tests.
type EmbeddedServer struct {
	ns *server.Server
}

// StartEmbedded starts a NATS server on the loopback interface. A port of 0
// picks a free port; use [EmbeddedServer.ClientURL] to connect.
func StartEmbedded(port int) (*EmbeddedServer, error) {
	if port == 0 {
		port = server.RANDOM_PORT
	}
	opts := &server.Options{
		ServerName: "athena-embedded",
		Host:       "127.0.0.1",
		Port:       port,
		NoLog:      true,
		NoSigs:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("bus: create embedded server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(embeddedReadyTimeout) {
		ns.Shutdown()
		return nil, errors.New("bus: embedded server not ready within 5s")
	}

	slog.Info("bus: embedded NATS server started", "url", ns.ClientURL())
	return &EmbeddedServer{ns: ns}, nil
}

// ClientURL returns the nats:// URL clients connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit. Safe on nil.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	slog.Info("bus: shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}

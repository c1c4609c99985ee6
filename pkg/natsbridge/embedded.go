package natsbridge

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer runs an in-process NATS server with JetStream enabled,
// for examples and tests that should not depend on an external broker.
type EmbeddedServer struct {
	srv  *server.Server
	url  string
	once sync.Once
}

// StartEmbedded starts an embedded server on a random localhost port.
// storeDir holds the JetStream state; pass a temp directory in tests. An
// empty storeDir lets the server pick its own.
func StartEmbedded(storeDir string) (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded server not ready")
	}

	return &EmbeddedServer{srv: srv, url: srv.ClientURL()}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string { return e.url }

// Connect opens a client connection to the embedded server.
func (e *EmbeddedServer) Connect() (*nats.Conn, error) {
	return nats.Connect(e.url)
}

// Shutdown stops the server and waits for it to wind down, giving up
// after five seconds. Safe to call more than once.
func (e *EmbeddedServer) Shutdown() {
	e.once.Do(func() {
		e.srv.Shutdown()

		done := make(chan struct{})
		go func() {
			e.srv.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			slog.Warn("embedded NATS server shutdown timed out")
		}
	})
}

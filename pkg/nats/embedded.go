package nats

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer wraps an in-process NATS server with JetStream enabled.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	storeDir     string
	ownsStoreDir bool
	logger       *slog.Logger
	shutdownOnce sync.Once
}

type serverConfig struct {
	host         string
	port         int
	storeDir     string
	readyTimeout time.Duration
	logger       *slog.Logger
}

// ServerOption configures the embedded server.
type ServerOption func(*serverConfig)

// WithPort sets the client port. The default picks a random free port.
func WithPort(port int) ServerOption {
	return func(c *serverConfig) {
		c.port = port
	}
}

// WithStoreDir sets the JetStream storage directory. The default is a fresh
// temporary directory removed on Shutdown.
func WithStoreDir(dir string) ServerOption {
	return func(c *serverConfig) {
		c.storeDir = dir
	}
}

// WithReadyTimeout bounds how long StartEmbeddedServer waits for the server.
func WithReadyTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		if d > 0 {
			c.readyTimeout = d
		}
	}
}

// WithServerLogger sets the logger used for server lifecycle messages.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(c *serverConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// StartEmbeddedServer starts an embedded NATS server with JetStream enabled.
func StartEmbeddedServer(opts ...ServerOption) (*EmbeddedServer, error) {
	config := serverConfig{
		host:         "127.0.0.1",
		port:         server.RANDOM_PORT,
		readyTimeout: 5 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&config)
	}

	ownsStoreDir := false
	if config.storeDir == "" {
		dir, err := os.MkdirTemp("", "eventlane-nats-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create jetstream store dir: %w", err)
		}
		config.storeDir = dir
		ownsStoreDir = true
	}

	s, err := server.NewServer(&server.Options{
		Host:      config.host,
		Port:      config.port,
		JetStream: true,
		StoreDir:  config.storeDir,
		NoSigs:    true,
	})
	if err != nil {
		if ownsStoreDir {
			_ = os.RemoveAll(config.storeDir)
		}
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(config.readyTimeout) {
		s.Shutdown()
		if ownsStoreDir {
			_ = os.RemoveAll(config.storeDir)
		}
		return nil, fmt.Errorf("embedded server not ready after %s", config.readyTimeout)
	}

	return &EmbeddedServer{
		server:       s,
		url:          s.ClientURL(),
		storeDir:     config.storeDir,
		ownsStoreDir: ownsStoreDir,
		logger:       config.logger,
	}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Connect opens a plain client connection to the server.
func (e *EmbeddedServer) Connect() (*nats.Conn, error) {
	return nats.Connect(e.url)
}

// Shutdown stops the server and removes a temporary store directory.
// Safe to call multiple times.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			e.logger.Warn("nats server shutdown timed out", slog.String("url", e.url))
		}

		if e.ownsStoreDir {
			if err := os.RemoveAll(e.storeDir); err != nil {
				e.logger.Warn("failed to remove jetstream store dir",
					slog.String("dir", e.storeDir),
					slog.String("error", err.Error()),
				)
			}
		}
	})
}

// Package natsclient provides a thin wrapper around a NATS connection
// with retry-based connect and structured logging of connection events.
package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/joakimbrandstrom/OPC-UA-Sim/errors"
	"github.com/joakimbrandstrom/OPC-UA-Sim/pkg/retry"
)

// Client manages one NATS connection for the process. Reconnects after
// a successful initial connect are delegated to the NATS client
// library; the wrapper only logs them.
type Client struct {
	url    string
	name   string
	logger *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
}

// NewClient creates a client for the given NATS URL.
func NewClient(url, name string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default().With("component", "natsclient")
	}
	return &Client{url: url, name: name, logger: logger}
}

// URL returns the configured NATS URL.
func (c *Client) URL() string { return c.url }

// Connect establishes the NATS connection, retrying transient failures
// with backoff until ctx is cancelled or the attempts run out.
func (c *Client) Connect(ctx context.Context) error {
	if c.url == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Client", "Connect", "NATS URL")
	}

	opts := []nats.Option{
		nats.Name(c.name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("NATS disconnected", "url", c.url, "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Info("NATS connection closed", "url", c.url)
		}),
	}

	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		conn, err := nats.Connect(c.url, opts...)
		if err != nil {
			c.logger.Warn("NATS connect attempt failed", "url", c.url, "error", err)
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "connect to "+c.url)
	}

	c.logger.Info("NATS connected", "url", c.url)
	return nil
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Publish sends data on subject. Fails fast when the connection is
// down; the caller decides whether the message matters.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "Publish", "publish to "+subject)
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+subject)
	}
	return nil
}

// Close drains the connection, falling back to a hard close when the
// drain does not finish in time.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		if err := conn.Drain(); err != nil {
			c.logger.Warn("NATS drain failed", "error", err)
		}
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		conn.Close()
	}
	return nil
}

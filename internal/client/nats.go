package client

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
)

// NATSClient is a thin wrapper over a NATS connection used for
// fire-and-forget event publishing.
type NATSClient struct {
	conn *nats.Conn
}

// NewNATSClient connects to the NATS server at url.
func NewNATSClient(url string) (*NATSClient, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to connect to NATS")
	}
	return &NATSClient{conn: conn}, nil
}

// Publish sends data to the given subject.
func (c *NATSClient) Publish(_ context.Context, subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Close drains and closes the connection.
func (c *NATSClient) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}

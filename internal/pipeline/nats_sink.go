package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/web3ekko/ekko-explain/pkg/events"
	"go.uber.org/zap"
)

// NATSSink publishes result events to a NATS JetStream subject
type NATSSink struct {
	conn      *nats.Conn
	js        nats.JetStreamContext
	stream    string
	subject   string
	owned     bool
	connected bool
	logger    *zap.Logger
}

// NewNATSSink connects to url and creates the stream when it is missing
func NewNATSSink(url, stream, subject string, logger *zap.Logger) (*NATSSink, error) {
	// Set default URL if not provided
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	s, err := NewNATSSinkFromConn(conn, stream, subject, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewNATSSinkFromConn wraps an existing connection. Close leaves it open.
func NewNATSSinkFromConn(conn *nats.Conn, stream, subject string, logger *zap.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.StreamInfo(stream); err != nil {
		logger.Info("creating stream", zap.String("stream", stream), zap.String("subject", subject))
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{subject},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	return &NATSSink{
		conn:      conn,
		js:        js,
		stream:    stream,
		subject:   subject,
		connected: true,
		logger:    logger,
	}, nil
}

// Publish implements events.Publisher. The event id doubles as the JetStream
// message id so redelivered publishes are deduplicated.
func (s *NATSSink) Publish(ctx context.Context, event events.ResultEvent) error {
	if !s.connected {
		return fmt.Errorf("NATS connection is closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := s.js.Publish(s.subject, data, nats.Context(ctx), nats.MsgId(event.EventID)); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	s.logger.Debug("published result event",
		zap.String("tx_hash", event.TxHash),
		zap.String("network", event.Network),
		zap.String("kind", event.Kind))
	return nil
}

// Close closes the NATS connection when the sink opened it
func (s *NATSSink) Close() error {
	s.connected = false
	if s.owned && s.conn != nil {
		s.conn.Close()
	}
	return nil
}

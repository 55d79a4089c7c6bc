// Package reporting publishes review results over NATS so downstream
// consumers (dashboards, chat bots, audit pipelines) can subscribe without
// coupling to the daemon. Publishing is fire-and-forget; a missing broker
// never blocks a review.
package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// Publisher sends review records to the configured channel.
type Publisher interface {
	workflow.Reporter

	// Close drains the connection.
	Close() error
}

// Config configures the NATS publisher.
type Config struct {
	// URL is the broker address (default: nats.DefaultURL).
	URL string `koanf:"url"`

	// SubjectPrefix namespaces published subjects (default: "reviewd").
	SubjectPrefix string `koanf:"subject_prefix"`

	// Name identifies this client to the broker.
	Name string `koanf:"name"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "reviewd",
		Name:          "reviewd",
	}
}

// natsPublisher publishes over a NATS connection.
type natsPublisher struct {
	conn    *nats.Conn
	prefix  string
	logger  *zap.Logger
	ownConn bool
}

// NewPublisher connects to the broker and returns a publisher.
func NewPublisher(cfg *Config, logger *zap.Logger) (Publisher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	return &natsPublisher{
		conn:    conn,
		prefix:  cfg.SubjectPrefix,
		logger:  logger,
		ownConn: true,
	}, nil
}

// NewPublisherWithConn wraps an existing connection; Close leaves it open.
func NewPublisherWithConn(conn *nats.Conn, prefix string, logger *zap.Logger) (Publisher, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = "reviewd"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &natsPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// PublishReview emits the execution summary on <prefix>.reviews.<status>.
func (p *natsPublisher) PublishReview(ctx context.Context, exec *workflow.Execution) error {
	if exec == nil {
		return errors.New("execution is required")
	}

	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode review: %w", err)
	}

	subject := fmt.Sprintf("%s.reviews.%s", p.prefix, exec.Status)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish review on %s: %w", subject, err)
	}

	p.logger.Debug("review published",
		zap.String("subject", subject),
		zap.String("workflow_id", exec.ID))
	return nil
}

// Close flushes pending messages and drops the connection if owned.
func (p *natsPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Flush(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		p.logger.Warn("failed to flush NATS connection", zap.Error(err))
	}
	if p.ownConn {
		p.conn.Close()
	}
	return nil
}

// NoopPublisher drops every record, for deployments without a broker.
type NoopPublisher struct{}

func (NoopPublisher) PublishReview(ctx context.Context, exec *workflow.Execution) error { return nil }

func (NoopPublisher) Close() error { return nil }

var (
	_ Publisher = (*natsPublisher)(nil)
	_ Publisher = NoopPublisher{}
)

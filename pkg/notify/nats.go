package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/entrhq/consolepilot/pkg/logging"
)

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL string `yaml:"url"`
	// SubjectPrefix is prepended to "<channel>.<event>".
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	Timeout       time.Duration `yaml:"timeout"`
	PingInterval  time.Duration `yaml:"ping_interval"`
}

func (c *NATSConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 20 * time.Second
	}
}

// NATSPublisher publishes JSON events to NATS subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	config NATSConfig
	logger *logging.Logger
}

// NewNATSPublisher connects to the server in cfg.URL.
func NewNATSPublisher(cfg NATSConfig, logger *logging.Logger) (*NATSPublisher, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}

	opts := []nats.Option{
		nats.Name("consolepilot"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("Reconnected to NATS: %s", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("Disconnected from NATS: %v", err)
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Infof("Connected to NATS at %s", conn.ConnectedUrl())

	return &NATSPublisher{conn: conn, config: cfg, logger: logger}, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(channel, event string) string {
	parts := make([]string, 0, 3)
	if p.config.SubjectPrefix != "" {
		parts = append(parts, p.config.SubjectPrefix)
	}
	return strings.Join(append(parts, channel, event), ".")
}

func (p *NATSPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", channel, event, err)
	}

	subject := p.Subject(channel, event)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	timeout := p.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := p.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("failed to flush after publish: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warnf("Error draining NATS connection: %v", err)
		p.conn.Close()
		return err
	}
	return nil
}

// Package notify delivers batch progress events to operators.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/entrhq/consolepilot/pkg/logging"
)

// Channel and event names used by the batch executor.
const (
	ChannelTurnOff    = "turn_off"
	EventStatusUpdate = "status-update"
)

// StatusUpdate is the payload of a status-update event.
type StatusUpdate struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Publisher sends one event. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) error { return nil }
func (Nop) Close() error                                        { return nil }

// LogPublisher writes events to a logger at debug level.
type LogPublisher struct {
	logger *logging.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", channel, event, err)
	}
	p.logger.Debugf("%s/%s %s", channel, event, data)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Multi fans out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, channel, event string, payload any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, channel, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

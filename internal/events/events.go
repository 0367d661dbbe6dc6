// Package events publishes conversation lifecycle events to NATS.
//
// Events are informational. A failed publish never changes conversation
// state; callers log the error and move on.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Type identifies a lifecycle event.
type Type string

const (
	TypeInputDropped          Type = "input.dropped"
	TypeGovernanceStopped     Type = "governance.stopped"
	TypeToolExecuted          Type = "tool.executed"
	TypeConversationEnded     Type = "conversation.ended"
	TypeConversationFinished  Type = "conversation.finished"
	TypeConversationContinued Type = "conversation.continued"
	TypeGoalChanged           Type = "goal.changed"
)

// SubjectPrefix is the root of every event subject.
const SubjectPrefix = "agent.conversations"

// Event is a single lifecycle notification.
type Event struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Type           Type           `json:"type"`
	Data           map[string]any `json:"data,omitempty"`
	At             time.Time      `json:"at"`
}

// NewEvent builds an event with a fresh ID.
func NewEvent(conversationID string, typ Type, data map[string]any, at time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Type:           typ,
		Data:           data,
		At:             at.UTC(),
	}
}

// Subject returns the NATS subject the event is published on.
func (e Event) Subject() string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, e.ConversationID, e.Type)
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// NATSPublisher publishes events as JSON on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	owned  bool
	logger *zap.Logger
}

// NewNATSPublisher wraps an existing connection. The caller keeps ownership.
func NewNATSPublisher(nc *nats.Conn, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, logger: logger}
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, logger)
	p.owned = true
	p.logger.Info("Connected to NATS", zap.String("url", url))
	return p, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ConversationID == "" {
		return errors.New("event missing conversation id")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	if err := p.nc.Publish(e.Subject(), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	p.logger.Debug("event published",
		zap.String("subject", e.Subject()),
		zap.String("event_id", e.ID),
	)
	return nil
}

// Close drains the connection if the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the typed wrapper every event travels in. The payload stays raw
// until a handler decodes it into its event type.
type Envelope struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Data          json.RawMessage   `json:"data"`
}

// NewEnvelope wraps a payload for publication.
func NewEnvelope(topic string, payload any, metadata map[string]string) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
		Data:      data,
	}
	if metadata != nil {
		env.CorrelationID = metadata["correlationId"]
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Topic, err)
	}
	return nil
}

// Publisher sends events outbound. A publish failure must surface as an error
// so the caller's unit of work is not committed without its side effects.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, metadata map[string]string) error
}

// Handler processes one inbound event. Delivery is at least once; handlers
// must tolerate duplicates.
type Handler func(ctx context.Context, env Envelope) error

// DeliveryError marks a failed delivery as retriable by the transport.
type DeliveryError struct {
	Topic string
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s: %v", e.Topic, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Dispatcher routes inbound envelopes to exactly one handler per topic.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a topic to its handler. Re-registering a topic replaces the
// previous handler.
func (d *Dispatcher) Register(topic string, h Handler) {
	d.handlers[topic] = h
}

// Topics lists the registered topics.
func (d *Dispatcher) Topics() []string {
	topics := make([]string, 0, len(d.handlers))
	for topic := range d.handlers {
		topics = append(topics, topic)
	}
	return topics
}

// Dispatch delivers the envelope to its topic handler. Handler failure comes
// back wrapped in a DeliveryError so the transport can nack and let the
// broker redeliver. An unknown topic is an error: subscriptions and handlers
// are wired together, so a mismatch is a configuration bug.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) error {
	h, ok := d.handlers[env.Topic]
	if !ok {
		return fmt.Errorf("no handler registered for topic %s", env.Topic)
	}
	if err := h(ctx, env); err != nil {
		return &DeliveryError{Topic: env.Topic, Err: err}
	}
	return nil
}

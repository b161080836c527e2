package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/flowdeploy-go/pkg/metrics"
)

type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	AggregateID   string                 `json:"aggregateId"`
	AggregateType string                 `json:"aggregateType"`
	Timestamp     time.Time              `json:"timestamp"`
	UserID        string                 `json:"userId,omitempty"`
	Version       int                    `json:"version"`
	Payload       map[string]interface{} `json:"payload"`
	Metadata      EventMetadata          `json:"metadata"`
}

type EventMetadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
	TraceID       string `json:"traceId,omitempty"`
	SpanID        string `json:"spanId,omitempty"`
}

// Publisher is the write side of the bus. The deployment and auth services
// only ever publish.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// messageWriter is the subset of *kafka.Writer the bus needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaEventBus struct {
	config KafkaConfig
	writer messageWriter
}

func NewKafkaEventBus(config KafkaConfig) (*KafkaEventBus, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return &KafkaEventBus{
		config: config,
		writer: writer,
	}, nil
}

func (k *KafkaEventBus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Keyed by aggregate so every event of one execution lands on the same
	// partition.
	msg := kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "trace-id", Value: []byte(event.Metadata.TraceID)},
			{Key: "correlation-id", Value: []byte(event.Metadata.CorrelationID)},
		},
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	return nil
}

func (k *KafkaEventBus) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// NewPublisher returns a Kafka bus, or a NopPublisher when no brokers are
// configured.
func NewPublisher(config KafkaConfig) (Publisher, error) {
	if len(config.Brokers) == 0 {
		return NopPublisher{}, nil
	}
	bus, err := NewKafkaEventBus(config)
	if err != nil {
		return nil, err
	}
	return bus, nil
}

// NopPublisher drops every event. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

type EventBuilder struct {
	event Event
}

func NewEventBuilder(eventType string) *EventBuilder {
	return &EventBuilder{
		event: Event{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Version:   1,
			Payload:   make(map[string]interface{}),
		},
	}
}

func (b *EventBuilder) WithAggregateID(id string) *EventBuilder {
	b.event.AggregateID = id
	return b
}

func (b *EventBuilder) WithAggregateType(aggregateType string) *EventBuilder {
	b.event.AggregateType = aggregateType
	return b
}

func (b *EventBuilder) WithUserID(userID string) *EventBuilder {
	b.event.UserID = userID
	return b
}

func (b *EventBuilder) WithPayload(key string, value interface{}) *EventBuilder {
	b.event.Payload[key] = value
	return b
}

func (b *EventBuilder) WithCorrelationID(id string) *EventBuilder {
	b.event.Metadata.CorrelationID = id
	return b
}

func (b *EventBuilder) WithTrace(traceID, spanID string) *EventBuilder {
	b.event.Metadata.TraceID = traceID
	b.event.Metadata.SpanID = spanID
	return b
}

func (b *EventBuilder) Build() Event {
	return b.event
}

const (
	// Deployment events
	DeploymentCreated     = "deployment.created"
	DeploymentActivated   = "deployment.activated"
	DeploymentDeactivated = "deployment.deactivated"
	DeploymentDeleted     = "deployment.deleted"
	APIKeyCreated         = "deployment.api_key.created"
	APIKeyRevoked         = "deployment.api_key.revoked"

	// Execution events
	ExecutionCompleted = "deployment.execution.completed"
	ExecutionFailed    = "deployment.execution.failed"

	// Auth events
	UserLoggedIn            = "user.logged_in"
	UserLoggedOut           = "user.logged_out"
	UserRoleAdded           = "user.role_added"
	UserRoleRemoved         = "user.role_removed"
	DefaultCredentialsReset = "user.default_credentials_updated"
)

package broker

import (
	"context"
	"time"

	"liminal/internal/message"
	"liminal/pkg/retry"
)

type Producer interface {
	Publish(ctx context.Context, topic string, msg message.Message) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, handler HandlerFunc) error
	Close() error
}

// Record is one message read from the broker.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

type HandlerFunc func(ctx context.Context, rec Record) error

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	DLQTopic string
	Retry    retry.Policy
}

// Envelope is the wire form of a message on the broker.
type Envelope struct {
	ID            string                 `json:"id"`
	Source        string                 `json:"source"`
	Topic         string                 `json:"topic"`
	Payload       map[string]interface{} `json:"payload"`
	IngestionTime time.Time              `json:"ingestion_time"`
	EventTime     *time.Time             `json:"event_time,omitempty"`
	SequenceID    *uint64                `json:"sequence_id,omitempty"`
	DLQReason     string                 `json:"dlq_reason,omitempty"`
}

func NewEnvelope(msg message.Message) Envelope {
	return Envelope{
		ID:            msg.ID,
		Source:        msg.Source,
		Topic:         msg.Topic,
		Payload:       msg.Payload,
		IngestionTime: msg.IngestionTime,
		EventTime:     msg.EventTime,
		SequenceID:    msg.SequenceID,
	}
}

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"liminal/internal/constants"
	"liminal/internal/logger"
	"liminal/internal/message"
	"liminal/pkg/errors"
	"liminal/pkg/jsoncodec"
	"liminal/pkg/logging"
	"liminal/pkg/metrics"
	"liminal/pkg/retry"
	"liminal/pkg/tracing"
)

type KafkaProducer struct {
	stage  string
	writer *kafka.Writer
	logger logger.Logger
}

func NewKafkaProducer(stage string, cfg KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return &KafkaProducer{stage: stage, writer: w, logger: log}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, msg message.Message) error {
	return p.publish(ctx, topic, NewEnvelope(msg))
}

func (p *KafkaProducer) publish(ctx context.Context, topic string, envelope Envelope) error {
	body, err := jsoncodec.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, span := tracing.StartStageSpan(ctx, p.stage, "kafka.produce")
	headers := tracing.InjectTraceContext(ctx, []kafka.Header{
		{Key: "liminal-source", Value: []byte(envelope.Source)},
	})

	err = p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     []byte(envelope.ID),
			Value:   body,
			Headers: headers,
			Time:    envelope.IngestionTime,
		},
	)
	tracing.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.IncKafkaMessagesWritten(p.stage, topic)
	metrics.ObserveKafkaMessageSize(p.stage, topic, "out", len(body))
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumer struct {
	stage       string
	cfg         KafkaConfig
	wg          sync.WaitGroup
	mu          sync.Mutex
	reader      *kafka.Reader
	logger      logger.Logger
	dlqProducer *KafkaProducer
}

func NewKafkaConsumer(stage string, cfg KafkaConfig, log logger.Logger) *KafkaConsumer {
	consumer := &KafkaConsumer{
		stage:  stage,
		cfg:    cfg,
		logger: log,
	}

	if cfg.DLQTopic != "" {
		consumer.dlqProducer = NewKafkaProducer(stage, cfg, log)
	}

	return consumer
}

// Consume reads records and hands them to handler until ctx ends. Records
// are committed once handled, retried, or parked on the dead letter topic.
func (c *KafkaConsumer) Consume(ctx context.Context, handler HandlerFunc) error {
	topic := c.cfg.Topic
	c.logger.InfowCtx(ctx, "Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
	)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		GroupID:  c.cfg.GroupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()

	c.wg.Add(1)
	defer c.wg.Done()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfowCtx(ctx, "Stopped consuming",
					"topic", topic,
					"reason", "context canceled",
				)
				return ctx.Err()
			}
			c.logger.ErrorwCtx(ctx, "Error fetching kafka message",
				"error", err,
				"topic", topic,
			)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		metrics.IncKafkaMessagesRead(c.stage, m.Topic)
		metrics.ObserveKafkaMessageSize(c.stage, m.Topic, "in", len(m.Value))
		if m.HighWaterMark > 0 {
			metrics.SetKafkaConsumerLag(c.stage, m.Topic, m.Partition, m.HighWaterMark-m.Offset-1)
		}

		c.handle(ctx, reader, m, handler)
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, reader *kafka.Reader, m kafka.Message, handler HandlerFunc) {
	msgCtx, span := tracing.StartSpanFromKafkaMessage(ctx, "kafka.consume", m.Headers)
	defer span.End()
	msgCtx = logging.WithMessageID(msgCtx, string(m.Key))

	rec := Record{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Time:      m.Time,
	}

	if err := c.processWithRetry(msgCtx, rec, handler); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.ErrorwCtx(msgCtx, "Failed to process message after retries",
			"error", err,
			"topic", m.Topic,
		)
		if c.dlqProducer != nil {
			if dlqErr := c.sendToDLQ(msgCtx, rec, err); dlqErr != nil {
				c.logger.ErrorwCtx(msgCtx, "Failed to send message to DLQ",
					"error", dlqErr,
					"topic", m.Topic,
				)
			}
		} else {
			c.logger.WarnwCtx(msgCtx, "No DLQ configured, committing message to avoid blocking",
				"topic", m.Topic,
			)
		}
	}

	if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to commit message",
			"error", err,
			"topic", m.Topic,
		)
	}
}

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()

	var err error
	if reader != nil {
		err = reader.Close()
	}
	if c.dlqProducer != nil {
		if closeErr := c.dlqProducer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.wg.Wait()
	return err
}

func (c *KafkaConsumer) processWithRetry(ctx context.Context, rec Record, handler HandlerFunc) error {
	policy := c.cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}

	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = retry.NewFatalError(errors.RecoverPanic(r))
				c.logger.ErrorwCtx(ctx, "Panic recovered during message processing",
					"error", err,
					"topic", rec.Topic,
				)
			}
		}()
		return handler(ctx, rec)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.IncRetryAttempt(c.stage, "kafka_consume")
		c.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", rec.Topic,
		)
	})
}

func (c *KafkaConsumer) sendToDLQ(ctx context.Context, rec Record, originalErr error) error {
	envelope := Envelope{
		ID:            string(rec.Key),
		Source:        c.stage,
		Topic:         rec.Topic,
		Payload:       jsoncodec.DecodeDocument(rec.Value),
		IngestionTime: time.Now(),
		DLQReason:     originalErr.Error(),
	}

	if err := c.dlqProducer.publish(ctx, c.cfg.DLQTopic, envelope); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	metrics.IncDLQMessages(c.stage, rec.Topic, "max_retries_exceeded")
	c.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", rec.Topic,
		"dlq_topic", c.cfg.DLQTopic,
		"reason", originalErr.Error(),
	)

	return nil
}

// DecodeRecord turns a record value into a payload. Values written by a
// liminal kafka output carry the full envelope; only its payload and event
// time are kept. Anything else is decoded as a plain document.
func DecodeRecord(rec Record) (map[string]interface{}, time.Time) {
	var envelope Envelope
	if err := jsoncodec.Unmarshal(rec.Value, &envelope); err == nil && envelope.Payload != nil && !envelope.IngestionTime.IsZero() {
		if envelope.EventTime != nil {
			return envelope.Payload, *envelope.EventTime
		}
		return envelope.Payload, rec.Time
	}
	return jsoncodec.DecodeDocument(rec.Value), rec.Time
}

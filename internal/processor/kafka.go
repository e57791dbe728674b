package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"liminal/internal/broker"
	"liminal/internal/logger"
	"liminal/internal/message"
	"liminal/internal/stage"
	"liminal/pkg/jsoncodec"
	"liminal/pkg/retry"
)

type kafkaParams struct {
	Brokers    []string `mapstructure:"brokers"`
	Topic      string   `mapstructure:"topic"`
	GroupID    string   `mapstructure:"group_id"`
	DLQTopic   string   `mapstructure:"dlq_topic"`
	StrictJSON bool     `mapstructure:"strict_json"`
	BufferSize int      `mapstructure:"buffer_size"`
}

func parseKafkaParams(raw map[string]interface{}) (kafkaParams, error) {
	p := kafkaParams{BufferSize: 128}
	if err := decodeParams(raw, &p); err != nil {
		return p, err
	}
	if len(p.Brokers) == 0 {
		return p, fmt.Errorf("parameter brokers is required")
	}
	if err := required("topic", p.Topic); err != nil {
		return p, err
	}
	if p.BufferSize <= 0 {
		return p, fmt.Errorf("buffer_size must be positive, got %d", p.BufferSize)
	}
	return p, nil
}

func (p kafkaParams) config(policy retry.Policy) broker.KafkaConfig {
	return broker.KafkaConfig{
		Brokers:  p.Brokers,
		Topic:    p.Topic,
		GroupID:  p.GroupID,
		DLQTopic: p.DLQTopic,
		Retry:    policy,
	}
}

// kafkaInput runs the broker consumer on its own goroutine. Records are
// committed once queued for the stage.
type kafkaInput struct {
	params   kafkaParams
	consumer broker.Consumer
	logger   logger.Logger
	records  chan broker.Record

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newKafkaInput(spec Spec, deps Deps) (stage.Processor, error) {
	p, err := parseKafkaParams(spec.Config.Parameters)
	if err != nil {
		return nil, err
	}
	if p.GroupID == "" {
		p.GroupID = "liminal-" + spec.Name
	}
	consumer, err := broker.NewConsumer(broker.TypeKafka, spec.Name, p.config(deps.Retry), deps.Logger)
	if err != nil {
		return nil, err
	}
	return &kafkaInput{
		params:   p,
		consumer: consumer,
		logger:   deps.Logger,
		records:  make(chan broker.Record, p.BufferSize),
	}, nil
}

func (k *kafkaInput) Init(ctx context.Context, _ *stage.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer close(k.records)
		if err := k.consumer.Consume(runCtx, k.enqueue); err != nil && runCtx.Err() == nil {
			k.logger.ErrorwCtx(runCtx, "Kafka consumer stopped", "topic", k.params.Topic, "error", err)
		}
	}()
	return nil
}

func (k *kafkaInput) enqueue(ctx context.Context, rec broker.Record) error {
	if k.params.StrictJSON && !jsoncodec.Valid(rec.Value) {
		return retry.NewFatalError(fmt.Errorf("record at offset %d is not valid JSON", rec.Offset))
	}
	select {
	case k.records <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *kafkaInput) Process(ctx context.Context, pctx *stage.Context) error {
	waitCtx, cancel := pctx.Bounded(ctx)
	defer cancel()

	select {
	case rec, ok := <-k.records:
		if !ok {
			return stage.ErrInputsExhausted
		}
		payload, captured := broker.DecodeRecord(rec)
		return pctx.Emit(ctx, pctx.Stamp(payload, captured))
	case <-waitCtx.Done():
		return pctx.Idle(ctx, waitCtx.Err())
	}
}

func (k *kafkaInput) Close(_ context.Context) error {
	if k.cancel != nil {
		k.cancel()
	}
	err := k.consumer.Close()
	k.wg.Wait()
	return err
}

type kafkaOutput struct {
	topic    string
	producer broker.Producer
}

func newKafkaOutput(spec Spec, deps Deps) (stage.Processor, error) {
	p, err := parseKafkaParams(spec.Config.Parameters)
	if err != nil {
		return nil, err
	}
	if p.GroupID != "" || p.DLQTopic != "" || p.StrictJSON {
		return nil, fmt.Errorf("group_id, dlq_topic and strict_json only apply to kafka inputs")
	}
	producer, err := broker.NewProducer(broker.TypeKafka, spec.Name, p.config(deps.Retry), deps.Logger)
	if err != nil {
		return nil, err
	}
	w := &kafkaOutput{topic: p.Topic, producer: producer}
	return newSink(string(KindKafka), w, newGuard(spec, deps, "kafka.produce")), nil
}

func (k *kafkaOutput) write(ctx context.Context, msg message.Message) error {
	writeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return k.producer.Publish(writeCtx, k.topic, msg)
}

func (k *kafkaOutput) Close(_ context.Context) error {
	return k.producer.Close()
}

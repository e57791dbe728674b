package processor

import (
	"context"
	"fmt"
	"io"
	"time"

	"liminal/internal/logger"
	"liminal/internal/message"
	"liminal/internal/stage"
	"liminal/pkg/jsoncodec"
)

// console prints one line per message to stdout.
type console struct {
	name string
	out  io.Writer
}

func newConsole(spec Spec, deps Deps) (stage.Processor, error) {
	if err := decodeParams(spec.Config.Parameters, &struct{}{}); err != nil {
		return nil, err
	}
	return newSink(string(KindConsole), &console{name: spec.Name, out: deps.Stdout}, nil), nil
}

func (c *console) write(_ context.Context, msg message.Message) error {
	payload, err := jsoncodec.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "%s => source=%s topic=%s event_time=%s ingestion_time=%s sequence_id=%s payload=%s\n",
		c.name,
		msg.Source,
		msg.Topic,
		formatTime(msg.EventTime),
		msg.IngestionTime.Format(time.RFC3339Nano),
		formatSequence(msg.SequenceID),
		payload,
	)
	return err
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339Nano)
}

func formatSequence(seq *uint64) string {
	if seq == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *seq)
}

type logParams struct {
	Level string `mapstructure:"level"`
}

// logSink writes every message to the process logger.
type logSink struct {
	level  string
	logger logger.Logger
}

func newLog(spec Spec, deps Deps) (stage.Processor, error) {
	p := logParams{Level: "info"}
	if err := decodeParams(spec.Config.Parameters, &p); err != nil {
		return nil, err
	}
	if err := oneOf("level", p.Level, "debug", "info", "warn", "error"); err != nil {
		return nil, err
	}
	return newSink(string(KindLog), &logSink{level: p.Level, logger: deps.Logger}, nil), nil
}

func (l *logSink) write(ctx context.Context, msg message.Message) error {
	log := l.logger.InfowCtx
	switch l.level {
	case "debug":
		log = l.logger.DebugwCtx
	case "warn":
		log = l.logger.WarnwCtx
	case "error":
		log = l.logger.ErrorwCtx
	}
	log(ctx, "Message received",
		"message_id", msg.ID,
		"source", msg.Source,
		"topic", msg.Topic,
		"event_time", formatTime(msg.EventTime),
		"ingestion_time", msg.IngestionTime,
		"sequence_id", formatSequence(msg.SequenceID),
		"payload", msg.Payload,
	)
	return nil
}

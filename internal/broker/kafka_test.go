package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liminal/internal/logger"
	"liminal/internal/message"
	"liminal/pkg/jsoncodec"
)

func TestDecodeRecord(t *testing.T) {
	recordTime := time.UnixMilli(5_000).UTC()
	eventTime := time.UnixMilli(4_000).UTC()

	msg := message.New("sensor", "raw", map[string]interface{}{"value": 1.5}, time.UnixMilli(4_500)).WithEventTime(eventTime)
	envelope, err := jsoncodec.Marshal(NewEnvelope(msg))
	require.NoError(t, err)

	tests := []struct {
		name        string
		value       []byte
		wantPayload map[string]interface{}
		wantTime    time.Time
	}{
		{
			name:        "liminal envelope keeps payload and event time",
			value:       envelope,
			wantPayload: map[string]interface{}{"value": 1.5},
			wantTime:    eventTime,
		},
		{
			name:        "plain document",
			value:       []byte(`{"temperature": 21.5}`),
			wantPayload: map[string]interface{}{"temperature": 21.5},
			wantTime:    recordTime,
		},
		{
			name:        "not json",
			value:       []byte("hello"),
			wantPayload: map[string]interface{}{"raw": "hello"},
			wantTime:    recordTime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, ts := DecodeRecord(Record{Value: tt.value, Time: recordTime})
			assert.Equal(t, tt.wantPayload, payload)
			assert.True(t, tt.wantTime.Equal(ts), "got %v", ts)
		})
	}
}

func TestFactoryRejectsUnknownType(t *testing.T) {
	_, err := NewProducer("nats", "out", KafkaConfig{}, logger.NopLogger())
	assert.Error(t, err)

	_, err = NewConsumer("nats", "in", KafkaConfig{}, logger.NopLogger())
	assert.Error(t, err)

	p, err := NewProducer(TypeKafka, "out", KafkaConfig{Brokers: []string{"localhost:9092"}}, logger.NopLogger())
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

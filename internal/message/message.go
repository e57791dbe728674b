package message

import (
	"time"

	"liminal/pkg/ids"
)

// Message is the unit of data flowing between stages. Timing fields are set
// at construction and never mutated; the With* methods return new values.
type Message struct {
	ID            string                 `json:"id"`
	Source        string                 `json:"source"`
	Topic         string                 `json:"topic"`
	Payload       map[string]interface{} `json:"payload"`
	IngestionTime time.Time              `json:"ingestion_time"`
	EventTime     *time.Time             `json:"event_time,omitempty"`
	SequenceID    *uint64                `json:"sequence_id,omitempty"`
}

func New(source, topic string, payload map[string]interface{}, ingestion time.Time) Message {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return Message{
		ID:            ids.NewMessageID(ingestion),
		Source:        source,
		Topic:         topic,
		Payload:       payload,
		IngestionTime: ingestion,
	}
}

// EffectiveEventTime is the event time, or the ingestion time when no event
// time was derived.
func (m Message) EffectiveEventTime() time.Time {
	if m.EventTime != nil {
		return *m.EventTime
	}
	return m.IngestionTime
}

func (m Message) HasEventTime() bool {
	return m.EventTime != nil
}

func (m Message) Sequence() (uint64, bool) {
	if m.SequenceID == nil {
		return 0, false
	}
	return *m.SequenceID, true
}

func (m Message) WithEventTime(t time.Time) Message {
	m.EventTime = &t
	return m
}

func (m Message) WithSequence(seq uint64) Message {
	m.SequenceID = &seq
	return m
}

func (m Message) WithTopic(topic string) Message {
	m.Topic = topic
	return m
}

func (m Message) WithSource(source string) Message {
	m.Source = source
	return m
}

func (m Message) WithPayload(payload map[string]interface{}) Message {
	m.Payload = payload
	return m
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	out := m
	out.Payload = copyMap(m.Payload)
	if m.EventTime != nil {
		et := *m.EventTime
		out.EventTime = &et
	}
	if m.SequenceID != nil {
		seq := *m.SequenceID
		out.SequenceID = &seq
	}
	return out
}

func copyMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = copyValue(v)
	}
	return dst
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return copyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return val
	}
}

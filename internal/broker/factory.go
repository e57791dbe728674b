package broker

import (
	"fmt"

	"liminal/internal/logger"
)

const TypeKafka = "kafka"

func NewProducer(brokerType, stage string, cfg KafkaConfig, log logger.Logger) (Producer, error) {
	switch brokerType {
	case TypeKafka, "":
		return NewKafkaProducer(stage, cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", brokerType)
	}
}

func NewConsumer(brokerType, stage string, cfg KafkaConfig, log logger.Logger) (Consumer, error) {
	switch brokerType {
	case TypeKafka, "":
		return NewKafkaConsumer(stage, cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", brokerType)
	}
}

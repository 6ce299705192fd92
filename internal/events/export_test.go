package events

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// MessageWriter exposes the writer seam to the black-box tests.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewWithWriter(w MessageWriter, topic string) *KafkaPublisher {
	return newWithWriter(w, topic)
}

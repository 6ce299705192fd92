// Package events publishes task lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ignatij/flowstream/pkg/models"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "task_events"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes every TaskEvent as JSON, keyed by task id so that the
// events of one task stay on one partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher for topic. An empty topic means DefaultTopic.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: writer, topic: topic}, nil
}

func newWithWriter(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

func (p *KafkaPublisher) Topic() string {
	return p.topic
}

// Publish sends one event and waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, event models.TaskEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal task event")
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TaskID),
		Value: value,
		Time:  event.Time,
		Headers: []kafka.Header{
			{Key: "state", Value: []byte(event.State)},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "write %s event of task %s to %s", event.State, event.TaskID, p.topic)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

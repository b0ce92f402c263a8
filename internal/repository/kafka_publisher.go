package repository

import (
	"context"

	"SignalDesk/internal/domain/models"
	pkgkafka "SignalDesk/pkg/kafka"
)

// KafkaTopics names the topics pipeline output is written to.
type KafkaTopics struct {
	Signals    string
	Alerts     string
	Executions string
}

// KafkaPublisher implements Publisher for Kafka. Every message is keyed by
// instrument so one instrument's events stay ordered on a partition.
type KafkaPublisher struct {
	producer *pkgkafka.Producer
	topics   KafkaTopics
}

// NewKafkaPublisher creates Kafka publisher.
func NewKafkaPublisher(producer *pkgkafka.Producer, topics KafkaTopics) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topics: topics}
}

// PublishSnapshot is a no-op: readers get snapshots from the snapshot store
// and the per-signal stream carries the same information.
func (p *KafkaPublisher) PublishSnapshot(context.Context, models.Snapshot) error {
	return nil
}

func (p *KafkaPublisher) PublishSignal(ctx context.Context, s models.Signal) error {
	return p.producer.Publish(ctx, p.topics.Signals, []byte(s.Instrument), s)
}

func (p *KafkaPublisher) PublishAlert(ctx context.Context, a models.Alert) error {
	return p.producer.Publish(ctx, p.topics.Alerts, []byte(a.Instrument), a)
}

func (p *KafkaPublisher) PublishExecution(ctx context.Context, o models.Order) error {
	return p.producer.Publish(ctx, p.topics.Executions, []byte(o.Instrument), o)
}

func (p *KafkaPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

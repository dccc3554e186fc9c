// Package events publishes job and run lifecycle events.
package events

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/common/config"
	"github.com/xt-ml/xt/pkg/common/kafka"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

// Event types.
const (
	JobSubmitted      = "job.submitted"
	JobSubmitFailed   = "job.submit_failed"
	JobCancelled      = "job.cancelled"
	JobCompleted      = "job.completed"
	RunStatus         = "run.status"
	WorkspaceImported = "workspace.imported"
)

// Source names the publishing process.
const Source = "xt"

// Publisher sends lifecycle events. key groups related events (a job id).
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, data map[string]interface{}) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, map[string]interface{}) error { return nil }
func (Nop) Close() error                                                          { return nil }

// KafkaPublisher writes events to a Kafka topic.
type KafkaPublisher struct {
	producer *kafka.Producer
	source   string
}

func NewKafkaPublisher(brokers []string, topic string, log *logrus.Entry) *KafkaPublisher {
	return &KafkaPublisher{producer: kafka.NewProducer(brokers, topic, log), source: Source}
}

func (p *KafkaPublisher) Publish(ctx context.Context, eventType, key string, data map[string]interface{}) error {
	return p.producer.Publish(ctx, key, kafka.NewEvent(eventType, p.source, data))
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// New returns a Kafka publisher when brokers are configured and Nop otherwise.
func New(cfg *config.Config, log *logrus.Entry) Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		return Nop{}
	}
	return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
}

// Tail calls fn for every event published from now on until ctx ends.
func Tail(ctx context.Context, cfg *config.Config, log *logrus.Entry, fn func(models.Event)) error {
	if len(cfg.KafkaBrokers) == 0 {
		return xterr.Config("KAFKA_BROKERS is not set; no lifecycle events to read")
	}
	c := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, "", log)
	defer c.Close()
	return c.Consume(ctx, func(_ context.Context, e models.Event) error {
		fn(e)
		return nil
	})
}

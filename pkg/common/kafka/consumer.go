package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/common/models"
)

type Consumer struct {
	reader *kafka.Reader
	log    *logrus.Entry
}

type EventHandler func(ctx context.Context, event models.Event) error

// NewConsumer reads topic. An empty groupID reads from the latest offset
// without committing, which suits a one-off tail.
func NewConsumer(brokers []string, topic, groupID string, log *logrus.Entry) *Consumer {
	rc := kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	}
	if groupID == "" {
		rc.StartOffset = kafka.LastOffset
	}
	return &Consumer{reader: kafka.NewReader(rc), log: log}
}

// DecodeEvent parses a message value.
func DecodeEvent(message kafka.Message) (models.Event, error) {
	var event models.Event
	err := json.Unmarshal(message.Value, &event)
	return event, err
}

func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	grouped := c.reader.Config().GroupID != ""
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.WithError(err).Error("Failed to fetch message")
			continue
		}

		event, err := DecodeEvent(message)
		if err != nil {
			c.log.WithError(err).Error("Failed to unmarshal event")
			if grouped {
				_ = c.reader.CommitMessages(ctx, message)
			}
			continue
		}

		if err := handler(ctx, event); err != nil {
			c.log.WithError(err).WithField("event_id", event.ID).Error("Failed to process event")
			// not committed, redelivered
			continue
		}

		if grouped {
			if err := c.reader.CommitMessages(ctx, message); err != nil {
				c.log.WithError(err).Error("Failed to commit message")
			}
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

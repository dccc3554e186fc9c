package events

import (
	"context"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xt-ml/xt/pkg/common/config"
	"github.com/xt-ml/xt/pkg/common/kafka"
	"github.com/xt-ml/xt/pkg/common/logger"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

func TestNewWithoutBrokersIsNop(t *testing.T) {
	cfg := config.Load()
	cfg.KafkaBrokers = nil
	p := New(cfg, logger.Discard())
	_, ok := p.(Nop)
	require.True(t, ok)
	assert.NoError(t, p.Publish(context.Background(), JobSubmitted, "job1", nil))
	assert.NoError(t, p.Close())
}

func TestMessageKeysByJob(t *testing.T) {
	e := kafka.NewEvent(RunStatus, Source, map[string]interface{}{"run_name": "run3", "status": "running"})
	require.NotEmpty(t, e.ID)

	msg, err := kafka.Message("job7", e)
	require.NoError(t, err)
	assert.Equal(t, "job7", string(msg.Key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, RunStatus, headers[kafka.HeaderEventType])
	assert.Equal(t, Source, headers[kafka.HeaderSource])

	back, err := kafka.DecodeEvent(kafkago.Message{Value: msg.Value})
	require.NoError(t, err)
	assert.Equal(t, e.ID, back.ID)
	assert.Equal(t, "run3", back.Data["run_name"])
}

func TestMessageWithoutKeyUsesEventID(t *testing.T) {
	e := kafka.NewEvent(JobCompleted, Source, nil)
	msg, err := kafka.Message("", e)
	require.NoError(t, err)
	assert.Equal(t, e.ID, string(msg.Key))
}

func TestTailNeedsBrokers(t *testing.T) {
	cfg := config.Load()
	cfg.KafkaBrokers = nil
	err := Tail(context.Background(), cfg, logger.Discard(), func(models.Event) {})
	assert.Equal(t, xterr.CategoryConfig, xterr.CategoryOf(err))
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"ai-voice-pipeline-service/internal/models"
	"ai-voice-pipeline-service/internal/observability/logging"
	"ai-voice-pipeline-service/internal/observability/metrics"
)

// ReplyHandler receives each decoded reply. A returned error is logged and the
// message is still committed; replies are not redelivered.
type ReplyHandler func(ctx context.Context, reply models.Reply) error

// messageReader is the part of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig holds Kafka reply consumer configuration.
type ConsumerConfig struct {
	Brokers   []string
	Topic     string
	GroupID   string
	Enabled   bool
	Validator Validator
}

// Consumer reads orchestrator replies from the reply topic.
type Consumer struct {
	reader    messageReader
	topic     string
	enabled   bool
	validator Validator
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewConsumer creates a reply consumer. With Kafka disabled Run blocks until
// its context ends and replies arrive only over HTTP.
func NewConsumer(cfg *ConsumerConfig) *Consumer {
	c := &Consumer{
		metrics: metrics.DefaultMetrics,
		log:     logging.WithComponent("consumer"),
	}
	if cfg == nil {
		c.log.Info().Msg("Kafka disabled (nil config), reply consumer idle")
		return c
	}
	c.topic = cfg.Topic
	c.validator = cfg.Validator
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		c.log.Info().Msg("Kafka disabled, reply consumer idle")
		return c
	}

	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})
	c.enabled = true

	c.log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("groupId", cfg.GroupID).
		Msg("Kafka reply consumer initialized")
	return c
}

// Run fetches replies and passes them to handle until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle ReplyHandler) error {
	if !c.enabled || c.reader == nil {
		<-ctx.Done()
		return nil
	}
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.metrics.RecordKafkaConsumeError(c.topic, "fetch")
			c.log.Error().Err(err).Str("topic", c.topic).Msg("Failed to fetch reply")
			return err
		}

		c.handle(ctx, msg, handle)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.metrics.RecordKafkaConsumeError(c.topic, "commit")
			c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit reply offset")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handle ReplyHandler) {
	var reply models.Reply
	if err := json.Unmarshal(msg.Value, &reply); err != nil {
		c.metrics.RecordKafkaConsumeError(c.topic, "decode")
		c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Dropping undecodable reply")
		return
	}
	if reply.EventType == "" {
		reply.EventType = models.EventTypeReply
	}
	if reply.SessionID == "" && len(msg.Key) > 0 {
		reply.SessionID = string(msg.Key)
	}
	if c.validator != nil {
		if err := c.validator.Validate(reply); err != nil {
			c.metrics.RecordKafkaConsumeError(c.topic, "invalid")
			c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Dropping invalid reply")
			return
		}
	}

	c.metrics.RecordKafkaConsume(c.topic)
	if err := handle(ctx, reply); err != nil {
		c.log.Warn().
			Err(err).
			Str("sessionId", reply.SessionID).
			Str("turnId", reply.TurnID).
			Msg("Reply not delivered")
	}
}

// Close closes the Kafka reader.
func (c *Consumer) Close() error {
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

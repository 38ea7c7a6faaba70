package ingestor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/correlator-io/queryengine/internal/recentwrites"
)

// UpsertMessage is the wire shape of a document-upsert event consumed
// from the Kafka topic: a push-based alternative to polling for
// resource kinds with high write churn.
type UpsertMessage struct {
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Resource     map[string]any `json:"resource"`
}

// KafkaConsumer writes document-upsert events straight into the
// recent-writes cache as they arrive, bypassing the poller's
// watermark entirely for the kinds it's subscribed to.
type KafkaConsumer struct {
	reader *kafka.Reader
	store  recentwrites.Store
	logger *slog.Logger
	ttl    time.Duration
}

// KafkaConsumerConfig configures the underlying kafka-go reader.
type KafkaConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaConsumer creates a KafkaConsumer. A zero ttl falls back to
// DefaultTTL.
func NewKafkaConsumer(cfg KafkaConsumerConfig, store recentwrites.Store, logger *slog.Logger, ttl time.Duration) *KafkaConsumer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	return &KafkaConsumer{reader: reader, store: store, logger: logger, ttl: ttl}
}

// Run consumes messages until ctx is canceled or the reader is closed.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info("ingestor: kafka consumer started", slog.String("topic", c.reader.Config().Topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			return fmt.Errorf("ingestor: fetch message: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			c.logger.Error("ingestor: failed to handle message",
				slog.Int64("offset", msg.Offset), slog.Any("error", err))
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Warn("ingestor: failed to commit offset", slog.Any("error", err))
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) error {
	var upsert UpsertMessage

	if err := json.Unmarshal(msg.Value, &upsert); err != nil {
		return fmt.Errorf("ingestor: unmarshal upsert message: %w", err)
	}

	if upsert.ResourceType == "" || upsert.ResourceID == "" {
		return fmt.Errorf("ingestor: upsert message missing resource_type or resource_id")
	}

	return c.store.Put(ctx, upsert.ResourceType, upsert.ResourceID, upsert.Resource, c.ttl)
}

// Close closes the underlying Kafka reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

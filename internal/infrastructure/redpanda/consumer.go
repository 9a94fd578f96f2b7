package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the consumer
type ConsumerConfig struct {
	Brokers []string
	// GroupID enables group consumption with committed offsets; empty reads
	// the topics directly without committing.
	GroupID string
	Topics  []string
	// StartOffset is "earliest" or "latest"
	StartOffset   string
	FetchMaxBytes int32
}

// DefaultConsumerConfig reads the transition journal from the beginning.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:       []string{"localhost:9092"},
		Topics:        []string{TopicFormTransitions},
		StartOffset:   "earliest",
		FetchMaxBytes: 16 << 20,
	}
}

// ConsumedMessage is one record handed to a MessageHandler.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// MessageHandler is called for each consumed record. A returned error leaves
// the record uncommitted.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// Consumer polls records and hands them to a MessageHandler.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topics...),
	}
	if cfg.FetchMaxBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(cfg.FetchMaxBytes))
	}
	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}
	if cfg.GroupID != "" {
		opts = append(opts,
			kgo.ConsumerGroup(cfg.GroupID),
			kgo.AutoCommitMarks(),
			kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
				logger.Info("partitions assigned", zap.Any("partitions", assigned))
			}),
		)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
	}, nil
}

// Start polls in the background until ctx is done or Stop is called.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Run(ctx)
	}()
}

// Run polls in the calling goroutine until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	for ctx.Err() == nil {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if ctx.Err() == nil {
				c.logger.Error("fetch error",
					zap.String("topic", topic),
					zap.Int32("partition", partition),
					zap.Error(err))
			}
		})
		fetches.EachRecord(func(record *kgo.Record) {
			c.process(ctx, record)
		})
	}
}

func (c *Consumer) process(ctx context.Context, record *kgo.Record) {
	ctx = ExtractTraceContext(ctx, record)
	ctx, span := c.tracer.Start(ctx, "redpanda.Consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", record.Topic),
			attribute.Int64("messaging.kafka.partition", int64(record.Partition)),
			attribute.Int64("messaging.kafka.offset", record.Offset),
		))
	defer span.End()

	err := c.handler(ctx, &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Timestamp: record.Timestamp,
	})
	if err != nil {
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		return
	}
	if c.config.GroupID != "" {
		c.client.MarkCommitRecords(record)
	}
}

// Stop ends polling, commits marked offsets and closes the client.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if c.config.GroupID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.client.CommitMarkedOffsets(ctx); err != nil {
			c.logger.Warn("error committing offsets on stop", zap.Error(err))
		}
	}
	c.client.Close()
	return nil
}

// TransitionHandler decodes journaled transitions, keeps those of sessionID
// (all when empty) and passes them to fn.
func TransitionHandler(sessionID string, fn func(Transition) error) MessageHandler {
	return func(_ context.Context, msg *ConsumedMessage) error {
		if sessionID != "" && string(msg.Key) != sessionID {
			return nil
		}
		var t Transition
		if err := json.Unmarshal(msg.Value, &t); err != nil {
			return fmt.Errorf("decode transition at offset %d: %w", msg.Offset, err)
		}
		return fn(t)
	}
}

// Package redpanda publishes form transitions and submitted MedicationRequests
// to Redpanda with franz-go.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/infrastructure/postgres"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/medform"
)

// ProducerConfig holds configuration for the producer
type ProducerConfig struct {
	Brokers []string
	// LingerMS is the time to wait before sending a batch
	LingerMS int64
	// MaxBufferedRecords bounds the records waiting for a broker ack
	MaxBufferedRecords int
	Compression        string
	// RequiredAcks: -1 all replicas, 1 leader, 0 none
	RequiredAcks   int16
	MaxRetries     int
	RetryBackoffMS int64
}

// DefaultProducerConfig returns defaults suited to low-volume, per-keystroke traffic.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:            []string{"localhost:9092"},
		LingerMS:           20,
		MaxBufferedRecords: 100_000,
		Compression:        "zstd",
		RequiredAcks:       -1,
		MaxRetries:         3,
		RetryBackoffMS:     100,
	}
}

// Options converts cfg into franz-go client options.
func (cfg ProducerConfig) Options() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS) * time.Millisecond),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return time.Duration(cfg.RetryBackoffMS) * time.Millisecond * time.Duration(attempt+1)
		}),
	}
	if cfg.MaxBufferedRecords > 0 {
		opts = append(opts, kgo.MaxBufferedRecords(cfg.MaxBufferedRecords))
	}

	switch cfg.RequiredAcks {
	case -1:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}

	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}
	return opts
}

// Producer writes records to Redpanda.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	sent   atomic.Int64
	bytes  atomic.Int64
	failed atomic.Int64
}

var _ postgres.Publisher = (*Producer)(nil)

// NewProducer creates a producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(cfg.Options()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// Publish sends one record and waits for the broker ack.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.kafka.message_key", key),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	InjectTraceHeaders(ctx, record)

	r, err := p.client.ProduceSync(ctx, record).First()
	if err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		return fmt.Errorf("produce %s: %w", topic, err)
	}
	p.sent.Add(1)
	p.bytes.Add(int64(len(value)))
	p.logger.Debug("record produced",
		zap.String("topic", r.Topic),
		zap.Int32("partition", r.Partition),
		zap.Int64("offset", r.Offset))
	return nil
}

// ProduceAsync buffers one record; callback, when set, receives the ack result.
func (p *Producer) ProduceAsync(ctx context.Context, topic, key string, value []byte, callback func(error)) {
	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	InjectTraceHeaders(ctx, record)

	// The record outlives the request that produced it.
	p.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			p.failed.Add(1)
			p.logger.Warn("async produce failed", zap.String("topic", topic), zap.Error(err))
		} else {
			p.sent.Add(1)
			p.bytes.Add(int64(len(r.Value)))
		}
		if callback != nil {
			callback(err)
		}
	})
}

// Flush blocks until buffered records are acknowledged.
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	return nil
}

// Close flushes for at most 10s and closes the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
	return nil
}

// ProducerStats holds producer counters.
type ProducerStats struct {
	MessagesSent int64 `json:"messages_sent"`
	BytesSent    int64 `json:"bytes_sent"`
	ErrorCount   int64 `json:"error_count"`
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent: p.sent.Load(),
		BytesSent:    p.bytes.Load(),
		ErrorCount:   p.failed.Load(),
	}
}

// headerCarrier adapts record headers to the otel propagation API.
type headerCarrier struct{ r *kgo.Record }

func (c headerCarrier) Get(key string) string {
	for _, h := range c.r.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.r.Headers {
		if h.Key == key {
			c.r.Headers[i].Value = []byte(value)
			return
		}
	}
	c.r.Headers = append(c.r.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c.r.Headers))
	for i, h := range c.r.Headers {
		keys[i] = h.Key
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier{}

// InjectTraceHeaders writes the trace context of ctx into the record headers.
func InjectTraceHeaders(ctx context.Context, record *kgo.Record) {
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{record})
}

// ExtractTraceContext returns ctx carrying the trace context found in the record headers.
func ExtractTraceContext(ctx context.Context, record *kgo.Record) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier{record})
}

// Transition is one journaled state of a form session.
type Transition struct {
	SessionID         string                `json:"sessionId"`
	Type              medform.Type          `json:"type"`
	MedicationRequest *r4.MedicationRequest `json:"medicationRequest,omitempty"`
	IsLoadingCIOList  bool                  `json:"isLoadingCIOList"`
	IsLoadingTIOList  bool                  `json:"isLoadingTIOList"`
	Error             string                `json:"error,omitempty"`
	RecordedAt        time.Time             `json:"recordedAt"`
}

// NewTransition captures s for the journal.
func NewTransition(sessionID string, s *medform.State, at time.Time) Transition {
	return Transition{
		SessionID:         sessionID,
		Type:              s.Type,
		MedicationRequest: s.MedicationRequest,
		IsLoadingCIOList:  s.IsLoadingCIOList,
		IsLoadingTIOList:  s.IsLoadingTIOList,
		Error:             s.Err,
		RecordedAt:        at.UTC(),
	}
}

// asyncProducer is the part of Producer used by Journal.
type asyncProducer interface {
	ProduceAsync(ctx context.Context, topic, key string, value []byte, callback func(error))
}

// Journal records form transitions keyed by session id, so one session's
// history stays on one partition in order.
type Journal struct {
	producer asyncProducer
	topic    string
	onResult func(error)
	logger   *zap.Logger
	now      func() time.Time
}

var _ medform.Journal = (*Journal)(nil)

// NewJournal writes transitions to topic (TopicFormTransitions when empty).
// onResult, when set, receives every broker ack result.
func NewJournal(producer *Producer, topic string, onResult func(error), logger *zap.Logger) *Journal {
	j := newJournal(producer, topic, logger)
	j.onResult = onResult
	return j
}

func newJournal(producer asyncProducer, topic string, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = TopicFormTransitions
	}
	return &Journal{producer: producer, topic: topic, logger: logger, now: time.Now}
}

// Record buffers the transition without waiting for the broker.
func (j *Journal) Record(ctx context.Context, sessionID string, s *medform.State) error {
	value, err := json.Marshal(NewTransition(sessionID, s, j.now()))
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	j.producer.ProduceAsync(ctx, j.topic, sessionID, value, j.onResult)
	return nil
}

// Package redpanda carries eligibility requests, results and audit events over
// Kafka-compatible streaming with franz-go.
package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// ClientID identifies the service to the brokers
	ClientID string
	// Linger is the time to wait before sending a batch
	Linger time.Duration
	// Compression is the compression codec to use
	Compression string
	// RequiredAcks sets the required acks level (-1 for all, 1 for leader)
	RequiredAcks int16
	// MaxRetries is the maximum number of retries for failed sends
	MaxRetries int
	// RetryBackoff is the base backoff between retries
	RetryBackoff time.Duration
}

// DefaultProducerConfig returns defaults for low-volume, durable publishing
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		ClientID:     "bvb-checker",
		Linger:       5 * time.Millisecond,
		Compression:  "lz4",
		RequiredAcks: -1,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// Publisher is the producing side used by services
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// Message represents a record to be produced
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// NewJSONMessage marshals v into a message
func NewJSONMessage(topic, key string, v interface{}) (*Message, error) {
	value, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", topic, err)
	}
	return &Message{Topic: topic, Key: key, Value: value}, nil
}

// Producer publishes messages to Redpanda
type Producer struct {
	client *kgo.Client
	config ProducerConfig
	logger *zap.Logger
	tracer trace.Tracer

	sent   atomic.Int64
	bytes  atomic.Int64
	failed atomic.Int64
}

// NewProducer creates a new Redpanda producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts, err := producerOpts(cfg)
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// producerOpts translates the configuration into client options
func producerOpts(cfg ProducerConfig) ([]kgo.Opt, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}

	backoff := cfg.RetryBackoff
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return backoff * time.Duration(attempt+1)
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	switch cfg.RequiredAcks {
	case -1:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case 1:
		// idempotent writes need acks from all in-sync replicas
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, fmt.Errorf("unsupported required acks %d", cfg.RequiredAcks)
	}

	codec, ok := compressionCodecs[cfg.Compression]
	if !ok {
		return nil, fmt.Errorf("unknown compression %q", cfg.Compression)
	}
	if codec != nil {
		opts = append(opts, kgo.ProducerBatchCompression(*codec))
	}
	return opts, nil
}

func codecOf(c kgo.CompressionCodec) *kgo.CompressionCodec { return &c }

var compressionCodecs = map[string]*kgo.CompressionCodec{
	"":       nil,
	"none":   codecOf(kgo.NoCompression()),
	"lz4":    codecOf(kgo.Lz4Compression()),
	"snappy": codecOf(kgo.SnappyCompression()),
	"gzip":   codecOf(kgo.GzipCompression()),
	"zstd":   codecOf(kgo.ZstdCompression()),
}

// Publish sends a message and waits for the broker acknowledgment
func (p *Producer) Publish(ctx context.Context, msg *Message) error {
	ctx, span := p.tracer.Start(ctx, "produce_message",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("topic", msg.Topic),
			attribute.String("key", msg.Key),
			attribute.Int("value_size", len(msg.Value)),
		))
	defer span.End()

	r, err := p.client.ProduceSync(ctx, toRecord(ctx, msg)).First()
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("failed to produce message",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Error(err))
		span.RecordError(err)
		return fmt.Errorf("produce to %s failed: %w", msg.Topic, err)
	}

	p.sent.Add(1)
	p.bytes.Add(int64(len(r.Value)))
	span.SetAttributes(
		attribute.Int64("partition", int64(r.Partition)),
		attribute.Int64("offset", r.Offset))
	return nil
}

// Close flushes buffered records and closes the producer
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.client.Flush(ctx)
	if err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
	return err
}

// ProducerStats holds producer statistics
type ProducerStats struct {
	MessagesSent int64
	BytesSent    int64
	Failures     int64
}

// Stats returns current producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent: p.sent.Load(),
		BytesSent:    p.bytes.Load(),
		Failures:     p.failed.Load(),
	}
}

func toRecord(ctx context.Context, msg *Message) *kgo.Record {
	record := &kgo.Record{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: make([]kgo.RecordHeader, 0, len(msg.Headers)+1),
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	injectTraceHeaders(ctx, record)
	return record
}

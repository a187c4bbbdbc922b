package redpanda

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"
)

func TestDefaultTopicConfigs(t *testing.T) {
	want := map[string]bool{
		TopicEligibilityRequests: true,
		TopicEligibilityResults:  true,
		TopicEligibilityAudit:    true,
		TopicRulesCommands:       true,
		TopicDeadLetter:          true,
	}

	configs := DefaultTopicConfigs()
	if len(configs) != len(want) {
		t.Fatalf("expected %d topics, got %d", len(want), len(configs))
	}
	for _, cfg := range configs {
		if !want[cfg.Name] {
			t.Errorf("unexpected topic %s", cfg.Name)
		}
		if cfg.Partitions < 1 {
			t.Errorf("%s: partitions = %d", cfg.Name, cfg.Partitions)
		}
		if cfg.Configs["retention.ms"] == nil {
			t.Errorf("%s: missing retention", cfg.Name)
		}
		if cfg.Name == TopicRulesCommands && cfg.Partitions != 1 {
			t.Errorf("rules commands must be a single partition")
		}
	}
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := toRecord(ctx, &Message{
		Topic:   TopicEligibilityResults,
		Key:     "k",
		Value:   []byte("{}"),
		Headers: map[string]string{HeaderRequestID: "req-1"},
	})

	parent := recordCarrier{record: record}.Get("traceparent")
	if !strings.HasPrefix(parent, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-") {
		t.Fatalf("unexpected traceparent %q", parent)
	}

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if got.TraceID() != traceID || got.SpanID() != spanID {
		t.Errorf("trace context not restored: %v", got)
	}

	msg := toConsumedMessage(record)
	if msg.Headers[HeaderRequestID] != "req-1" {
		t.Errorf("request id header lost: %v", msg.Headers)
	}
}

func TestRecordCarrier_SetReplaces(t *testing.T) {
	record := &kgo.Record{}
	c := recordCarrier{record: record}
	c.Set("a", "1")
	c.Set("a", "2")

	if len(record.Headers) != 1 || c.Get("a") != "2" {
		t.Errorf("expected single replaced header, got %v", record.Headers)
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "a" {
		t.Errorf("unexpected keys %v", keys)
	}
}

func TestNewConsumer_Validation(t *testing.T) {
	cfg := DefaultConsumerConfig()
	cfg.Topics = []string{TopicEligibilityRequests}
	if _, err := NewConsumer(cfg, nil, nil); err == nil {
		t.Error("expected error for nil handler")
	}

	cfg.Topics = nil
	handler := func(ctx context.Context, msg *ConsumedMessage) error { return nil }
	if _, err := NewConsumer(cfg, handler, nil); err == nil {
		t.Error("expected error without topics")
	}
}

func TestProducerOpts(t *testing.T) {
	base := DefaultProducerConfig()
	if _, err := producerOpts(base); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}

	for _, c := range []string{"", "none", "snappy", "gzip", "zstd"} {
		cfg := base
		cfg.Compression = c
		if _, err := producerOpts(cfg); err != nil {
			t.Errorf("compression %q rejected: %v", c, err)
		}
	}

	cases := map[string]func(*ProducerConfig){
		"no brokers":      func(c *ProducerConfig) { c.Brokers = nil },
		"bad compression": func(c *ProducerConfig) { c.Compression = "brotli" },
		"fire and forget": func(c *ProducerConfig) { c.RequiredAcks = 0 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if _, err := producerOpts(cfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestNewJSONMessage(t *testing.T) {
	msg, err := NewJSONMessage(TopicEligibilityAudit, "key", map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("NewJSONMessage failed: %v", err)
	}
	if string(msg.Value) != `{"n":1}` || msg.Topic != TopicEligibilityAudit {
		t.Errorf("unexpected message %+v", msg)
	}

	if _, err := NewJSONMessage(TopicEligibilityAudit, "key", make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}

func TestProducerRoundTrip(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	seeds := strings.Split(brokers, ",")
	logger := zaptest.NewLogger(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	admin, err := NewAdmin(seeds, logger)
	if err != nil {
		t.Fatalf("NewAdmin failed: %v", err)
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx); err != nil {
		t.Fatalf("EnsureTopics failed: %v", err)
	}

	cfg := DefaultProducerConfig()
	cfg.Brokers = seeds
	producer, err := NewProducer(cfg, logger)
	if err != nil {
		t.Fatalf("NewProducer failed: %v", err)
	}
	defer producer.Close()

	key := time.Now().Format(time.RFC3339Nano)
	if err := producer.Publish(ctx, &Message{Topic: TopicDeadLetter, Key: key, Value: []byte("probe")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	received := make(chan *ConsumedMessage, 1)
	ccfg := DefaultConsumerConfig()
	ccfg.Brokers = seeds
	ccfg.GroupID = ""
	ccfg.Topics = []string{TopicDeadLetter}
	consumer, err := NewConsumer(ccfg, func(ctx context.Context, msg *ConsumedMessage) error {
		if string(msg.Key) == key {
			select {
			case received <- msg:
			default:
			}
		}
		return nil
	}, logger)
	if err != nil {
		t.Fatalf("NewConsumer failed: %v", err)
	}
	consumer.Start()
	defer consumer.Stop()

	select {
	case msg := <-received:
		if string(msg.Value) != "probe" {
			t.Errorf("unexpected value %q", msg.Value)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}

	if producer.Stats().MessagesSent != 1 {
		t.Errorf("expected 1 message sent, got %d", producer.Stats().MessagesSent)
	}
}

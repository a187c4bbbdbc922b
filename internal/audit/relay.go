// Package audit relays eligibility events to the broker without putting the
// broker on the request path. Events are buffered in memory and published by
// a background loop behind a circuit breaker.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/bvb-checker/internal/domain/eligibility"
	"github.com/drfirst/bvb-checker/internal/infrastructure/redpanda"
	"github.com/drfirst/bvb-checker/pkg/circuitbreaker"
)

// Emitter accepts events for asynchronous publishing
type Emitter interface {
	// Emit queues an event and reports whether it was accepted
	Emit(event *eligibility.Event) bool
}

// Nop discards every event. Used when no brokers are configured.
type Nop struct{}

// Emit drops the event
func (Nop) Emit(*eligibility.Event) bool { return false }

// PublishObserver is told about every publish attempt
type PublishObserver interface {
	EventPublished(topic string, err error)
}

// Config holds relay configuration
type Config struct {
	// Topic receives the events
	Topic string
	// BufferSize bounds the number of queued events
	BufferSize int
	// PublishTimeout bounds a single publish attempt
	PublishTimeout time.Duration
	// DrainTimeout bounds the final flush on Stop
	DrainTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Topic:          redpanda.TopicEligibilityAudit,
		BufferSize:     1024,
		PublishTimeout: 2 * time.Second,
		DrainTimeout:   5 * time.Second,
	}
}

// Relay publishes queued events in the background
type Relay struct {
	config    Config
	publisher redpanda.Publisher
	breaker   *circuitbreaker.CircuitBreaker
	observer  PublishObserver
	logger    *zap.Logger

	queue   chan *eligibility.Event
	dropped int64

	mu      sync.RWMutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRelay creates a relay. observer may be nil.
func NewRelay(cfg Config, publisher redpanda.Publisher, breaker *circuitbreaker.CircuitBreaker, observer PublishObserver, logger *zap.Logger) (*Relay, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if breaker == nil {
		return nil, fmt.Errorf("circuit breaker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = defaults.Topic
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaults.DrainTimeout
	}

	return &Relay{
		config:    cfg,
		publisher: publisher,
		breaker:   breaker,
		observer:  observer,
		logger:    logger,
		queue:     make(chan *eligibility.Event, cfg.BufferSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Emit queues an event. It never blocks: a full buffer drops the event.
func (r *Relay) Emit(event *eligibility.Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		return false
	}
	select {
	case r.queue <- event:
		return true
	default:
		atomic.AddInt64(&r.dropped, 1)
		r.logger.Warn("audit buffer full, dropping event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.EventType)))
		return false
	}
}

// Start begins the publish loop
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	go r.loop()
	r.logger.Info("audit relay started",
		zap.String("topic", r.config.Topic),
		zap.Int("buffer_size", r.config.BufferSize))
}

// Stop rejects new events and flushes what is queued
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stop)
	started := r.started
	r.mu.Unlock()

	if !started {
		r.logger.Info("audit relay stopped before start", zap.Int("discarded", len(r.queue)))
		return
	}
	<-r.done
	r.logger.Info("audit relay stopped", zap.Int64("dropped", r.Dropped()))
}

// Dropped returns how many events were discarded
func (r *Relay) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

func (r *Relay) loop() {
	defer close(r.done)

	for {
		select {
		case event := <-r.queue:
			r.publish(context.Background(), event)
		case <-r.stop:
			r.drain()
			return
		}
	}
}

func (r *Relay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.DrainTimeout)
	defer cancel()

	for {
		select {
		case event := <-r.queue:
			if ctx.Err() != nil {
				atomic.AddInt64(&r.dropped, 1)
				continue
			}
			r.publish(ctx, event)
		default:
			return
		}
	}
}

func (r *Relay) publish(ctx context.Context, event *eligibility.Event) {
	value, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to marshal audit event", zap.String("event_id", event.ID), zap.Error(err))
		return
	}

	msg := &redpanda.Message{
		Topic: r.config.Topic,
		Key:   event.Key,
		Value: value,
	}
	if event.CorrelationID != "" {
		msg.Headers = map[string]string{redpanda.HeaderRequestID: event.CorrelationID}
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.PublishTimeout)
	defer cancel()

	err = r.breaker.Do(ctx, func(ctx context.Context) error {
		return r.publisher.Publish(ctx, msg)
	})
	if r.observer != nil {
		r.observer.EventPublished(r.config.Topic, err)
	}
	if err != nil {
		r.logger.Warn("audit event not published",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.EventType)),
			zap.Bool("circuit_open", circuitbreaker.IsRejected(err)),
			zap.Error(err))
	}
}

// Package processor evaluates eligibility requests consumed from Redpanda and
// publishes the answers. It also applies rule table commands.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/bvb-checker/internal/audit"
	"github.com/drfirst/bvb-checker/internal/domain/eligibility"
	"github.com/drfirst/bvb-checker/internal/infrastructure/redpanda"
	"github.com/drfirst/bvb-checker/pkg/circuitbreaker"
	"github.com/drfirst/bvb-checker/pkg/idempotency"
	"github.com/drfirst/bvb-checker/pkg/workerpool"
)

// Headers set on dead-lettered messages
const (
	HeaderError        = "x-error"
	HeaderSourceTopic  = "x-source-topic"
	HeaderSourceOffset = "x-source-offset"
)

// Consumed message statuses reported to the Observer
const (
	StatusProcessed  = "processed"
	StatusDuplicate  = "duplicate"
	StatusDeadLetter = "dead_letter"
	StatusError      = "error"
)

// Store provides the current rule table
type Store interface {
	Table() (*eligibility.RuleTable, error)
	Reload(ctx context.Context) (*eligibility.RuleTable, error)
}

// Observer records processing metrics
type Observer interface {
	ObserveEvaluation(results []eligibility.Result, d time.Duration)
	EventPublished(topic string, err error)
	MessageConsumed(topic, status string)
}

type nopObserver struct{}

func (nopObserver) ObserveEvaluation([]eligibility.Result, time.Duration) {}
func (nopObserver) EventPublished(string, error)                          {}
func (nopObserver) MessageConsumed(string, string)                        {}

// Config holds processor configuration
type Config struct {
	ResultsTopic    string
	DeadLetterTopic string
	// MaxBatchSize bounds the requests accepted in one message
	MaxBatchSize int
	Pool         workerpool.Config
	Inbox        idempotency.InboxConfig
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ResultsTopic:    redpanda.TopicEligibilityResults,
		DeadLetterTopic: redpanda.TopicDeadLetter,
		MaxBatchSize:    500,
		Pool:            workerpool.DefaultConfig(),
		Inbox:           idempotency.DefaultInboxConfig(),
	}
}

// BatchRequest is the value of a request message. A message holding a
// single request object is accepted as a batch of one.
type BatchRequest struct {
	BatchID  string                `json:"batchId,omitempty"`
	Requests []eligibility.Request `json:"requests"`
}

// Outcome is published to the results topic for every request
type Outcome struct {
	BatchID    string                  `json:"batchId,omitempty"`
	RequestID  string                  `json:"requestId"`
	Evaluation *eligibility.Evaluation `json:"evaluation,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// Command is the value of a rules command message
type Command struct {
	Command string `json:"command"`
}

// CommandReload asks every worker to reload its rule table
const CommandReload = "reload"

type job struct {
	table   *eligibility.RuleTable
	batchID string
	id      string
	request eligibility.Request
}

// Processor handles request and command messages
type Processor struct {
	config    Config
	store     Store
	publisher redpanda.Publisher
	breaker   *circuitbreaker.CircuitBreaker
	audit     audit.Emitter
	observer  Observer
	inbox     *idempotency.Inbox
	pool      *workerpool.Pool[job, Outcome]
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates a processor. breaker, emitter and observer may be nil.
func New(cfg Config, store Store, publisher redpanda.Publisher, breaker *circuitbreaker.CircuitBreaker,
	emitter audit.Emitter, observer Observer, logger *zap.Logger) (*Processor, error) {
	if store == nil || publisher == nil {
		return nil, errors.New("store and publisher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = audit.Nop{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}

	p := &Processor{
		config:    cfg,
		store:     store,
		publisher: publisher,
		breaker:   breaker,
		audit:     emitter,
		observer:  observer,
		inbox:     idempotency.NewInbox(cfg.Inbox, logger),
		logger:    logger,
		tracer:    otel.Tracer("eligibility-processor"),
		now:       time.Now,
	}

	poolCfg := cfg.Pool
	if poolCfg.Retryable == nil {
		poolCfg.Retryable = func(err error) bool { return !circuitbreaker.IsRejected(err) }
	}
	pool, err := workerpool.New(poolCfg, p.evaluate, logger)
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return p, nil
}

// Start launches the worker pool and the inbox cleanup
func (p *Processor) Start() {
	p.pool.Start()
	if p.config.Inbox.CleanupInterval > 0 {
		p.inbox.StartCleanup()
	}
}

// Stop waits for in-flight evaluations
func (p *Processor) Stop() error {
	p.inbox.Stop()
	return p.pool.Stop()
}

// HandleRequest evaluates every request of a message and publishes one
// Outcome per request. Malformed messages go to the dead letter topic.
// A redelivered message is skipped once it was fully processed.
func (p *Processor) HandleRequest(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ctx, span := p.tracer.Start(ctx, "handle_eligibility_request",
		trace.WithAttributes(attribute.String("topic", msg.Topic)))
	defer span.End()

	batch, decodeErr := p.decodeBatch(msg)
	key := inboxKey(msg, batch)

	res, err := p.inbox.Process(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		if decodeErr != nil {
			return nil, &idempotency.Terminal{Err: decodeErr}
		}
		return p.processBatch(ctx, msg, batch)
	})

	var terminal *idempotency.Terminal
	switch {
	case err == nil && !res.IsNew,
		errors.Is(err, idempotency.ErrMessageInProgress),
		errors.Is(err, idempotency.ErrPreviouslyFailed):
		p.logger.Debug("skipping redelivered message", zap.String("key", key))
		p.observer.MessageConsumed(msg.Topic, StatusDuplicate)
		return nil
	case err == nil:
		p.observer.MessageConsumed(msg.Topic, StatusProcessed)
		return nil
	case errors.As(err, &terminal):
		p.observer.MessageConsumed(msg.Topic, StatusDeadLetter)
		return p.deadLetter(ctx, msg, terminal.Err)
	default:
		span.RecordError(err)
		p.observer.MessageConsumed(msg.Topic, StatusError)
		return err
	}
}

func (p *Processor) decodeBatch(msg *redpanda.ConsumedMessage) (*BatchRequest, error) {
	var batch BatchRequest
	if err := json.Unmarshal(msg.Value, &batch); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if len(batch.Requests) == 0 {
		var single eligibility.Request
		if err := json.Unmarshal(msg.Value, &single); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		batch.Requests = []eligibility.Request{single}
	}
	if len(batch.Requests) > p.config.MaxBatchSize {
		return &batch, fmt.Errorf("batch of %d requests exceeds limit %d", len(batch.Requests), p.config.MaxBatchSize)
	}
	return &batch, nil
}

func (p *Processor) processBatch(ctx context.Context, msg *redpanda.ConsumedMessage, batch *BatchRequest) (json.RawMessage, error) {
	// one table for the whole batch, even if a reload lands meanwhile
	table, err := p.store.Table()
	if err != nil {
		return nil, err
	}

	base := messageID(msg, batch)
	tasks := make([]*workerpool.Task[job], len(batch.Requests))
	for i, req := range batch.Requests {
		id := req.RequestID
		if id == "" {
			id = base + "/" + strconv.Itoa(i)
		}
		tasks[i] = &workerpool.Task[job]{
			ID:      id,
			Payload: job{table: table, batchID: batch.BatchID, id: id, request: req},
			Context: ctx,
		}
	}

	var failed []error
	for _, r := range p.pool.Map(ctx, tasks) {
		if !r.Success() {
			failed = append(failed, fmt.Errorf("%s: %w", r.TaskID, r.Err))
		}
	}
	if len(failed) > 0 {
		return nil, fmt.Errorf("publish outcomes: %w", errors.Join(failed...))
	}

	p.logger.Info("eligibility batch processed",
		zap.String("key", base),
		zap.Int("requests", len(tasks)),
		zap.String("rule_source", table.Source()))

	return json.Marshal(map[string]int{"requests": len(tasks)})
}

// evaluate runs one request and publishes its outcome
func (p *Processor) evaluate(ctx context.Context, j job) (Outcome, error) {
	out := Outcome{BatchID: j.batchID, RequestID: j.id}
	key := j.id

	patient, today, err := j.request.Resolve(p.now())
	if err != nil {
		out.Error = err.Error()
	} else {
		start := time.Now()
		ev := eligibility.Run(j.table, j.id, patient, today)
		p.observer.ObserveEvaluation(ev.Results, time.Since(start))
		out.Evaluation = &ev
		key = eligibility.EvaluationKey(patient, today)
	}

	msg, err := redpanda.NewJSONMessage(p.config.ResultsTopic, key, out)
	if err != nil {
		return out, err
	}
	msg.Headers = map[string]string{redpanda.HeaderRequestID: j.id}

	if err := p.publish(ctx, msg); err != nil {
		return out, err
	}

	if out.Evaluation != nil {
		p.emit(patient, today, *out.Evaluation)
	}
	return out, nil
}

func (p *Processor) emit(patient eligibility.PatientContext, today time.Time, ev eligibility.Evaluation) {
	event, err := eligibility.NewEvent(
		eligibility.EventEligibilityEvaluated,
		eligibility.EvaluationKey(patient, today),
		ev.AuditData(p.now().UTC()))
	if err != nil {
		p.logger.Error("failed to build audit event", zap.Error(err))
		return
	}
	p.audit.Emit(event.WithCorrelation(ev.RequestID))
}

func (p *Processor) publish(ctx context.Context, msg *redpanda.Message) error {
	var err error
	if p.breaker != nil {
		err = p.breaker.Do(ctx, func(ctx context.Context) error {
			return p.publisher.Publish(ctx, msg)
		})
	} else {
		err = p.publisher.Publish(ctx, msg)
	}
	p.observer.EventPublished(msg.Topic, err)
	return err
}

func (p *Processor) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	p.logger.Warn("dead-lettering message",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))

	dl := &redpanda.Message{
		Topic: p.config.DeadLetterTopic,
		Key:   string(msg.Key),
		Value: msg.Value,
		Headers: map[string]string{
			HeaderError:        cause.Error(),
			HeaderSourceTopic:  msg.Topic,
			HeaderSourceOffset: strconv.FormatInt(msg.Offset, 10),
		},
	}
	if id, ok := msg.Headers[redpanda.HeaderRequestID]; ok {
		dl.Headers[redpanda.HeaderRequestID] = id
	}
	if err := p.publish(ctx, dl); err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}

// HandleCommand applies a rules command. Unknown or malformed commands are
// dead-lettered; a failed reload keeps the previous table.
func (p *Processor) HandleCommand(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var cmd Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		p.observer.MessageConsumed(msg.Topic, StatusDeadLetter)
		return p.deadLetter(ctx, msg, fmt.Errorf("decode command: %w", err))
	}

	switch cmd.Command {
	case CommandReload:
		table, err := p.store.Reload(ctx)
		if err != nil {
			p.logger.Error("rule table reload failed, keeping previous table", zap.Error(err))
			p.observer.MessageConsumed(msg.Topic, StatusError)
			return nil
		}
		p.logger.Info("rule table reloaded by command",
			zap.String("source", table.Source()),
			zap.Int("rules", table.Len()))
		p.observer.MessageConsumed(msg.Topic, StatusProcessed)
		return nil
	default:
		p.observer.MessageConsumed(msg.Topic, StatusDeadLetter)
		return p.deadLetter(ctx, msg, fmt.Errorf("unknown command %q", cmd.Command))
	}
}

// Ready fails while the evaluation queue is backing up
func (p *Processor) Ready(ctx context.Context) error {
	return p.pool.Ready(ctx)
}

// InboxStats exposes the redelivery inbox counters
func (p *Processor) InboxStats() idempotency.InboxStats {
	return p.inbox.Stats()
}

func inboxKey(msg *redpanda.ConsumedMessage, batch *BatchRequest) string {
	if batch != nil && batch.BatchID != "" {
		return "batch:" + batch.BatchID
	}
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func messageID(msg *redpanda.ConsumedMessage, batch *BatchRequest) string {
	if batch.BatchID != "" {
		return batch.BatchID
	}
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	return fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
}

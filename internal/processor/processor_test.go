package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/drfirst/bvb-checker/internal/domain/eligibility"
	"github.com/drfirst/bvb-checker/internal/infrastructure/redpanda"
	"github.com/drfirst/bvb-checker/pkg/idempotency"
	"github.com/drfirst/bvb-checker/pkg/workerpool"
)

type fakePublisher struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	msgs  []*redpanda.Message
}

func (p *fakePublisher) Publish(ctx context.Context, msg *redpanda.Message) error {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakePublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePublisher) onTopic(topic string) []*redpanda.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*redpanda.Message
	for _, m := range p.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fakeStore struct {
	mu        sync.Mutex
	table     *eligibility.RuleTable
	reloadErr error
	reloads   int
}

func (s *fakeStore) Table() (*eligibility.RuleTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table == nil {
		return nil, errors.New("rule table not loaded")
	}
	return s.table, nil
}

func (s *fakeStore) Reload(ctx context.Context) (*eligibility.RuleTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
	if s.reloadErr != nil {
		return nil, s.reloadErr
	}
	return s.table, nil
}

type statusObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (o *statusObserver) ObserveEvaluation([]eligibility.Result, time.Duration) {}
func (o *statusObserver) EventPublished(string, error)                          {}

func (o *statusObserver) MessageConsumed(topic, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func (o *statusObserver) last() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.statuses) == 0 {
		return ""
	}
	return o.statuses[len(o.statuses)-1]
}

func testTable(t *testing.T) *eligibility.RuleTable {
	t.Helper()
	window := 12
	table, err := eligibility.NewRuleTable("test", []eligibility.Rule{
		{Code: "G35.0", Kind: eligibility.KindBVB},
		{Code: "I63.9", Kind: eligibility.KindBVB, AcuteWindowMonths: &window},
		{Code: "R26.2", Kind: eligibility.KindLHB, RequiresSecondCode: true},
	})
	if err != nil {
		t.Fatalf("NewRuleTable failed: %v", err)
	}
	return table
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 10
	cfg.Pool = workerpool.Config{Workers: 2, MaxRetries: 0, RetryDelay: time.Millisecond}
	cfg.Inbox = idempotency.InboxConfig{TTL: time.Hour, RecoveryTimeout: time.Minute}
	return cfg
}

func newProcessor(t *testing.T, store Store, pub *fakePublisher) (*Processor, *statusObserver) {
	t.Helper()
	return newProcessorWith(t, testConfig(), store, pub)
}

func newProcessorWith(t *testing.T, cfg Config, store Store, pub *fakePublisher) (*Processor, *statusObserver) {
	t.Helper()
	obs := &statusObserver{}
	p, err := New(cfg, store, pub, nil, nil, obs, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p.now = func() time.Time { return time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC) }
	p.Start()
	t.Cleanup(func() { p.Stop() })
	return p, obs
}

func requestMsg(offset int64, value string) *redpanda.ConsumedMessage {
	return &redpanda.ConsumedMessage{
		Topic:  redpanda.TopicEligibilityRequests,
		Offset: offset,
		Value:  []byte(value),
	}
}

func decodeOutcomes(t *testing.T, msgs []*redpanda.Message) map[string]Outcome {
	t.Helper()
	out := make(map[string]Outcome, len(msgs))
	for _, m := range msgs {
		var o Outcome
		if err := json.Unmarshal(m.Value, &o); err != nil {
			t.Fatalf("decode outcome: %v", err)
		}
		if m.Headers[redpanda.HeaderRequestID] != o.RequestID {
			t.Errorf("request id header %q, body %q", m.Headers[redpanda.HeaderRequestID], o.RequestID)
		}
		out[o.RequestID] = o
	}
	return out
}

func TestHandleRequest_Single(t *testing.T) {
	pub := &fakePublisher{}
	p, obs := newProcessor(t, &fakeStore{table: testTable(t)}, pub)

	msg := requestMsg(7, `{"requestId":"r-1","codes":"g35.0, X99"}`)
	if err := p.HandleRequest(context.Background(), msg); err != nil {
		t.Fatalf("HandleRequest failed: %v", err)
	}

	results := pub.onTopic(redpanda.TopicEligibilityResults)
	if len(results) != 1 {
		t.Fatalf("published %d outcomes", len(results))
	}
	o := decodeOutcomes(t, results)["r-1"]
	if o.Evaluation == nil {
		t.Fatalf("missing evaluation: %+v", o)
	}
	if o.Evaluation.ReferenceDate != "2025-07-01" {
		t.Errorf("reference date = %s", o.Evaluation.ReferenceDate)
	}
	if o.Evaluation.Summary.BVBCount != 1 || len(o.Evaluation.Results) != 2 {
		t.Errorf("unexpected evaluation %+v", o.Evaluation)
	}

	today := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	wantKey := eligibility.EvaluationKey(eligibility.PatientContext{Codes: []string{"G35.0", "X99"}}, today)
	if results[0].Key != wantKey {
		t.Errorf("key = %s, want %s", results[0].Key, wantKey)
	}
	if obs.last() != StatusProcessed {
		t.Errorf("status = %s", obs.last())
	}
}

func TestHandleRequest_BatchWithInvalidEntry(t *testing.T) {
	pub := &fakePublisher{}
	p, _ := newProcessor(t, &fakeStore{table: testTable(t)}, pub)

	msg := requestMsg(1, `{"batchId":"b1","requests":[
		{"codes":["I63.9"],"acuteEventDate":"2024-01-01","referenceDate":"2025-07-01"},
		{"codes":"G35.0","acuteEventDate":"yesterday"},
		{"requestId":"own","codes":"R26.2"}
	]}`)
	if err := p.HandleRequest(context.Background(), msg); err != nil {
		t.Fatalf("HandleRequest failed: %v", err)
	}

	outcomes := decodeOutcomes(t, pub.onTopic(redpanda.TopicEligibilityResults))
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes: %v", len(outcomes), outcomes)
	}

	first := outcomes["b1/0"]
	if first.BatchID != "b1" || first.Evaluation == nil {
		t.Fatalf("unexpected first outcome %+v", first)
	}
	if r := first.Evaluation.Results[0]; r.Eligible {
		t.Errorf("I63.9 with an 18 month old event should not be eligible: %+v", r)
	}

	second := outcomes["b1/1"]
	if second.Error == "" || second.Evaluation != nil {
		t.Errorf("expected date error, got %+v", second)
	}

	if own := outcomes["own"]; own.Evaluation == nil || own.Evaluation.Summary.TotalEligible != 0 {
		t.Errorf("unexpected outcome for own id: %+v", own)
	}
}

func TestHandleRequest_RedeliveryIsSkipped(t *testing.T) {
	pub := &fakePublisher{}
	p, obs := newProcessor(t, &fakeStore{table: testTable(t)}, pub)

	body := `{"batchId":"again","requests":[{"codes":"G35.0"}]}`
	for offset := int64(0); offset < 2; offset++ {
		if err := p.HandleRequest(context.Background(), requestMsg(offset, body)); err != nil {
			t.Fatalf("HandleRequest failed: %v", err)
		}
	}

	if n := len(pub.onTopic(redpanda.TopicEligibilityResults)); n != 1 {
		t.Errorf("published %d outcomes, want 1", n)
	}
	if obs.last() != StatusDuplicate {
		t.Errorf("status = %s", obs.last())
	}
	if s := p.InboxStats(); s.Finished != 1 {
		t.Errorf("inbox stats = %+v", s)
	}
}

func TestHandleRequest_MalformedGoesToDeadLetter(t *testing.T) {
	pub := &fakePublisher{}
	p, obs := newProcessor(t, &fakeStore{table: testTable(t)}, pub)

	msg := requestMsg(42, `not json`)
	msg.Headers = map[string]string{redpanda.HeaderRequestID: "req-9"}
	if err := p.HandleRequest(context.Background(), msg); err != nil {
		t.Fatalf("HandleRequest failed: %v", err)
	}

	dead := pub.onTopic(redpanda.TopicDeadLetter)
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d", len(dead))
	}
	h := dead[0].Headers
	if h[HeaderSourceTopic] != redpanda.TopicEligibilityRequests || h[HeaderSourceOffset] != "42" || h[HeaderError] == "" {
		t.Errorf("unexpected headers %v", h)
	}
	if h[redpanda.HeaderRequestID] != "req-9" {
		t.Errorf("request id not carried: %v", h)
	}
	if string(dead[0].Value) != "not json" {
		t.Errorf("value = %q", dead[0].Value)
	}
	if obs.last() != StatusDeadLetter {
		t.Errorf("status = %s", obs.last())
	}

	// the same record again is remembered as failed
	if err := p.HandleRequest(context.Background(), msg); err != nil {
		t.Fatalf("HandleRequest failed: %v", err)
	}
	if n := len(pub.onTopic(redpanda.TopicDeadLetter)); n != 1 {
		t.Errorf("dead letters = %d after redelivery", n)
	}
}

func TestHandleRequest_OversizedBatch(t *testing.T) {
	pub := &fakePublisher{}
	p, _ := newProcessor(t, &fakeStore{table: testTable(t)}, pub)

	reqs := make([]eligibility.Request, 11)
	for i := range reqs {
		reqs[i] = eligibility.Request{Codes: eligibility.CodeList{"G35.0"}}
	}
	body, _ := json.Marshal(BatchRequest{BatchID: "big", Requests: reqs})

	if err := p.HandleRequest(context.Background(), requestMsg(3, string(body))); err != nil {
		t.Fatalf("HandleRequest failed: %v", err)
	}
	if n := len(pub.onTopic(redpanda.TopicDeadLetter)); n != 1 {
		t.Errorf("dead letters = %d", n)
	}
	if n := len(pub.onTopic(redpanda.TopicEligibilityResults)); n != 0 {
		t.Errorf("outcomes = %d", n)
	}
}

func TestHandleRequest_PublishFailureIsRetried(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	p, obs := newProcessor(t, &fakeStore{table: testTable(t)}, pub)

	msg := requestMsg(5, `{"codes":"G35.0"}`)
	if err := p.HandleRequest(context.Background(), msg); err == nil {
		t.Fatal("expected error while publishing fails")
	}
	if obs.last() != StatusError {
		t.Errorf("status = %s", obs.last())
	}

	pub.setErr(nil)
	if err := p.HandleRequest(context.Background(), msg); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if n := len(pub.onTopic(redpanda.TopicEligibilityResults)); n != 1 {
		t.Errorf("outcomes = %d", n)
	}
}

func TestHandleRequest_ConcurrentBatchesShareSmallQueue(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchSize = 40
	cfg.Pool.QueueSize = 4
	pub := &fakePublisher{delay: time.Millisecond}
	p, _ := newProcessorWith(t, cfg, &fakeStore{table: testTable(t)}, pub)

	const partitions = 3
	errs := make(chan error, partitions)
	var wg sync.WaitGroup
	for part := 0; part < partitions; part++ {
		batch := BatchRequest{BatchID: fmt.Sprintf("p%d", part)}
		for i := 0; i < cfg.MaxBatchSize; i++ {
			batch.Requests = append(batch.Requests, eligibility.Request{Codes: eligibility.CodeList{"G35.0"}})
		}
		value, err := json.Marshal(batch)
		if err != nil {
			t.Fatalf("marshal batch: %v", err)
		}
		msg := &redpanda.ConsumedMessage{
			Topic:     redpanda.TopicEligibilityRequests,
			Partition: int32(part),
			Value:     value,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.HandleRequest(context.Background(), msg); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("HandleRequest failed: %v", err)
	}
	outcomes := decodeOutcomes(t, pub.onTopic(redpanda.TopicEligibilityResults))
	if len(outcomes) != partitions*cfg.MaxBatchSize {
		t.Errorf("outcomes = %d, want %d", len(outcomes), partitions*cfg.MaxBatchSize)
	}
	if err := p.Ready(context.Background()); err != nil {
		t.Errorf("queue should be drained: %v", err)
	}
}

func TestHandleRequest_TableNotLoaded(t *testing.T) {
	pub := &fakePublisher{}
	p, _ := newProcessor(t, &fakeStore{}, pub)

	if err := p.HandleRequest(context.Background(), requestMsg(0, `{"codes":"G35.0"}`)); err == nil {
		t.Fatal("expected error without a rule table")
	}
	if len(pub.onTopic(redpanda.TopicDeadLetter)) != 0 {
		t.Error("a missing table must not dead-letter the request")
	}
}

func TestHandleCommand(t *testing.T) {
	pub := &fakePublisher{}
	store := &fakeStore{table: testTable(t)}
	p, obs := newProcessor(t, store, pub)

	cmd := func(value string) *redpanda.ConsumedMessage {
		return &redpanda.ConsumedMessage{Topic: redpanda.TopicRulesCommands, Value: []byte(value)}
	}

	if err := p.HandleCommand(context.Background(), cmd(`{"command":"reload"}`)); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if store.reloads != 1 || obs.last() != StatusProcessed {
		t.Errorf("reloads = %d, status = %s", store.reloads, obs.last())
	}

	store.reloadErr = errors.New("bad csv")
	if err := p.HandleCommand(context.Background(), cmd(`{"command":"reload"}`)); err != nil {
		t.Fatalf("failed reload must not be returned: %v", err)
	}
	if obs.last() != StatusError {
		t.Errorf("status = %s", obs.last())
	}

	for _, v := range []string{`{"command":"drop"}`, `{`} {
		if err := p.HandleCommand(context.Background(), cmd(v)); err != nil {
			t.Fatalf("HandleCommand(%s) failed: %v", v, err)
		}
	}
	if n := len(pub.onTopic(redpanda.TopicDeadLetter)); n != 2 {
		t.Errorf("dead letters = %d", n)
	}
}

func TestNew_RequiresStoreAndPublisher(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, &fakePublisher{}, nil, nil, nil, nil); err == nil {
		t.Error("expected error without store")
	}
	if _, err := New(DefaultConfig(), &fakeStore{}, nil, nil, nil, nil, nil); err == nil {
		t.Error("expected error without publisher")
	}
}

// Package idempotency provides an in-memory Inbox for processing redelivered
// messages at most once per key within a retention window.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted  Status = "STARTED"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

// ErrMessageInProgress indicates the key is being processed right now
var ErrMessageInProgress = errors.New("message in progress by another handler")

// ErrPreviouslyFailed indicates the key failed permanently before
var ErrPreviouslyFailed = errors.New("message previously failed permanently")

// Terminal marks a handler error that must not be retried
type Terminal struct {
	Err error
}

func (e *Terminal) Error() string { return e.Err.Error() }

func (e *Terminal) Unwrap() error { return e.Err }

type entry struct {
	status    Status
	result    json.RawMessage
	updatedAt time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long finished and failed keys are remembered
	TTL time.Duration
	// CleanupInterval is how often to drop expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             time.Hour,
		CleanupInterval: time.Minute,
		RecoveryTimeout: 2 * time.Minute,
	}
}

// Inbox remembers which keys have been processed
type Inbox struct {
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewInbox creates a new inbox
func NewInbox(cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("inbox"),
		now:     time.Now,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew  bool
	Result json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Process runs fn unless key was already processed. A duplicate returns the
// stored result with IsNew false.
func (i *Inbox) Process(ctx context.Context, key string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(attribute.String("idempotency_key", key)))
	defer span.End()

	i.mu.Lock()
	now := i.now()
	if e, ok := i.entries[key]; ok && !i.expired(e, now) {
		switch e.status {
		case StatusFinished:
			i.mu.Unlock()
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{IsNew: false, Result: e.result}, nil
		case StatusFailed:
			i.mu.Unlock()
			return nil, ErrPreviouslyFailed
		case StatusStarted:
			if now.Sub(e.updatedAt) <= i.config.RecoveryTimeout {
				i.mu.Unlock()
				return nil, ErrMessageInProgress
			}
			i.logger.Warn("recovering abandoned inbox entry", zap.String("key", key))
		}
	}
	i.entries[key] = &entry{status: StatusStarted, updatedAt: now}
	i.mu.Unlock()

	result, err := fn(ctx)

	i.mu.Lock()
	defer i.mu.Unlock()

	if err != nil {
		var terminal *Terminal
		if errors.As(err, &terminal) {
			i.entries[key] = &entry{status: StatusFailed, updatedAt: i.now()}
		} else {
			// retryable: forget the key so a redelivery runs again
			delete(i.entries, key)
		}
		span.RecordError(err)
		return nil, err
	}

	i.entries[key] = &entry{status: StatusFinished, result: result, updatedAt: i.now()}
	return &ProcessResult{IsNew: true, Result: result}, nil
}

func (i *Inbox) expired(e *entry, now time.Time) bool {
	return e.status != StatusStarted && now.Sub(e.updatedAt) > i.config.TTL
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	if !i.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.stop:
				return
			case <-ticker.C:
				if n := i.Cleanup(); n > 0 {
					i.logger.Debug("inbox entries expired", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop stops the cleanup goroutine started by StartCleanup
func (i *Inbox) Stop() {
	i.stopOnce.Do(func() {
		close(i.stop)
		if i.started.Load() {
			<-i.done
		}
	})
}

// Cleanup drops expired entries and returns how many were removed
func (i *Inbox) Cleanup() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	removed := 0
	for key, e := range i.entries {
		if i.expired(e, now) {
			delete(i.entries, key)
			removed++
		}
	}
	return removed
}

// InboxStats holds inbox statistics
type InboxStats struct {
	Started  int
	Finished int
	Failed   int
}

// Stats returns current inbox statistics
func (i *Inbox) Stats() InboxStats {
	i.mu.Lock()
	defer i.mu.Unlock()

	var s InboxStats
	for _, e := range i.entries {
		switch e.status {
		case StatusStarted:
			s.Started++
		case StatusFinished:
			s.Finished++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

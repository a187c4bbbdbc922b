package ruletable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/bvb-checker/internal/domain/eligibility"
)

// ErrNotLoaded is returned while no table has been published yet
var ErrNotLoaded = errors.New("rule table not loaded")

// ReloadObserver is notified after every reload attempt
type ReloadObserver interface {
	RuleTableReloaded(table *eligibility.RuleTable, duration time.Duration, err error)
}

// Store publishes the current rule table. Readers never see a partially built
// table: a reload builds the whole table first and then swaps the pointer.
type Store struct {
	source    Source
	logger    *zap.Logger
	observers []ReloadObserver

	current atomic.Pointer[eligibility.RuleTable]
	// reloadMu serializes reloads; readers do not take it
	reloadMu sync.Mutex
}

// NewStore creates a store over a source. Call Reload before serving.
func NewStore(source Source, logger *zap.Logger, observers ...ReloadObserver) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		source:    source,
		logger:    logger,
		observers: observers,
	}
}

// Current returns the published table, or nil before the first successful load
func (s *Store) Current() *eligibility.RuleTable {
	return s.current.Load()
}

// Table returns the published table or ErrNotLoaded
func (s *Store) Table() (*eligibility.RuleTable, error) {
	t := s.current.Load()
	if t == nil {
		return nil, ErrNotLoaded
	}
	return t, nil
}

// Ready reports whether a table has been published
func (s *Store) Ready() bool {
	return s.current.Load() != nil
}

// SourceName returns the name of the configured source
func (s *Store) SourceName() string {
	return s.source.Name()
}

// Reload builds a fresh table from the source and publishes it. On failure the
// previously published table stays in place.
func (s *Store) Reload(ctx context.Context) (*eligibility.RuleTable, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	start := time.Now()
	table, err := s.source.Load(ctx)
	duration := time.Since(start)

	for _, o := range s.observers {
		o.RuleTableReloaded(table, duration, err)
	}

	if err != nil {
		s.logger.Error("rule table reload failed",
			zap.String("source", s.source.Name()),
			zap.Bool("serving_previous", s.Ready()),
			zap.Error(err))
		return nil, err
	}

	s.current.Store(table)

	stats := table.Stats()
	s.logger.Info("rule table loaded",
		zap.String("source", s.source.Name()),
		zap.Int("rules", stats.Total),
		zap.Int("bvb", stats.BVB),
		zap.Int("lhb", stats.LHB),
		zap.Int("none", stats.None),
		zap.Duration("duration", duration))
	return table, nil
}

// Package postgres provides PostgreSQL infrastructure components.
// RuleSource reads the diagnosis list from a table maintained by the
// clinical content team.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/bvb-checker/internal/domain/eligibility"
	"github.com/drfirst/bvb-checker/internal/ruletable"
)

// DefaultTable is the table holding the diagnosis list
const DefaultTable = "diagnosis_rules"

// RuleSourceConfig holds configuration for the database rule source
type RuleSourceConfig struct {
	// Table is the (optionally schema qualified) table name
	Table string
	// Loader controls record coercion
	Loader ruletable.LoaderConfig
}

// DefaultRuleSourceConfig returns sensible defaults
func DefaultRuleSourceConfig() RuleSourceConfig {
	return RuleSourceConfig{
		Table:  DefaultTable,
		Loader: ruletable.DefaultLoaderConfig(),
	}
}

// RuleSource loads rule tables from PostgreSQL. Every column is read as text
// and coerced by ruletable.Build, so the database and the CSV file follow the
// same rules.
type RuleSource struct {
	pool   *pgxpool.Pool
	config RuleSourceConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRuleSource creates a rule source over an existing pool
func NewRuleSource(pool *pgxpool.Pool, cfg RuleSourceConfig, logger *zap.Logger) *RuleSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.Loader.Logger == nil {
		cfg.Loader.Logger = logger
	}
	return &RuleSource{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("postgres-rules"),
	}
}

// Connect opens a pool and verifies connectivity
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Name identifies the source in logs and errors
func (s *RuleSource) Name() string {
	return "postgres:" + s.config.Table
}

// Query returns the statement used to read the table
func (s *RuleSource) Query() string {
	cols := make([]string, len(ruletable.Columns))
	for i, c := range ruletable.Columns {
		cols[i] = fmt.Sprintf("COALESCE(%q::text, '')", c)
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY id", strings.Join(cols, ", "), s.config.Table)
}

// Load reads every row and builds a table
func (s *RuleSource) Load(ctx context.Context) (*eligibility.RuleTable, error) {
	ctx, span := s.tracer.Start(ctx, "load_rule_table",
		trace.WithAttributes(attribute.String("db.table", s.config.Table)))
	defer span.End()

	rows, err := s.pool.Query(ctx, s.Query())
	if err != nil {
		span.RecordError(err)
		return nil, &ruletable.LoadError{Source: s.Name(), Err: fmt.Errorf("query failed: %w", err)}
	}
	defer rows.Close()

	var records [][]string
	for rows.Next() {
		record := make([]string, len(ruletable.Columns))
		dest := make([]any, len(record))
		for i := range record {
			dest[i] = &record[i]
		}
		if err := rows.Scan(dest...); err != nil {
			span.RecordError(err)
			return nil, &ruletable.LoadError{Source: s.Name(), Row: len(records) + 1, Err: fmt.Errorf("scan failed: %w", err)}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, &ruletable.LoadError{Source: s.Name(), Err: err}
	}

	span.SetAttributes(attribute.Int("rows", len(records)))
	s.logger.Debug("diagnosis rules fetched",
		zap.String("table", s.config.Table),
		zap.Int("rows", len(records)))

	return ruletable.Build(s.Name(), ruletable.Columns, records, s.config.Loader)
}

// Ping reports whether the database is reachable
func (s *RuleSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

package config

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/bvb-checker/data"
	"github.com/drfirst/bvb-checker/internal/infrastructure/postgres"
	"github.com/drfirst/bvb-checker/internal/ruletable"
)

// RuleSource opens the configured rule source. The returned close function
// releases its resources and is never nil.
func (c Config) RuleSource(ctx context.Context, logger *zap.Logger) (ruletable.Source, func(), error) {
	loader := c.Loader(logger)

	switch c.RulesSource {
	case SourceFile:
		return ruletable.NewFileSource(c.RulesFile, loader), func() {}, nil
	case SourcePostgres:
		pool, err := postgres.Connect(ctx, c.DatabaseURL)
		if err != nil {
			return nil, func() {}, err
		}
		src := postgres.NewRuleSource(pool, postgres.RuleSourceConfig{Table: c.RulesTable, Loader: loader}, logger)
		return src, pool.Close, nil
	case SourceEmbedded:
		return ruletable.NewBytesSource(data.DiagnosisListName, data.DiagnosisList, loader), func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown RULES_SOURCE %q", c.RulesSource)
	}
}

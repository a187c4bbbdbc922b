// Package ruletable loads the diagnosis list into an immutable rule table and
// publishes it to evaluators.
package ruletable

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/bvb-checker/internal/domain/eligibility"
)

// DuplicatePolicy decides what happens when a code appears twice
type DuplicatePolicy string

const (
	// DuplicatesReject fails the load with a DuplicateCodeError
	DuplicatesReject DuplicatePolicy = "reject"
	// DuplicatesLastWins keeps the last row for a code
	DuplicatesLastWins DuplicatePolicy = "last-wins"
)

// ParseDuplicatePolicy converts a configuration value into a policy
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch p := DuplicatePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", DuplicatesReject:
		return DuplicatesReject, nil
	case DuplicatesLastWins:
		return p, nil
	default:
		return "", fmt.Errorf("unknown duplicate policy %q", s)
	}
}

// LoaderConfig holds rule loading options
type LoaderConfig struct {
	// Duplicates selects the duplicate code policy
	Duplicates DuplicatePolicy
	// DefaultSourceVersion is used when the source has no source_version column
	DefaultSourceVersion string
	// Logger receives warnings about skipped rows
	Logger *zap.Logger
}

// DefaultLoaderConfig returns the strict loading defaults
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		Duplicates: DuplicatesReject,
	}
}

// column identifies a known field of the diagnosis list
type column int

const (
	colCode column = iota
	colTitle
	colGroup
	colKind
	colRequiresSecond
	colSecondHint
	colAcuteWindow
	colNotes
	colSourceURL
	colSourceVersion
)

// Header names, including the legacy icd-based names of the published list
var columnAliases = map[string]column{
	"code":                 colCode,
	"icd":                  colCode,
	"title":                colTitle,
	"group":                colGroup,
	"eligibility":          colKind,
	"eligibility_kind":     colKind,
	"kind":                 colKind,
	"requires_second_code": colRequiresSecond,
	"requires_second_icd":  colRequiresSecond,
	"second_code_hint":     colSecondHint,
	"second_icd_hint":      colSecondHint,
	"acute_window_months":  colAcuteWindow,
	"notes":                colNotes,
	"source_url":           colSourceURL,
	"source_version":       colSourceVersion,
}

// Columns lists the canonical header of the diagnosis list
var Columns = []string{
	"code", "title", "group", "eligibility", "requires_second_code",
	"second_code_hint", "acute_window_months", "notes", "source_url", "source_version",
}

// Parse reads a CSV diagnosis list
func Parse(name string, r io.Reader, cfg LoaderConfig) (*eligibility.RuleTable, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &LoadError{Source: name, Err: ErrMissingCodeColumn}
		}
		return nil, &LoadError{Source: name, Err: fmt.Errorf("read header: %w", err)}
	}

	var records [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &LoadError{Source: name, Row: len(records) + 1, Err: err}
		}
		records = append(records, record)
	}

	return Build(name, header, records, cfg)
}

// Build coerces raw string records into a rule table. Every source funnels its
// rows through here so that the coercion rules are identical.
func Build(name string, header []string, records [][]string, cfg LoaderConfig) (*eligibility.RuleTable, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	index := make(map[column]int)
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if col, ok := columnAliases[h]; ok {
			if _, seen := index[col]; !seen {
				index[col] = i
			}
		}
	}
	if _, ok := index[colCode]; !ok {
		return nil, &LoadError{Source: name, Err: ErrMissingCodeColumn}
	}

	field := func(record []string, col column) (string, bool) {
		i, ok := index[col]
		if !ok || i >= len(record) {
			return "", ok
		}
		return record[i], true
	}

	rules := make([]eligibility.Rule, 0, len(records))
	position := make(map[string]int, len(records))
	rows := make(map[string]int, len(records))
	skipped := 0

	for n, record := range records {
		row := n + 1

		raw, _ := field(record, colCode)
		code := strings.ToUpper(strings.TrimSpace(raw))
		if code == "" {
			skipped++
			logger.Warn("skipping row without code", zap.String("source", name), zap.Int("row", row))
			continue
		}

		rule, err := coerceRow(code, record, field, cfg)
		if err != nil {
			return nil, &LoadError{Source: name, Row: row, Err: err}
		}

		if at, dup := position[code]; dup {
			if cfg.Duplicates != DuplicatesLastWins {
				return nil, &LoadError{
					Source: name,
					Row:    row,
					Err:    &DuplicateCodeError{Code: code, FirstRow: rows[code], Row: row},
				}
			}
			logger.Warn("duplicate code overwritten",
				zap.String("source", name),
				zap.String("code", code),
				zap.Int("first_row", rows[code]),
				zap.Int("row", row))
			rules[at] = rule
			rows[code] = row
			continue
		}

		position[code] = len(rules)
		rows[code] = row
		rules = append(rules, rule)
	}

	table, err := eligibility.NewRuleTable(name, rules)
	if err != nil {
		return nil, &LoadError{Source: name, Err: err}
	}

	logger.Debug("rule table built",
		zap.String("source", name),
		zap.Int("rules", table.Len()),
		zap.Int("skipped", skipped))
	return table, nil
}

func coerceRow(code string, record []string, field func([]string, column) (string, bool), cfg LoaderConfig) (eligibility.Rule, error) {
	text := func(col column) string {
		v, _ := field(record, col)
		return v
	}

	kind, err := eligibility.ParseKind(text(colKind))
	if err != nil {
		return eligibility.Rule{}, err
	}

	window, err := parseWindow(text(colAcuteWindow))
	if err != nil {
		return eligibility.Rule{}, err
	}

	version, present := field(record, colSourceVersion)
	if !present {
		version = cfg.DefaultSourceVersion
	}

	return eligibility.Rule{
		Code:               code,
		Title:              text(colTitle),
		Group:              text(colGroup),
		Kind:               kind,
		RequiresSecondCode: parseFlag(text(colRequiresSecond)),
		SecondCodeHint:     text(colSecondHint),
		AcuteWindowMonths:  window,
		Notes:              text(colNotes),
		SourceURL:          text(colSourceURL),
		SourceVersion:      version,
	}, nil
}

// parseFlag accepts true, 1 and yes in any case
func parseFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// parseWindow returns nil for blank, non-numeric or out of range input.
// Integral floats such as "6.0" are accepted since spreadsheet exports write
// integers that way.
func parseWindow(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return nil, nil
		}
		if f > math.MaxInt32 || f < math.MinInt32 {
			return nil, nil
		}
		n = int(f)
	}
	if n < 0 {
		return nil, fmt.Errorf("acute_window_months must not be negative, got %d", n)
	}
	return &n, nil
}

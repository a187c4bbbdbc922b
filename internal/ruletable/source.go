package ruletable

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/drfirst/bvb-checker/internal/domain/eligibility"
)

// Source produces a complete rule table on demand
type Source interface {
	// Name identifies the source in logs and errors
	Name() string
	// Load builds a new table. It must not return a partially built table.
	Load(ctx context.Context) (*eligibility.RuleTable, error)
}

// FileSource reads a CSV diagnosis list from disk
type FileSource struct {
	Path   string
	Config LoaderConfig
}

// NewFileSource creates a CSV file source
func NewFileSource(path string, cfg LoaderConfig) *FileSource {
	return &FileSource{Path: path, Config: cfg}
}

// Name returns the file path
func (s *FileSource) Name() string { return s.Path }

// Load parses the file
func (s *FileSource) Load(ctx context.Context) (*eligibility.RuleTable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, &LoadError{Source: s.Path, Err: fmt.Errorf("open: %w", err)}
	}
	defer f.Close()

	return Parse(s.Path, f, s.Config)
}

// BytesSource parses an in-memory CSV document, such as the embedded default list
type BytesSource struct {
	Label  string
	Data   []byte
	Config LoaderConfig
}

// NewBytesSource creates a source over a CSV document held in memory
func NewBytesSource(label string, data []byte, cfg LoaderConfig) *BytesSource {
	return &BytesSource{Label: label, Data: data, Config: cfg}
}

// Name returns the label
func (s *BytesSource) Name() string { return s.Label }

// Load parses the document
func (s *BytesSource) Load(ctx context.Context) (*eligibility.RuleTable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Parse(s.Label, bytes.NewReader(s.Data), s.Config)
}

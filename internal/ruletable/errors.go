package ruletable

import (
	"errors"
	"fmt"
)

// ErrMissingCodeColumn indicates the source has no code column
var ErrMissingCodeColumn = errors.New("mandatory column \"code\" is missing")

// LoadError reports a rule table that could not be built. Row is the 1-based
// data row (header excluded), or 0 when the failure is not tied to a row.
type LoadError struct {
	Source string
	Row    int
	Err    error
}

func (e *LoadError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("load rule table %s: row %d: %v", e.Source, e.Row, e.Err)
	}
	return fmt.Sprintf("load rule table %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// DuplicateCodeError reports a code that appears on more than one row
type DuplicateCodeError struct {
	Code     string
	FirstRow int
	Row      int
}

func (e *DuplicateCodeError) Error() string {
	return fmt.Sprintf("duplicate code %s (rows %d and %d)", e.Code, e.FirstRow, e.Row)
}

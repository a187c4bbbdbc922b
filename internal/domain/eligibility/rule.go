// Package eligibility implements the BVB/LHB rule table and the pure evaluator
// that decides per-code eligibility for a patient.
package eligibility

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the regulatory category a diagnosis code is listed under
type Kind string

const (
	KindBVB  Kind = "BVB"
	KindLHB  Kind = "LHB"
	KindNone Kind = "NONE"
)

// ParseKind converts a textual category into a Kind. Blank input maps to KindNone.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case "":
		return KindNone, nil
	case KindBVB, KindLHB, KindNone:
		return k, nil
	default:
		return "", fmt.Errorf("unknown eligibility kind %q", s)
	}
}

// Listed reports whether the kind is one of the qualifying categories
func (k Kind) Listed() bool {
	return k == KindBVB || k == KindLHB
}

func (k Kind) String() string { return string(k) }

// Rule is one row of the diagnosis list
type Rule struct {
	Code               string `json:"code"`
	Title              string `json:"title"`
	Group              string `json:"group"`
	Kind               Kind   `json:"eligibilityKind"`
	RequiresSecondCode bool   `json:"requiresSecondCode"`
	SecondCodeHint     string `json:"secondCodeHint"`
	// AcuteWindowMonths is nil when the rule has no acute-event window.
	AcuteWindowMonths *int   `json:"acuteWindowMonths"`
	Notes             string `json:"notes"`
	SourceURL         string `json:"sourceUrl"`
	SourceVersion     string `json:"sourceVersion"`
}

// PatientContext carries the codes submitted for one patient
type PatientContext struct {
	// Codes keeps input order; duplicates are evaluated independently.
	Codes []string
	// AcuteEventDate is the calendar date of the qualifying acute event, if any.
	AcuteEventDate *time.Time
}

// Months returns a pointer to n, for building rules with an acute window
func Months(n int) *int { return &n }

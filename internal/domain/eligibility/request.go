package eligibility

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoCodes is returned when a request holds no code after normalization
var ErrNoCodes = errors.New("no diagnosis codes given")

// DateError reports a date field that is not a calendar date
type DateError struct {
	Field string
	Value string
}

func (e *DateError) Error() string {
	return fmt.Sprintf("%s: expected YYYY-MM-DD, got %q", e.Field, e.Value)
}

// CodeList accepts free text ("G35.0, I63.9") or an array of strings in JSON
type CodeList []string

// UnmarshalJSON implements json.Unmarshaler
func (c *CodeList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = CodeList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("codes must be a string or an array of strings")
	}
	*c = list
	return nil
}

// Normalize splits and uppercases every entry, keeping order and duplicates
func (c CodeList) Normalize() []string {
	return NormalizeCodes(strings.Join(c, ","))
}

// Request is an evaluation request as received on the HTTP and broker boundaries
type Request struct {
	RequestID      string   `json:"requestId,omitempty"`
	Codes          CodeList `json:"codes"`
	AcuteEventDate string   `json:"acuteEventDate,omitempty"`
	ReferenceDate  string   `json:"referenceDate,omitempty"`
}

// Resolve validates the request and returns the patient context and the
// reference date. today is used when no reference date is given.
func (r Request) Resolve(today time.Time) (PatientContext, time.Time, error) {
	codes := r.Codes.Normalize()
	if len(codes) == 0 {
		return PatientContext{}, time.Time{}, ErrNoCodes
	}

	ref := CalendarDate(today)
	if r.ReferenceDate != "" {
		d, err := ParseDate("referenceDate", r.ReferenceDate)
		if err != nil {
			return PatientContext{}, time.Time{}, err
		}
		ref = d
	}

	ctx := PatientContext{Codes: codes}
	if r.AcuteEventDate != "" {
		d, err := ParseDate("acuteEventDate", r.AcuteEventDate)
		if err != nil {
			return PatientContext{}, time.Time{}, err
		}
		ctx.AcuteEventDate = &d
	}
	return ctx, ref, nil
}

// ParseDate parses a YYYY-MM-DD value for the named field
func ParseDate(field, value string) (time.Time, error) {
	d, err := time.Parse(DateFormat, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, &DateError{Field: field, Value: value}
	}
	return d, nil
}

// CalendarDate drops the clock part of t, keeping its calendar date
func CalendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Evaluation is the complete answer to a Request
type Evaluation struct {
	RequestID      string   `json:"requestId"`
	CodesInput     []string `json:"codesInput"`
	ReferenceDate  string   `json:"referenceDate"`
	AcuteEventDate string   `json:"acuteEventDate,omitempty"`
	RuleSource     string   `json:"ruleSource"`
	Results        []Result `json:"results"`
	Summary        Summary  `json:"summary"`
}

// Run evaluates a resolved context against table and assembles the answer
func Run(table *RuleTable, requestID string, ctx PatientContext, today time.Time) Evaluation {
	results := Evaluate(table, ctx, today)
	ev := Evaluation{
		RequestID:     requestID,
		CodesInput:    ctx.Codes,
		ReferenceDate: today.Format(DateFormat),
		RuleSource:    table.Source(),
		Results:       results,
		Summary:       Summarize(results),
	}
	if ctx.AcuteEventDate != nil {
		ev.AcuteEventDate = ctx.AcuteEventDate.Format(DateFormat)
	}
	return ev
}

// AuditData converts an evaluation into the payload of an EligibilityEvaluated event
func (e Evaluation) AuditData(evaluatedAt time.Time) EvaluatedData {
	return EvaluatedData{
		Codes:          e.CodesInput,
		AcuteEventDate: e.AcuteEventDate,
		ReferenceDate:  e.ReferenceDate,
		RuleSource:     e.RuleSource,
		Results:        e.Results,
		Summary:        e.Summary,
		EvaluatedAt:    evaluatedAt,
	}
}

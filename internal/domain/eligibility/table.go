package eligibility

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RuleTable maps normalized diagnosis codes to their rule. It is never mutated
// after NewRuleTable returns; a reload builds a new table.
type RuleTable struct {
	rules    map[string]Rule
	codes    []string
	source   string
	loadedAt time.Time
}

// NewRuleTable builds a table from rules whose codes are already normalized.
// Codes must be unique and non-empty.
func NewRuleTable(source string, rules []Rule) (*RuleTable, error) {
	t := &RuleTable{
		rules:    make(map[string]Rule, len(rules)),
		codes:    make([]string, 0, len(rules)),
		source:   source,
		loadedAt: time.Now().UTC(),
	}
	for _, r := range rules {
		if r.Code == "" {
			return nil, fmt.Errorf("rule with empty code")
		}
		if _, ok := t.rules[r.Code]; ok {
			return nil, fmt.Errorf("duplicate code %s", r.Code)
		}
		if !r.Kind.Listed() && r.Kind != KindNone {
			return nil, fmt.Errorf("code %s: unknown eligibility kind %q", r.Code, r.Kind)
		}
		if r.AcuteWindowMonths != nil {
			if *r.AcuteWindowMonths < 0 {
				return nil, fmt.Errorf("code %s: negative acute window", r.Code)
			}
			r.AcuteWindowMonths = Months(*r.AcuteWindowMonths)
		}
		t.rules[r.Code] = r
		t.codes = append(t.codes, r.Code)
	}
	sort.Strings(t.codes)
	return t, nil
}

// Lookup returns the rule for a normalized code
func (t *RuleTable) Lookup(code string) (Rule, bool) {
	if t == nil {
		return Rule{}, false
	}
	r, ok := t.rules[code]
	if ok && r.AcuteWindowMonths != nil {
		r.AcuteWindowMonths = Months(*r.AcuteWindowMonths)
	}
	return r, ok
}

// Len returns the number of rules
func (t *RuleTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// Codes returns all codes in sorted order
func (t *RuleTable) Codes() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.codes...)
}

// Source names where the table was loaded from
func (t *RuleTable) Source() string {
	if t == nil {
		return ""
	}
	return t.source
}

// LoadedAt is the time the table was built
func (t *RuleTable) LoadedAt() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.loadedAt
}

// Distribution counts rules per category
type Distribution struct {
	BVB   int `json:"BVB"`
	LHB   int `json:"LHB"`
	None  int `json:"NONE"`
	Total int `json:"total"`
}

// Stats returns the category distribution of the table
func (t *RuleTable) Stats() Distribution {
	var d Distribution
	if t == nil {
		return d
	}
	for _, r := range t.rules {
		switch r.Kind {
		case KindBVB:
			d.BVB++
		case KindLHB:
			d.LHB++
		default:
			d.None++
		}
	}
	d.Total = len(t.rules)
	return d
}

// Neighbors returns up to k codes of the same family as code, e.g. R26.* for R26.2.
// The family stem is the first four characters when the fourth is a dot, otherwise
// the first three followed by a dot.
func (t *RuleTable) Neighbors(code string, k int) []string {
	if t == nil || k <= 0 {
		return nil
	}
	stem := familyStem(code)
	var out []string
	for _, c := range t.codes {
		if strings.HasPrefix(c, stem) {
			out = append(out, c)
			if len(out) == k {
				break
			}
		}
	}
	return out
}

func familyStem(code string) string {
	if len(code) >= 4 && code[3] == '.' {
		return code[:4]
	}
	if len(code) > 3 {
		code = code[:3]
	}
	return code + "."
}

// KnownCodeCheck reports how a reference code is represented in the table
type KnownCodeCheck struct {
	Code   string `json:"code"`
	Found  bool   `json:"found"`
	Kind   Kind   `json:"kind,omitempty"`
	Listed bool   `json:"listed"`
}

// ValidateKnownCodes checks reference codes that a complete diagnosis list is
// expected to contain
func ValidateKnownCodes(t *RuleTable, codes []string) []KnownCodeCheck {
	out := make([]KnownCodeCheck, 0, len(codes))
	for _, c := range codes {
		check := KnownCodeCheck{Code: c}
		if r, ok := t.Lookup(c); ok {
			check.Found = true
			check.Kind = r.Kind
			check.Listed = r.Kind.Listed()
		}
		out = append(out, check)
	}
	return out
}

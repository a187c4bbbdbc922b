package eligibility

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultTitle      = "Diagnose"
	defaultSecondHint = "see diagnosis list"
	unknownVersion    = "unknown"
)

// MonthsBetween returns the whole months from earlier to later. One month is
// subtracted when later's day of month precedes earlier's, so a partial month
// does not count: 2025-01-15 to 2025-07-14 is 5 months.
func MonthsBetween(later, earlier time.Time) int {
	ly, lm, ld := later.Date()
	ey, em, ed := earlier.Date()
	months := (ly-ey)*12 + int(lm-em)
	if ld < ed {
		months--
	}
	return months
}

// CheckRule decides eligibility of one rule for a patient at the reference date today
func CheckRule(rule Rule, ctx PatientContext, today time.Time) Result {
	var conds Conditions
	var missing []string

	conds.Listed = rule.Kind.Listed()

	if rule.RequiresSecondCode {
		conds.SecondCodeChecked = true
		conds.SecondCodePresent = hasOtherCode(ctx.Codes, rule.Code)
		if !conds.SecondCodePresent {
			hint := strings.TrimSpace(rule.SecondCodeHint)
			if hint == "" {
				hint = defaultSecondHint
			}
			missing = append(missing, fmt.Sprintf("second code required (%s)", hint))
		}
	}

	if rule.AcuteWindowMonths != nil {
		conds.AcuteWindowChecked = true
		if ctx.AcuteEventDate == nil {
			missing = append(missing, "acute event date required")
		} else {
			window := *rule.AcuteWindowMonths
			conds.AcuteWindowOK = MonthsBetween(today, *ctx.AcuteEventDate) <= window
			if !conds.AcuteWindowOK {
				missing = append(missing, fmt.Sprintf("acute window exceeded (≤ %d months)", window))
			}
		}
	}

	eligible := conds.AllMet() && conds.Listed

	res := Result{
		Code:          rule.Code,
		Eligible:      eligible,
		ConditionsMet: conds,
		Missing:       missing,
		Explanation:   explain(rule, eligible),
		SourceVersion: rule.SourceVersion,
	}
	if eligible {
		res.Kind = rule.Kind
	}
	if res.Missing == nil {
		res.Missing = []string{}
	}
	return res
}

// Evaluate checks every submitted code against the table, in input order
func Evaluate(table *RuleTable, ctx PatientContext, today time.Time) []Result {
	results := make([]Result, 0, len(ctx.Codes))
	for _, code := range ctx.Codes {
		rule, ok := table.Lookup(code)
		if !ok {
			results = append(results, notFound(code))
			continue
		}
		results = append(results, CheckRule(rule, ctx, today))
	}
	return results
}

func notFound(code string) Result {
	return Result{
		Code:          code,
		Eligible:      false,
		ConditionsMet: Conditions{Listed: false},
		Missing:       []string{MissingNotFound},
		Explanation:   code + " - code not found in the diagnosis list",
		SourceVersion: unknownVersion,
	}
}

func hasOtherCode(codes []string, own string) bool {
	for _, c := range codes {
		if c != own {
			return true
		}
	}
	return false
}

func explain(rule Rule, eligible bool) string {
	title := strings.TrimSpace(rule.Title)
	if title == "" {
		title = defaultTitle
	}
	group := strings.TrimSpace(rule.Group)
	notes := strings.TrimSpace(rule.Notes)

	var b strings.Builder
	b.WriteString(rule.Code)
	b.WriteString(" – ")
	b.WriteString(title)
	b.WriteString(": ")
	if eligible {
		b.WriteString("qualifies")
	} else {
		b.WriteString("does not qualify")
	}
	if rule.Kind.Listed() {
		b.WriteString(" for ")
		b.WriteString(string(rule.Kind))
	}
	if group != "" {
		b.WriteString(" (group ")
		b.WriteString(group)
		b.WriteString(")")
	}
	if notes != "" {
		b.WriteString(". ")
		b.WriteString(notes)
	}
	return strings.TrimSpace(b.String())
}

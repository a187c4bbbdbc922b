package eligibility

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func mustTable(t *testing.T, rules ...Rule) *RuleTable {
	t.Helper()
	table, err := NewRuleTable("test", rules)
	if err != nil {
		t.Fatalf("NewRuleTable failed: %v", err)
	}
	return table
}

func TestMonthsBetween(t *testing.T) {
	tests := []struct {
		name           string
		later, earlier time.Time
		want           int
	}{
		{"six whole months", date(2025, 7, 1), date(2025, 1, 1), 6},
		{"earlier day later in same month", date(2025, 1, 15), date(2025, 1, 20), -1},
		{"partial month is not counted", date(2025, 7, 14), date(2025, 1, 15), 5},
		{"same day of month counts", date(2025, 7, 15), date(2025, 1, 15), 6},
		{"across year boundary", date(2026, 2, 1), date(2025, 11, 1), 3},
		{"same date", date(2025, 3, 3), date(2025, 3, 3), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MonthsBetween(tt.later, tt.earlier); got != tt.want {
				t.Errorf("MonthsBetween(%s, %s) = %d, want %d",
					tt.later.Format(DateFormat), tt.earlier.Format(DateFormat), got, tt.want)
			}
		})
	}
}

func TestCheckRule_KindNoneNeverEligible(t *testing.T) {
	today := date(2025, 6, 1)
	event := date(2025, 5, 1)
	variants := []Rule{
		{Code: "M25.9", Kind: KindNone},
		{Code: "M25.9", Kind: KindNone, RequiresSecondCode: true},
		{Code: "M25.9", Kind: KindNone, AcuteWindowMonths: Months(12)},
	}
	ctx := PatientContext{Codes: []string{"M25.9", "I10"}, AcuteEventDate: &event}

	for _, rule := range variants {
		res := CheckRule(rule, ctx, today)
		if res.Eligible {
			t.Errorf("rule %+v: expected not eligible", rule)
		}
		if res.Kind != "" {
			t.Errorf("rule %+v: expected absent kind, got %q", rule, res.Kind)
		}
		if met, _ := res.ConditionsMet.Met(ConditionListed); met {
			t.Error("is_listed should be false for NONE")
		}
	}
}

func TestCheckRule_SecondCodeOnlyOwnCode(t *testing.T) {
	rule := Rule{Code: "R26.2", Kind: KindBVB, RequiresSecondCode: true, SecondCodeHint: "G20.-"}
	ctx := PatientContext{Codes: []string{"R26.2", "R26.2"}}

	res := CheckRule(rule, ctx, date(2025, 6, 1))

	met, ok := res.ConditionsMet.Met(ConditionSecondCode)
	if !ok {
		t.Fatal("second_code_present should be evaluated")
	}
	if met {
		t.Error("second_code_present should be false when only the own code is present")
	}
	if res.Eligible {
		t.Error("expected not eligible")
	}
	if len(res.Missing) != 1 || res.Missing[0] != "second code required (G20.-)" {
		t.Errorf("unexpected missing: %v", res.Missing)
	}
}

func TestCheckRule_SecondCodePresent(t *testing.T) {
	rule := Rule{Code: "R26.2", Kind: KindLHB, RequiresSecondCode: true}
	ctx := PatientContext{Codes: []string{"R26.2", "G20.1"}}

	res := CheckRule(rule, ctx, date(2025, 6, 1))
	if !res.Eligible || res.Kind != KindLHB {
		t.Fatalf("expected eligible LHB, got %+v", res)
	}
	if len(res.Missing) != 0 {
		t.Errorf("expected no missing conditions, got %v", res.Missing)
	}
}

func TestCheckRule_SecondCodeGenericHint(t *testing.T) {
	rule := Rule{Code: "R26.2", Kind: KindBVB, RequiresSecondCode: true, SecondCodeHint: "  "}
	res := CheckRule(rule, PatientContext{Codes: []string{"R26.2"}}, date(2025, 6, 1))
	if len(res.Missing) != 1 || res.Missing[0] != "second code required (see diagnosis list)" {
		t.Errorf("unexpected missing: %v", res.Missing)
	}
}

func TestCheckRule_AcuteWindowMissingDate(t *testing.T) {
	rule := Rule{Code: "G35", Kind: KindBVB, AcuteWindowMonths: Months(6)}
	res := CheckRule(rule, PatientContext{Codes: []string{"G35"}}, date(2025, 9, 10))

	if res.Eligible {
		t.Error("expected not eligible without acute event date")
	}
	if met, ok := res.ConditionsMet.Met(ConditionAcuteWindow); !ok || met {
		t.Errorf("acute_window_ok = %v (applies %v), want false", met, ok)
	}
	if len(res.Missing) != 1 || res.Missing[0] != "acute event date required" {
		t.Errorf("unexpected missing: %v", res.Missing)
	}
}

func TestCheckRule_AcuteWindowExceeded(t *testing.T) {
	today := date(2025, 9, 10)
	event := today.AddDate(0, -8, 0)
	rule := Rule{Code: "G35", Kind: KindBVB, AcuteWindowMonths: Months(6)}

	res := CheckRule(rule, PatientContext{Codes: []string{"G35"}, AcuteEventDate: &event}, today)

	if met, _ := res.ConditionsMet.Met(ConditionAcuteWindow); met {
		t.Error("acute_window_ok should be false eight months after the event")
	}
	if res.Eligible {
		t.Error("expected not eligible")
	}
	if len(res.Missing) != 1 || res.Missing[0] != "acute window exceeded (≤ 6 months)" {
		t.Errorf("unexpected missing: %v", res.Missing)
	}
}

func TestCheckRule_AcuteWindowDayRounding(t *testing.T) {
	rule := Rule{Code: "I63.9", Kind: KindBVB, AcuteWindowMonths: Months(6)}
	event := date(2025, 1, 20)

	// 2025-07-19 is six months minus a day: the partial month is dropped, so 5 <= 6.
	res := CheckRule(rule, PatientContext{Codes: []string{"I63.9"}, AcuteEventDate: &event}, date(2025, 7, 19))
	if !res.Eligible {
		t.Errorf("expected eligible on 2025-07-19, got %+v", res)
	}

	// 2025-08-19 counts as 6 whole months, still within the window.
	res = CheckRule(rule, PatientContext{Codes: []string{"I63.9"}, AcuteEventDate: &event}, date(2025, 8, 19))
	if !res.Eligible {
		t.Errorf("expected eligible on 2025-08-19, got %+v", res)
	}

	// 2025-08-20 is seven whole months.
	res = CheckRule(rule, PatientContext{Codes: []string{"I63.9"}, AcuteEventDate: &event}, date(2025, 8, 20))
	if res.Eligible {
		t.Errorf("expected not eligible on 2025-08-20, got %+v", res)
	}
}

func TestCheckRule_ConditionOrder(t *testing.T) {
	rule := Rule{Code: "G35", Kind: KindBVB, RequiresSecondCode: true, AcuteWindowMonths: Months(6)}
	res := CheckRule(rule, PatientContext{Codes: []string{"G35"}}, date(2025, 1, 1))

	want := []string{ConditionListed, ConditionSecondCode, ConditionAcuteWindow}
	if got := res.ConditionsMet.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if len(res.Missing) != 2 || !strings.HasPrefix(res.Missing[0], "second code required") ||
		res.Missing[1] != "acute event date required" {
		t.Errorf("unexpected missing order: %v", res.Missing)
	}

	data, err := json.Marshal(res.ConditionsMet)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"is_listed":true,"second_code_present":false,"acute_window_ok":false}` {
		t.Errorf("unexpected conditions JSON: %s", data)
	}
}

func TestCheckRule_Explanation(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		ctx  PatientContext
		want string
	}{
		{
			name: "eligible with group and notes",
			rule: Rule{Code: "I63.9", Title: " Hirninfarkt ", Group: "ZN", Notes: "Bis 1 Jahr nach Akutereignis ", Kind: KindBVB},
			ctx:  PatientContext{Codes: []string{"I63.9"}},
			want: "I63.9 – Hirninfarkt: qualifies for BVB (group ZN). Bis 1 Jahr nach Akutereignis",
		},
		{
			name: "empty title falls back",
			rule: Rule{Code: "G35", Kind: KindLHB},
			ctx:  PatientContext{Codes: []string{"G35"}},
			want: "G35 – Diagnose: qualifies for LHB",
		},
		{
			name: "unlisted code",
			rule: Rule{Code: "M25.9", Title: "Gelenkkrankheit", Kind: KindNone},
			ctx:  PatientContext{Codes: []string{"M25.9"}},
			want: "M25.9 – Gelenkkrankheit: does not qualify",
		},
		{
			name: "listed but failing",
			rule: Rule{Code: "R26.2", Title: "Gehbeschwerden", Kind: KindBVB, RequiresSecondCode: true},
			ctx:  PatientContext{Codes: []string{"R26.2"}},
			want: "R26.2 – Gehbeschwerden: does not qualify for BVB",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := CheckRule(tt.rule, tt.ctx, date(2025, 1, 1))
			if res.Explanation != tt.want {
				t.Errorf("explanation = %q, want %q", res.Explanation, tt.want)
			}
		})
	}
}

func TestEvaluate_EndToEndListed(t *testing.T) {
	table := mustTable(t, Rule{Code: "I63.9", Kind: KindBVB, SourceVersion: "2025-07-01"})

	results := Evaluate(table, PatientContext{Codes: []string{"I63.9"}}, date(2025, 7, 1))
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Eligible || results[0].Kind != KindBVB {
		t.Errorf("expected eligible BVB, got %+v", results[0])
	}
	if results[0].SourceVersion != "2025-07-01" {
		t.Errorf("source version = %q", results[0].SourceVersion)
	}
}

func TestEvaluate_UnknownCode(t *testing.T) {
	table := mustTable(t, Rule{Code: "I63.9", Kind: KindBVB})

	results := Evaluate(table, PatientContext{Codes: []string{"Z99.9"}}, date(2025, 7, 1))
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Eligible || r.Kind != "" {
		t.Errorf("unknown code should not qualify: %+v", r)
	}
	if !reflect.DeepEqual(r.Missing, []string{"code not found in diagnosis list"}) {
		t.Errorf("missing = %v", r.Missing)
	}
	if r.Explanation != "Z99.9 - code not found in the diagnosis list" {
		t.Errorf("explanation = %q", r.Explanation)
	}
	if r.SourceVersion != "unknown" {
		t.Errorf("source version = %q", r.SourceVersion)
	}
	if !reflect.DeepEqual(r.ConditionsMet.Map(), map[string]bool{ConditionListed: false}) {
		t.Errorf("conditions = %v", r.ConditionsMet.Map())
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"kind":null`) {
		t.Errorf("expected null kind in %s", data)
	}
}

func TestEvaluate_OrderAndDuplicates(t *testing.T) {
	table := mustTable(t,
		Rule{Code: "I63.9", Kind: KindBVB},
		Rule{Code: "G35", Kind: KindLHB},
	)
	codes := []string{"G35", "Z99.9", "I63.9", "G35"}

	results := Evaluate(table, PatientContext{Codes: codes}, date(2025, 7, 1))
	if len(results) != len(codes) {
		t.Fatalf("expected %d results, got %d", len(codes), len(results))
	}
	for i, code := range codes {
		if results[i].Code != code {
			t.Errorf("result %d code = %s, want %s", i, results[i].Code, code)
		}
	}
	if !reflect.DeepEqual(results[0], results[3]) {
		t.Error("duplicate codes should produce identical independent results")
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	table := mustTable(t,
		Rule{Code: "G35", Kind: KindBVB, AcuteWindowMonths: Months(6), RequiresSecondCode: true},
		Rule{Code: "I63.9", Kind: KindBVB},
	)
	event := date(2025, 3, 1)
	ctx := PatientContext{Codes: []string{"G35", "I63.9", "X00"}, AcuteEventDate: &event}
	today := date(2025, 7, 1)

	first, err := json.Marshal(Evaluate(table, ctx, today))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	second, err := json.Marshal(Evaluate(table, ctx, today))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("evaluation not repeatable:\n%s\n%s", first, second)
	}
}

func TestEvaluate_NilTableAndEmptyCodes(t *testing.T) {
	if got := Evaluate(nil, PatientContext{}, date(2025, 1, 1)); len(got) != 0 {
		t.Errorf("expected no results, got %d", len(got))
	}
	got := Evaluate(nil, PatientContext{Codes: []string{"I63.9"}}, date(2025, 1, 1))
	if len(got) != 1 || got[0].Eligible {
		t.Errorf("nil table should report unknown code, got %+v", got)
	}
}

func TestSummarize(t *testing.T) {
	table := mustTable(t,
		Rule{Code: "I63.9", Kind: KindBVB},
		Rule{Code: "G35", Kind: KindLHB},
		Rule{Code: "M25.9", Kind: KindNone},
	)
	results := Evaluate(table, PatientContext{Codes: []string{"I63.9", "G35", "M25.9", "I63.9"}}, date(2025, 1, 1))

	s := Summarize(results)
	if s.BVBCount != 2 || s.LHBCount != 1 || s.TotalEligible != 3 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestResult_JSONRoundTrip(t *testing.T) {
	rule := Rule{Code: "G35", Kind: KindBVB, AcuteWindowMonths: Months(6)}
	res := CheckRule(rule, PatientContext{Codes: []string{"G35"}}, date(2025, 1, 1))

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var back Result
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(back, res) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, res)
	}
}

func TestResult_NotFound(t *testing.T) {
	table := mustTable(t, Rule{Code: "M25.9", Kind: KindNone})
	results := Evaluate(table, PatientContext{Codes: []string{"M25.9", "Z99.9"}}, date(2025, 7, 1))

	if results[0].NotFound() {
		t.Error("listed NONE rule is not a missing code")
	}
	if !results[1].NotFound() {
		t.Error("Z99.9 should be reported as not found")
	}
}

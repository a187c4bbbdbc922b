package eligibility

import "encoding/json"

// Result is the verdict for one submitted code
type Result struct {
	Code          string     `json:"code"`
	Eligible      bool       `json:"eligible"`
	Kind          Kind       `json:"kind"`
	ConditionsMet Conditions `json:"conditionsMet"`
	Missing       []string   `json:"missing"`
	Explanation   string     `json:"explanation"`
	SourceVersion string     `json:"sourceVersion"`
}

// MissingNotFound is the missing condition reported for codes absent from the table
const MissingNotFound = "code not found in diagnosis list"

// NotFound reports whether the code was absent from the rule table
func (r Result) NotFound() bool {
	return !r.ConditionsMet.Listed && len(r.Missing) == 1 && r.Missing[0] == MissingNotFound
}

// resultJSON mirrors Result with a nullable kind
type resultJSON struct {
	Code          string     `json:"code"`
	Eligible      bool       `json:"eligible"`
	Kind          *Kind      `json:"kind"`
	ConditionsMet Conditions `json:"conditionsMet"`
	Missing       []string   `json:"missing"`
	Explanation   string     `json:"explanation"`
	SourceVersion string     `json:"sourceVersion"`
}

// MarshalJSON emits kind as null when the code did not qualify
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Code:          r.Code,
		Eligible:      r.Eligible,
		ConditionsMet: r.ConditionsMet,
		Missing:       r.Missing,
		Explanation:   r.Explanation,
		SourceVersion: r.SourceVersion,
	}
	if r.Kind != "" {
		k := r.Kind
		out.Kind = &k
	}
	if out.Missing == nil {
		out.Missing = []string{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the form written by MarshalJSON
func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Result{
		Code:          in.Code,
		Eligible:      in.Eligible,
		ConditionsMet: in.ConditionsMet,
		Missing:       in.Missing,
		Explanation:   in.Explanation,
		SourceVersion: in.SourceVersion,
	}
	if in.Kind != nil {
		r.Kind = *in.Kind
	}
	return nil
}

// Summary counts qualifying results per category
type Summary struct {
	BVBCount      int `json:"bvbCount"`
	LHBCount      int `json:"lhbCount"`
	TotalEligible int `json:"totalEligible"`
}

// Summarize aggregates a result list
func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		switch r.Kind {
		case KindBVB:
			s.BVBCount++
		case KindLHB:
			s.LHBCount++
		}
		if r.Eligible {
			s.TotalEligible++
		}
	}
	return s
}

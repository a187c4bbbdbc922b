package eligibility

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Condition names as they appear in ConditionsMet
const (
	ConditionListed      = "is_listed"
	ConditionSecondCode  = "second_code_present"
	ConditionAcuteWindow = "acute_window_ok"
)

// Conditions is the fixed set of checks a rule can impose. The listed check is
// always present; the other two only when the rule asks for them.
type Conditions struct {
	Listed bool

	SecondCodeChecked bool
	SecondCodePresent bool

	AcuteWindowChecked bool
	AcuteWindowOK      bool
}

type namedCondition struct {
	name string
	met  bool
}

func (c Conditions) entries() []namedCondition {
	out := []namedCondition{{ConditionListed, c.Listed}}
	if c.SecondCodeChecked {
		out = append(out, namedCondition{ConditionSecondCode, c.SecondCodePresent})
	}
	if c.AcuteWindowChecked {
		out = append(out, namedCondition{ConditionAcuteWindow, c.AcuteWindowOK})
	}
	return out
}

// AllMet reports whether every applicable condition holds
func (c Conditions) AllMet() bool {
	for _, e := range c.entries() {
		if !e.met {
			return false
		}
	}
	return true
}

// Names returns the applicable condition names in evaluation order
func (c Conditions) Names() []string {
	entries := c.entries()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

// Met returns the outcome of a named condition and whether it applies at all
func (c Conditions) Met(name string) (met, ok bool) {
	for _, e := range c.entries() {
		if e.name == name {
			return e.met, true
		}
	}
	return false, false
}

// Map returns the applicable conditions as a plain map
func (c Conditions) Map() map[string]bool {
	m := make(map[string]bool, 3)
	for _, e := range c.entries() {
		m[e.name] = e.met
	}
	return m
}

// MarshalJSON writes the conditions as an object whose keys keep evaluation order
func (c Conditions) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range c.entries() {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(e.name))
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatBool(e.met))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts the object form produced by MarshalJSON
func (c *Conditions) UnmarshalJSON(data []byte) error {
	var m map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*c = Conditions{Listed: m[ConditionListed]}
	if v, ok := m[ConditionSecondCode]; ok {
		c.SecondCodeChecked, c.SecondCodePresent = true, v
	}
	if v, ok := m[ConditionAcuteWindow]; ok {
		c.AcuteWindowChecked, c.AcuteWindowOK = true, v
	}
	return nil
}

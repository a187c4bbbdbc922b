package eligibility

import (
	"reflect"
	"testing"
)

func TestNormalizeCodes(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"i63.9, g35.0;  r26.2", []string{"I63.9", "G35.0", "R26.2"}},
		{"I63.9\nG35\tI63.9", []string{"I63.9", "G35", "I63.9"}},
		{" ,; ", []string{}},
		{"", []string{}},
		{";;g35", []string{"G35"}},
	}
	for _, tt := range tests {
		got := NormalizeCodes(tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("NormalizeCodes(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

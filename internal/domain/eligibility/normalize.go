package eligibility

import (
	"regexp"
	"strings"
)

var codeSeparators = regexp.MustCompile(`[,\s;]+`)

// NormalizeCodes splits free text on commas, semicolons and whitespace and
// uppercases each token. Order and duplicates are kept.
func NormalizeCodes(text string) []string {
	tokens := codeSeparators.Split(strings.TrimSpace(text), -1)
	codes := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		codes = append(codes, strings.ToUpper(t))
	}
	return codes
}

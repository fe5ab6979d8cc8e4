package guardrail

import "regexp"

// piiPattern is one recognizable entity class and its redaction token.
type piiPattern struct {
	entity string
	re     *regexp.Regexp
}

var piiPatterns = []piiPattern{
	{"EMAIL_ADDRESS", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{"CREDIT_CARD", regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)},
	{"US_SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"PHONE_NUMBER", regexp.MustCompile(`\+?\d{1,3}[ \-.]?\(?\d{2,4}\)?[ \-.]?\d{3,4}[ \-.]?\d{3,4}\b`)},
	{"IP_ADDRESS", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// anonymize replaces recognized entities with <ENTITY> tokens. An empty
// entities list enables every pattern; otherwise only the listed entity
// classes are redacted.
func anonymize(text string, entities []string) (string, []Violation) {
	wanted := map[string]bool{}
	for _, e := range entities {
		wanted[e] = true
	}

	var violations []Violation
	out := text
	for _, p := range piiPatterns {
		if len(wanted) > 0 && !wanted[p.entity] {
			continue
		}
		if !p.re.MatchString(out) {
			continue
		}
		out = p.re.ReplaceAllString(out, "<"+p.entity+">")
		violations = append(violations, Violation{
			Scanner: "Anonymize",
			Type:    "pii",
			Score:   0.5,
			Details: p.entity,
		})
	}
	return out, violations
}

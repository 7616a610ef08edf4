package capsule

import (
	"fmt"
	"regexp"
)

// piiPattern pairs a label with its detector. Order matters: earlier
// patterns consume their matches first during redaction, so the more
// specific formats (SSN, tax id) precede the generic phone pattern.
type piiPattern struct {
	label string
	re    *regexp.Regexp
}

var piiPatterns = []piiPattern{
	{"EMAIL", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"TAX_ID", regexp.MustCompile(`\b\d{2}-\d{7}\b`)},
	{"ID_NUMBER", regexp.MustCompile(`\b[A-Z]{1,2}\d{6,9}\b`)},
	{"PHONE", regexp.MustCompile(`\+?\d[\d \-]{7,}\d`)},
}

// Finding is a single PII hit on a capsule field.
type Finding struct {
	Field string `json:"field"`
	Label string `json:"label"`
}

// Redact replaces every PII match in text with a [REDACTED:LABEL] marker.
func Redact(text string) string {
	for _, p := range piiPatterns {
		text = p.re.ReplaceAllString(text, "[REDACTED:"+p.label+"]")
	}
	return text
}

// ContainsPII reports whether text matches any detector.
func ContainsPII(text string) bool {
	for _, p := range piiPatterns {
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}

// ScanPII inspects the retrievable fields of an assembled capsule and
// returns one finding per field/label pair. A non-empty result after
// assembly fails the ingestion job: PII must never reach the index.
func ScanPII(c *Capsule) []Finding {
	var findings []Finding

	check := func(field, text string) {
		for _, p := range piiPatterns {
			if p.re.MatchString(text) {
				findings = append(findings, Finding{Field: field, Label: p.label})
			}
		}
	}

	check("core.summary", c.Core.Summary)
	check("core.content", c.Core.Content)
	for i, kw := range c.Core.Keywords {
		check(fmt.Sprintf("core.keywords[%d]", i), kw)
	}
	for i, tag := range c.Metadata.Tags {
		check(fmt.Sprintf("metadata.tags[%d]", i), tag)
	}
	for i, hint := range c.Neuro.VectorHint {
		check(fmt.Sprintf("neuro.vector_hint[%d]", i), hint)
	}

	return findings
}

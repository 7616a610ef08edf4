package pipeline

import (
	"strings"

	"github.com/n1hub/deepmine/internal/capsule"
)

// Normalize cleans raw text before segmentation: line endings are unified,
// control characters are stripped and blank-line runs are collapsed. For
// high-privacy sources PII is redacted here, before any stage sees the text.
func Normalize(text, privacyLevel string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' || r >= ' ' {
			b.WriteRune(r)
		}
	}
	text = b.String()

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	text = strings.TrimSpace(text)

	if privacyLevel == capsule.PrivacyHigh {
		text = capsule.Redact(text)
	}
	return text
}

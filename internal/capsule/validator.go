package capsule

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Validation limits. Summary bounds are in words, the rest in items.
const (
	MinSummaryWords = 70
	MaxSummaryWords = 140
	MinKeywords     = 5
	MaxKeywords     = 12
	MinVectorHint   = 8
	MaxVectorHint   = 16
	MinTags         = 3
	MaxTags         = 10
	MaxArchetypes   = 5
)

var languageRe = regexp.MustCompile(`^[a-z]{2}(-[A-Z]{2})?$`)

// Issue is a single validation failure with a JSON-path style locator.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Report is the outcome of validating one capsule. In lenient mode
// repairable findings land in Fixes and the capsule is mutated in place;
// in strict mode the same findings become Errors and nothing is touched.
type Report struct {
	CapsuleID string   `json:"capsule_id"`
	Fixes     []string `json:"fixes,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Errors    []Issue  `json:"errors,omitempty"`
}

// Valid reports whether the capsule passed without errors.
func (r *Report) Valid() bool {
	return len(r.Errors) == 0
}

// Validator checks capsules against the schema rules before indexing.
type Validator struct {
	strict bool
}

// NewValidator creates a validator. In strict mode no auto-fixes are
// applied; every repairable finding is reported as an error instead.
func NewValidator(strict bool) *Validator {
	return &Validator{strict: strict}
}

// repair applies fix in lenient mode, or records an error in strict mode.
func (v *Validator) repair(r *Report, path, message string, fix func()) {
	if v.strict {
		r.Errors = append(r.Errors, Issue{Path: path, Message: message})
		return
	}
	fix()
	r.Fixes = append(r.Fixes, path+": "+message)
}

// Validate runs all checks against c and returns a report. Lenient mode
// mutates c so that a subsequent strict validation of the same capsule
// passes.
func (v *Validator) Validate(c *Capsule) *Report {
	r := &Report{CapsuleID: c.ID}

	// Section presence and identity are never repairable.
	if strings.TrimSpace(c.Core.Summary) == "" {
		r.Errors = append(r.Errors, Issue{Path: "core.summary", Message: "section missing"})
	}
	if strings.TrimSpace(c.Core.Content) == "" {
		r.Errors = append(r.Errors, Issue{Path: "core.content", Message: "section missing"})
	}
	if len(c.ID) != IDLength {
		r.Errors = append(r.Errors, Issue{
			Path:    "id",
			Message: fmt.Sprintf("expected %d-char ULID, got %d chars", IDLength, len(c.ID)),
		})
	}

	now := time.Now()
	if c.Metadata.CreatedAt.IsZero() || c.Metadata.CreatedAt.After(now.Add(time.Minute)) {
		v.repair(r, "metadata.created_at", "invalid timestamp", func() {
			c.Metadata.CreatedAt = now
		})
	}

	if !languageRe.MatchString(c.Metadata.Language) {
		v.repair(r, "metadata.language", fmt.Sprintf("not a BCP-47 tag: %q", c.Metadata.Language), func() {
			c.Metadata.Language = "en"
		})
	}

	v.checkSummary(r, c)
	v.checkKeywords(r, c)
	v.checkVectorHint(r, c)

	// Tag bounds are advisory in both modes.
	if n := len(c.Metadata.Tags); n < MinTags || n > MaxTags {
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("metadata.tags: %d tags outside [%d, %d]", n, MinTags, MaxTags))
	}

	// Hash check runs after summary repair. The hash lives in both the
	// metadata and neuro sections; a mismatch in either gets recomputed
	// from the summary and mirrored into both.
	if want := SemanticHash(c.Core.Summary); c.Metadata.SemanticHash != want || c.Neuro.SemanticHash != want {
		v.repair(r, "metadata.semantic_hash", "recomputed from summary and mirrored", func() {
			c.Metadata.SemanticHash = want
			c.Neuro.SemanticHash = want
		})
	}

	if ec := c.Neuro.EmotionalCharge; ec < -1 || ec > 1 {
		v.repair(r, "neuro.emotional_charge", fmt.Sprintf("%v outside [-1, 1]", ec), func() {
			c.Neuro.EmotionalCharge = clamp(ec, -1, 1)
		})
	}

	for i := range c.Recursive.Links {
		link := &c.Recursive.Links[i]
		path := fmt.Sprintf("recursive.links[%d]", i)
		if !ValidRelation(link.Rel) {
			v.repair(r, path+".rel", fmt.Sprintf("unknown relation %q", link.Rel), func() {
				link.Rel = RelReferences
			})
		}
		if link.Confidence < 0 || link.Confidence > 1 {
			v.repair(r, path+".confidence", fmt.Sprintf("%v outside [0, 1]", link.Confidence), func() {
				link.Confidence = clamp(link.Confidence, 0, 1)
			})
		}
	}

	if len(c.Neuro.Archetypes) > MaxArchetypes {
		v.repair(r, "neuro.archetypes", fmt.Sprintf("%d entries exceed %d", len(c.Neuro.Archetypes), MaxArchetypes), func() {
			c.Neuro.Archetypes = c.Neuro.Archetypes[:MaxArchetypes]
		})
	}

	return r
}

// ValidateAll validates a batch, one report per capsule.
func (v *Validator) ValidateAll(capsules []*Capsule) []*Report {
	reports := make([]*Report, len(capsules))
	for i, c := range capsules {
		reports[i] = v.Validate(c)
	}
	return reports
}

// checkSummary enforces the word count window, expanding from content or
// trimming when lenient.
func (v *Validator) checkSummary(r *Report, c *Capsule) {
	words := strings.Fields(c.Core.Summary)
	switch {
	case len(words) < MinSummaryWords:
		msg := fmt.Sprintf("%d words below minimum %d", len(words), MinSummaryWords)
		v.repair(r, "core.summary", msg, func() {
			c.Core.Summary = expandSummary(words, c.Core.Content)
		})
	case len(words) > MaxSummaryWords:
		msg := fmt.Sprintf("%d words above maximum %d", len(words), MaxSummaryWords)
		v.repair(r, "core.summary", msg, func() {
			c.Core.Summary = strings.Join(words[:MaxSummaryWords], " ")
		})
	}
}

// expandSummary pads a short summary with content words until it reaches
// the minimum, cycling when the content runs out.
func expandSummary(words []string, content string) string {
	filler := ContentWords(content)
	if len(filler) == 0 {
		filler = []string{"context"}
	}
	for i := 0; len(words) < MinSummaryWords; i++ {
		words = append(words, filler[i%len(filler)])
	}
	return strings.Join(words, " ")
}

func (v *Validator) checkKeywords(r *Report, c *Capsule) {
	switch n := len(c.Core.Keywords); {
	case n < MinKeywords:
		msg := fmt.Sprintf("%d keywords below minimum %d", n, MinKeywords)
		v.repair(r, "core.keywords", msg, func() {
			c.Core.Keywords = expandKeywords(c.Core.Keywords, c.Core.Content)
		})
	case n > MaxKeywords:
		msg := fmt.Sprintf("%d keywords above maximum %d", n, MaxKeywords)
		v.repair(r, "core.keywords", msg, func() {
			c.Core.Keywords = c.Core.Keywords[:MaxKeywords]
		})
	}
}

// expandKeywords fills missing keywords from content words not already
// present, then falls back to kw-N placeholders.
func expandKeywords(keywords []string, content string) []string {
	have := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		have[kw] = true
	}
	for _, w := range ContentWords(content) {
		if len(keywords) >= MinKeywords {
			break
		}
		if !have[w] {
			have[w] = true
			keywords = append(keywords, w)
		}
	}
	for len(keywords) < MinKeywords {
		keywords = append(keywords, fmt.Sprintf("kw-%d", len(keywords)+1))
	}
	return keywords
}

func (v *Validator) checkVectorHint(r *Report, c *Capsule) {
	switch n := len(c.Neuro.VectorHint); {
	case n < MinVectorHint:
		msg := fmt.Sprintf("%d hint terms below minimum %d", n, MinVectorHint)
		v.repair(r, "neuro.vector_hint", msg, func() {
			for len(c.Neuro.VectorHint) < MinVectorHint {
				c.Neuro.VectorHint = append(c.Neuro.VectorHint,
					fmt.Sprintf("anchor-%d", len(c.Neuro.VectorHint)+1))
			}
		})
	case n > MaxVectorHint:
		msg := fmt.Sprintf("%d hint terms above maximum %d", n, MaxVectorHint)
		v.repair(r, "neuro.vector_hint", msg, func() {
			c.Neuro.VectorHint = c.Neuro.VectorHint[:MaxVectorHint]
		})
	}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Package capsule defines the knowledge capsule model and its integrity
// rules: the semantic hash fingerprint, PII detection, and the validator
// that every capsule passes before indexing.
package capsule

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Capsule statuses.
const (
	StatusDraft       = "draft"
	StatusActive      = "active"
	StatusArchived    = "archived"
	StatusQuarantined = "quarantined"
)

// Link relations between capsules.
const (
	RelReferences  = "references"
	RelExtends     = "extends"
	RelContradicts = "contradicts"
	RelDuplicates  = "duplicates"
	RelDependsOn   = "depends_on"
)

// Privacy levels. High triggers PII redaction during normalization.
const (
	PrivacyStandard = "standard"
	PrivacyHigh     = "high"
)

// SchemaVersion is the current capsule schema version.
const SchemaVersion = "1.0"

// IDLength is the length of a ULID string.
const IDLength = 26

// ValidStatus reports whether s is a known capsule status.
func ValidStatus(s string) bool {
	switch s {
	case StatusDraft, StatusActive, StatusArchived, StatusQuarantined:
		return true
	}
	return false
}

// ValidRelation reports whether rel is a known link relation.
func ValidRelation(rel string) bool {
	switch rel {
	case RelReferences, RelExtends, RelContradicts, RelDuplicates, RelDependsOn:
		return true
	}
	return false
}

// Capsule is a mined unit of knowledge. The four sections are the external
// JSON contract; all of them must be present for a capsule to index.
type Capsule struct {
	ID        string    `json:"id"`
	Metadata  Metadata  `json:"metadata"`
	Core      Core      `json:"core"`
	Neuro     Neuro     `json:"neuro"`
	Recursive Recursive `json:"recursive"`
}

// Metadata carries lifecycle and routing fields.
type Metadata struct {
	Version      string    `json:"version"`
	Status       string    `json:"status"`
	Author       string    `json:"author"`
	CreatedAt    time.Time `json:"created_at"`
	Language     string    `json:"language"`
	SemanticHash string    `json:"semantic_hash"`
	IncludeInRAG bool      `json:"include_in_rag"`
	Tags         []string  `json:"tags"`
	PrivacyLevel string    `json:"privacy_level"`
}

// Core holds the distilled content.
type Core struct {
	Summary  string           `json:"summary"`
	Content  string           `json:"content"`
	Keywords []string         `json:"keywords"`
	Entities []string         `json:"entities"`
	Claims   []string         `json:"claims"`
	Source   SourceDescriptor `json:"source"`
}

// Neuro holds retrieval-oriented signals. SemanticHash mirrors the one in
// Metadata; the validator keeps the two in sync.
type Neuro struct {
	VectorHint      []string `json:"vector_hint"`
	EmotionalCharge float64  `json:"emotional_charge"`
	Archetypes      []string `json:"archetypes"`
	Symbols         []string `json:"symbols"`
	SemanticHash    string   `json:"semantic_hash"`
}

// Recursive holds derived knowledge and suggested links.
type Recursive struct {
	Insights  []string `json:"insights"`
	Questions []string `json:"questions"`
	Links     []Link   `json:"links"`
}

// Link is a suggested relation to another capsule. Accepted is tri-state:
// nil means pending human review, never auto-accepted.
type Link struct {
	TargetID   string  `json:"target_id"`
	Rel        string  `json:"rel"`
	Confidence float64 `json:"confidence"`
	Accepted   *bool   `json:"accepted"`
}

// SourceDescriptor records where the raw material came from.
type SourceDescriptor struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// NewID generates a ULID for capsules and jobs.
func NewID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// HasTag reports whether the capsule carries the given tag.
func (c *Capsule) HasTag(tag string) bool {
	for _, t := range c.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

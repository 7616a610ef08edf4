package capsule

import (
	"fmt"
	"strings"
)

// hashTokenCount is the number of tokens in a semantic hash.
const hashTokenCount = 8

// stopwords excluded from semantic hashing and keyword extraction.
// The set is part of the hash contract: changing it changes every hash.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"of": true, "to": true, "for": true, "with": true, "in": true,
	"on": true, "by": true, "from": true, "as": true, "is": true,
	"are": true, "be": true, "this": true, "that": true, "these": true,
	"those": true, "it": true, "its": true, "at": true, "into": true,
	"via": true,
}

// Tokenize lowercases s and splits it on any rune outside [a-z0-9].
// Empty segments are dropped.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	})
}

// IsStopword reports whether tok is excluded from hashing and keyword
// extraction.
func IsStopword(tok string) bool {
	return stopwords[tok]
}

// ContentWords returns the tokens of s that survive stopword and
// short-token filtering, in order of first appearance, deduplicated.
func ContentWords(s string) []string {
	var words []string
	seen := make(map[string]bool)
	for _, tok := range Tokenize(s) {
		if len(tok) < 3 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		words = append(words, tok)
	}
	return words
}

// SemanticHash computes the deterministic content fingerprint of a summary:
// the first 8 unique content words joined with "-", padded with z2, z3, ...
// when fewer than 8 survive filtering. Equal summaries always produce equal
// hashes; the hash is the system-wide duplicate detector.
func SemanticHash(summary string) string {
	tokens := ContentWords(summary)
	if len(tokens) > hashTokenCount {
		tokens = tokens[:hashTokenCount]
	}
	for len(tokens) < hashTokenCount {
		tokens = append(tokens, fmt.Sprintf("z%d", len(tokens)+1))
	}
	return strings.Join(tokens, "-")
}

package rag

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/n1hub/deepmine/internal/capsule"
	"github.com/n1hub/deepmine/internal/store"
)

// Retrieval scope kinds. A scope value that is not one of these names is
// treated as a tag, and the whole list filters by tag intersection.
const (
	ScopeMy     = "my"
	ScopePublic = "public"
	ScopeInbox  = "inbox"
	ScopeTags   = "tags"
)

// InboxWindow is how far back the inbox scope reaches.
const InboxWindow = 30 * 24 * time.Hour

// ErrInvalidScope is returned for a scope the engine cannot resolve.
var ErrInvalidScope = errors.New("unknown retrieval scope")

// Scope is a resolved retrieval scope.
type Scope struct {
	Kind  string
	Tags  []string
	actor string
}

// ParseScope resolves a scope list. An empty list means the caller's own
// capsules. When the first value names a scope kind the rest of the list
// is ignored; otherwise every value is a tag. The my and inbox kinds are
// relative to the acting user.
func ParseScope(values []string, actor string) (Scope, error) {
	var cleaned []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			cleaned = append(cleaned, v)
		}
	}

	if len(cleaned) == 0 {
		cleaned = []string{ScopeMy}
	}
	switch head := cleaned[0]; head {
	case ScopeMy, ScopeInbox:
		if actor == "" {
			return Scope{}, fmt.Errorf("%w: scope %q needs an actor", ErrInvalidScope, head)
		}
		return Scope{Kind: head, actor: actor}, nil
	case ScopePublic:
		return Scope{Kind: ScopePublic}, nil
	default:
		return Scope{Kind: ScopeTags, Tags: cleaned}, nil
	}
}

// Filter maps the scope to a capsule filter. Every scope requires the
// include_in_rag opt-in and the active status; inbox additionally limits
// to capsules created within the inbox window before now.
func (s Scope) Filter(now time.Time) store.CapsuleFilter {
	yes := true
	f := store.CapsuleFilter{
		Status:       capsule.StatusActive,
		IncludeInRAG: &yes,
	}
	switch s.Kind {
	case ScopeMy:
		f.Author = s.actor
	case ScopeInbox:
		f.Author = s.actor
		f.CreatedAfter = now.Add(-InboxWindow)
	case ScopeTags:
		f.Tags = s.Tags
	}
	return f
}

// String renders the scope for query logs.
func (s Scope) String() string {
	if s.Kind == ScopeTags {
		return ScopeTags + ":" + strings.Join(s.Tags, ",")
	}
	return s.Kind
}

// Package store persists capsules, jobs, chunks, links, audit entries and
// query logs. Two implementations exist: Postgres (pgx + pgvector) for
// production and Memory for tests and local mode. Consumers should depend
// on the narrow interfaces below rather than the full Store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/n1hub/deepmine/internal/capsule"
	"github.com/n1hub/deepmine/internal/job"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidPatch indicates a capsule patch carried no recognized field
	// or an illegal value.
	ErrInvalidPatch = errors.New("invalid capsule patch")
)

// Audit actions. Creation is recorded by the pipeline when a capsule is
// first indexed; the rest are recorded by capsule patches.
const (
	AuditCapsuleCreated = "capsule_created"
	AuditRagToggle      = "rag_toggle"
	AuditTagsUpdate     = "tags_update"
	AuditStatusChange   = "status_change"
)

// Chunk is one indexed segment of a capsule.
type Chunk struct {
	ID         string `json:"id"`
	CapsuleID  string `json:"capsule_id"`
	Seq        int    `json:"seq"`
	StartToken int    `json:"start_token"`
	EndToken   int    `json:"end_token"`
	Content    string `json:"content"`
}

// ChunkHit is a vector search result. The embedding is returned so the
// retrieval engine can rerank without re-embedding.
type ChunkHit struct {
	Chunk     Chunk
	Score     float64
	Embedding []float32
}

// CapsuleFilter narrows ListCapsules.
type CapsuleFilter struct {
	Author       string    // only capsules by this author
	Status       string    // only this status
	Tags         []string  // capsules carrying any of these tags
	IncludeInRAG *bool     // filter by the include_in_rag flag
	CreatedAfter time.Time // only capsules created at or after this time
	Limit        int       // 0 means no limit
}

// CapsulePatch is a partial capsule update. Nil fields are untouched.
type CapsulePatch struct {
	IncludeInRAG *bool     `json:"include_in_rag,omitempty"`
	Tags         *[]string `json:"tags,omitempty"`
	Status       *string   `json:"status,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p CapsulePatch) Empty() bool {
	return p.IncludeInRAG == nil && p.Tags == nil && p.Status == nil
}

// AuditEntry records one mutation of a capsule. Entries are written in the
// same transaction as the patch they describe.
type AuditEntry struct {
	ID        int64     `json:"id"`
	CapsuleID string    `json:"capsule_id"`
	Action    string    `json:"action"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

// QueryLog is the write-only record of one chat retrieval.
type QueryLog struct {
	ID         int64     `json:"id"`
	Query      string    `json:"query"`
	Scope      string    `json:"scope"`
	CapsuleIDs []string  `json:"capsule_ids"`
	Scores     []float64 `json:"scores"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobStore persists ingestion jobs.
type JobStore interface {
	CreateJob(ctx context.Context, j *job.Job) error
	UpdateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	GetJobByIdempotencyKey(ctx context.Context, owner, key string) (*job.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*job.Job, error)
	// CountActiveJobs counts queued and processing jobs owned by owner.
	CountActiveJobs(ctx context.Context, owner string) (int, error)
}

// CapsuleStore persists capsules and their patches.
type CapsuleStore interface {
	SaveCapsule(ctx context.Context, c *capsule.Capsule) error
	GetCapsule(ctx context.Context, id string) (*capsule.Capsule, error)
	ListCapsules(ctx context.Context, f CapsuleFilter) ([]*capsule.Capsule, error)
	// PatchCapsule applies p and writes one audit entry per changed field,
	// atomically. Returns the updated capsule.
	PatchCapsule(ctx context.Context, id string, p CapsulePatch, actor string) (*capsule.Capsule, error)
}

// VectorStore persists chunk embeddings and serves similarity search.
type VectorStore interface {
	// SaveChunks replaces the chunk set of a capsule. len(vectors) must
	// equal len(chunks).
	SaveChunks(ctx context.Context, capsuleID string, chunks []Chunk, vectors [][]float32) error
	// SearchVectors returns the closest chunks by cosine similarity.
	// A non-nil capsuleIDs restricts the search to those capsules.
	SearchVectors(ctx context.Context, query []float32, limit int, capsuleIDs []string) ([]ChunkHit, error)
	// SearchLexical returns chunks ranked by keyword match against the
	// query text. Hits carry their stored embedding so the retrieval
	// engine can score them against the query vector without re-embedding.
	SearchLexical(ctx context.Context, query string, limit int, capsuleIDs []string) ([]ChunkHit, error)
}

// LinkStore persists suggested capsule links.
type LinkStore interface {
	SaveLinks(ctx context.Context, capsuleID string, links []capsule.Link) error
	ListLinks(ctx context.Context, capsuleID string) ([]capsule.Link, error)
}

// AuditStore reads the audit trail. Writes happen inside PatchCapsule.
type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, capsuleID string, since time.Time) ([]AuditEntry, error)
}

// QueryLogStore persists retrieval logs for the observability reports.
type QueryLogStore interface {
	AppendQueryLog(ctx context.Context, q QueryLog) error
	ListQueryLogs(ctx context.Context, since time.Time) ([]QueryLog, error)
}

// Store is the full persistence surface.
type Store interface {
	JobStore
	CapsuleStore
	VectorStore
	LinkStore
	AuditStore
	QueryLogStore

	// SweepExpired removes terminal jobs and query logs older than before.
	// Returns the number of rows removed.
	SweepExpired(ctx context.Context, before time.Time) (int, error)
}

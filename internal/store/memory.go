package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/n1hub/deepmine/internal/capsule"
	"github.com/n1hub/deepmine/internal/job"
	"github.com/n1hub/deepmine/internal/vector"
)

// Memory is the in-process Store used by tests and local mode. All methods
// are safe for concurrent use; returned records are deep copies.
type Memory struct {
	mu        sync.RWMutex
	jobs      map[string]*job.Job
	capsules  map[string]*capsule.Capsule
	chunks    map[string][]Chunk      // capsule id -> chunks
	vectors   map[string][]float32    // chunk id -> embedding
	links     map[string][]capsule.Link
	audit     []AuditEntry
	queryLogs []QueryLog
	auditSeq  int64
	logSeq    int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]*job.Job),
		capsules: make(map[string]*capsule.Capsule),
		chunks:   make(map[string][]Chunk),
		vectors:  make(map[string][]float32),
		links:    make(map[string][]capsule.Link),
	}
}

func cloneJob(j *job.Job) *job.Job {
	cp := *j
	if j.Err != nil {
		e := *j.Err
		e.Issues = append([]capsule.Issue(nil), j.Err.Issues...)
		cp.Err = &e
	}
	return &cp
}

func cloneCapsule(c *capsule.Capsule) *capsule.Capsule {
	data, _ := json.Marshal(c)
	var cp capsule.Capsule
	_ = json.Unmarshal(data, &cp)
	return &cp
}

// CreateJob stores a new job.
func (m *Memory) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

// UpdateJob overwrites a stored job.
func (m *Memory) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return fmt.Errorf("job %s: %w", j.ID, ErrNotFound)
	}
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

// GetJob returns a job by id.
func (m *Memory) GetJob(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(j), nil
}

// GetJobByIdempotencyKey returns the job created for owner with key.
func (m *Memory) GetJobByIdempotencyKey(_ context.Context, owner, key string) (*job.Job, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.jobs {
		if j.Owner == owner && j.IdempotencyKey == key {
			return cloneJob(j), nil
		}
	}
	return nil, ErrNotFound
}

// ListJobs returns jobs newest first.
func (m *Memory) ListJobs(_ context.Context, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, cloneJob(j))
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// CountActiveJobs counts queued and processing jobs owned by owner.
func (m *Memory) CountActiveJobs(_ context.Context, owner string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int
	for _, j := range m.jobs {
		if j.Owner == owner && j.Active() {
			n++
		}
	}
	return n, nil
}

// SaveCapsule upserts a capsule by id.
func (m *Memory) SaveCapsule(_ context.Context, c *capsule.Capsule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capsules[c.ID] = cloneCapsule(c)
	return nil
}

// GetCapsule returns a capsule by id.
func (m *Memory) GetCapsule(_ context.Context, id string) (*capsule.Capsule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.capsules[id]
	if !ok {
		return nil, fmt.Errorf("capsule %s: %w", id, ErrNotFound)
	}
	return cloneCapsule(c), nil
}

// ListCapsules returns capsules matching f, newest first.
func (m *Memory) ListCapsules(_ context.Context, f CapsuleFilter) ([]*capsule.Capsule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*capsule.Capsule
	for _, c := range m.capsules {
		if !matchesFilter(c, f) {
			continue
		}
		out = append(out, cloneCapsule(c))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Metadata.CreatedAt.Equal(out[k].Metadata.CreatedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].Metadata.CreatedAt.After(out[k].Metadata.CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchesFilter(c *capsule.Capsule, f CapsuleFilter) bool {
	if f.Author != "" && c.Metadata.Author != f.Author {
		return false
	}
	if f.Status != "" && c.Metadata.Status != f.Status {
		return false
	}
	if f.IncludeInRAG != nil && c.Metadata.IncludeInRAG != *f.IncludeInRAG {
		return false
	}
	if !f.CreatedAfter.IsZero() && c.Metadata.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if len(f.Tags) > 0 {
		any := false
		for _, tag := range f.Tags {
			if c.HasTag(tag) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

// PatchCapsule applies p and records audit entries atomically under the
// store lock.
func (m *Memory) PatchCapsule(_ context.Context, id string, p CapsulePatch, actor string) (*capsule.Capsule, error) {
	if p.Empty() {
		return nil, fmt.Errorf("%w: no fields set", ErrInvalidPatch)
	}
	if p.Status != nil && !capsule.ValidStatus(*p.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, *p.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.capsules[id]
	if !ok {
		return nil, fmt.Errorf("capsule %s: %w", id, ErrNotFound)
	}

	now := time.Now().UTC()
	record := func(action, oldV, newV string) {
		m.auditSeq++
		m.audit = append(m.audit, AuditEntry{
			ID:        m.auditSeq,
			CapsuleID: id,
			Action:    action,
			OldValue:  oldV,
			NewValue:  newV,
			Actor:     actor,
			CreatedAt: now,
		})
	}

	if p.IncludeInRAG != nil && *p.IncludeInRAG != c.Metadata.IncludeInRAG {
		record(AuditRagToggle,
			fmt.Sprintf("%t", c.Metadata.IncludeInRAG), fmt.Sprintf("%t", *p.IncludeInRAG))
		c.Metadata.IncludeInRAG = *p.IncludeInRAG
	}
	if p.Tags != nil {
		record(AuditTagsUpdate,
			strings.Join(c.Metadata.Tags, ","), strings.Join(*p.Tags, ","))
		c.Metadata.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.Status != nil && *p.Status != c.Metadata.Status {
		record(AuditStatusChange, c.Metadata.Status, *p.Status)
		c.Metadata.Status = *p.Status
	}

	return cloneCapsule(c), nil
}

// SaveChunks replaces the chunk set of a capsule.
func (m *Memory) SaveChunks(_ context.Context, capsuleID string, chunks []Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, old := range m.chunks[capsuleID] {
		delete(m.vectors, old.ID)
	}
	m.chunks[capsuleID] = append([]Chunk(nil), chunks...)
	for i, ch := range chunks {
		m.vectors[ch.ID] = append([]float32(nil), vectors[i]...)
	}
	return nil
}

// SearchVectors scans all chunks by cosine similarity.
func (m *Memory) SearchVectors(_ context.Context, query []float32, limit int, capsuleIDs []string) ([]ChunkHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var allowed map[string]bool
	if capsuleIDs != nil {
		allowed = make(map[string]bool, len(capsuleIDs))
		for _, id := range capsuleIDs {
			allowed[id] = true
		}
	}

	var hits []ChunkHit
	for capID, chunks := range m.chunks {
		if allowed != nil && !allowed[capID] {
			continue
		}
		for _, ch := range chunks {
			emb := m.vectors[ch.ID]
			hits = append(hits, ChunkHit{
				Chunk:     ch,
				Score:     vector.Cosine(query, emb),
				Embedding: append([]float32(nil), emb...),
			})
		}
	}
	sort.Slice(hits, func(i, k int) bool {
		if hits[i].Score == hits[k].Score {
			return hits[i].Chunk.ID < hits[k].Chunk.ID
		}
		return hits[i].Score > hits[k].Score
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// SearchLexical ranks chunks by the share of non-stopword query tokens
// present in the chunk content. Chunks matching nothing are dropped.
func (m *Memory) SearchLexical(_ context.Context, query string, limit int, capsuleIDs []string) ([]ChunkHit, error) {
	var terms []string
	seen := make(map[string]bool)
	for _, tok := range capsule.Tokenize(query) {
		if capsule.IsStopword(tok) || seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, tok)
	}
	if len(terms) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var allowed map[string]bool
	if capsuleIDs != nil {
		allowed = make(map[string]bool, len(capsuleIDs))
		for _, id := range capsuleIDs {
			allowed[id] = true
		}
	}

	var hits []ChunkHit
	for capID, chunks := range m.chunks {
		if allowed != nil && !allowed[capID] {
			continue
		}
		for _, ch := range chunks {
			inChunk := make(map[string]bool)
			for _, tok := range capsule.Tokenize(ch.Content) {
				inChunk[tok] = true
			}
			var matched int
			for _, term := range terms {
				if inChunk[term] {
					matched++
				}
			}
			if matched == 0 {
				continue
			}
			emb := m.vectors[ch.ID]
			hits = append(hits, ChunkHit{
				Chunk:     ch,
				Score:     float64(matched) / float64(len(terms)),
				Embedding: append([]float32(nil), emb...),
			})
		}
	}
	sort.Slice(hits, func(i, k int) bool {
		if hits[i].Score == hits[k].Score {
			return hits[i].Chunk.ID < hits[k].Chunk.ID
		}
		return hits[i].Score > hits[k].Score
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// SaveLinks replaces the suggested links of a capsule.
func (m *Memory) SaveLinks(_ context.Context, capsuleID string, links []capsule.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[capsuleID] = append([]capsule.Link(nil), links...)
	return nil
}

// ListLinks returns the suggested links of a capsule.
func (m *Memory) ListLinks(_ context.Context, capsuleID string) ([]capsule.Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]capsule.Link(nil), m.links[capsuleID]...), nil
}

// AppendAudit writes an audit entry outside a patch.
func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSeq++
	e.ID = m.auditSeq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.audit = append(m.audit, e)
	return nil
}

// ListAudit returns audit entries for a capsule since the given time.
// An empty capsuleID matches all capsules.
func (m *Memory) ListAudit(_ context.Context, capsuleID string, since time.Time) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuditEntry
	for _, e := range m.audit {
		if capsuleID != "" && e.CapsuleID != capsuleID {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// AppendQueryLog records one retrieval.
func (m *Memory) AppendQueryLog(_ context.Context, q QueryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logSeq++
	q.ID = m.logSeq
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	m.queryLogs = append(m.queryLogs, q)
	return nil
}

// ListQueryLogs returns logs recorded since the given time.
func (m *Memory) ListQueryLogs(_ context.Context, since time.Time) ([]QueryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []QueryLog
	for _, q := range m.queryLogs {
		if q.CreatedAt.Before(since) {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// SweepExpired drops terminal jobs and query logs older than before.
func (m *Memory) SweepExpired(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	for id, j := range m.jobs {
		if j.Terminal() && j.UpdatedAt.Before(before) {
			delete(m.jobs, id)
			removed++
		}
	}
	kept := m.queryLogs[:0]
	for _, q := range m.queryLogs {
		if q.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, q)
	}
	m.queryLogs = kept
	return removed, nil
}

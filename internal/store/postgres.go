package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/n1hub/deepmine/internal/capsule"
	"github.com/n1hub/deepmine/internal/job"
	"github.com/n1hub/deepmine/internal/log"
)

// Postgres implements Store on PostgreSQL with pgvector. Capsules are
// stored as a JSONB payload plus extracted columns for filtering; the
// payload is the source of truth.
type Postgres struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewPostgres creates a Postgres store over an existing pool.
func NewPostgres(pool *pgxpool.Pool, logger log.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

const jobColumns = "id, state, stage_code, progress, idempotency_key, owner, capsule_id, error, created_at, updated_at"

func marshalJobError(e *job.Error) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal job error: %w", err)
	}
	return data, nil
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j       job.Job
		stage   int
		errJSON []byte
	)
	err := row.Scan(&j.ID, &j.State, &stage, &j.Progress, &j.IdempotencyKey, &j.Owner,
		&j.CapsuleID, &errJSON, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	j.Stage = job.Stage(stage)
	if len(errJSON) > 0 {
		j.Err = &job.Error{}
		if err := json.Unmarshal(errJSON, j.Err); err != nil {
			return nil, fmt.Errorf("unmarshal job error: %w", err)
		}
	}
	return &j, nil
}

// CreateJob inserts a new job row.
func (s *Postgres) CreateJob(ctx context.Context, j *job.Job) error {
	errJSON, err := marshalJobError(j.Err)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		j.ID, j.State, int(j.Stage), j.Progress, j.IdempotencyKey, j.Owner,
		j.CapsuleID, errJSON, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", j.ID, err)
	}
	return nil
}

// UpdateJob overwrites a job row.
func (s *Postgres) UpdateJob(ctx context.Context, j *job.Job) error {
	errJSON, err := marshalJobError(j.Err)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, stage_code = $3, progress = $4, capsule_id = $5, error = $6, updated_at = $7
		WHERE id = $1`,
		j.ID, j.State, int(j.Stage), j.Progress, j.CapsuleID, errJSON, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", j.ID, ErrNotFound)
	}
	return nil
}

// GetJob returns a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobByIdempotencyKey returns the job created for owner with key.
func (s *Postgres) GetJobByIdempotencyKey(ctx context.Context, owner, key string) (*job.Job, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner = $1 AND idempotency_key = $2
		ORDER BY created_at LIMIT 1`, owner, key)
	return scanJob(row)
}

// ListJobs returns jobs newest first.
func (s *Postgres) ListJobs(ctx context.Context, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountActiveJobs counts queued and processing jobs owned by owner.
func (s *Postgres) CountActiveJobs(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE owner = $1 AND state IN ('queued', 'processing')`,
		owner).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active jobs: %w", err)
	}
	return n, nil
}

// SaveCapsule upserts a capsule.
func (s *Postgres) SaveCapsule(ctx context.Context, c *capsule.Capsule) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal capsule %s: %w", c.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO capsules
			(id, version, status, author, created_at, language, semantic_hash,
			 include_in_rag, privacy_level, tags, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			version = EXCLUDED.version,
			status = EXCLUDED.status,
			language = EXCLUDED.language,
			semantic_hash = EXCLUDED.semantic_hash,
			include_in_rag = EXCLUDED.include_in_rag,
			privacy_level = EXCLUDED.privacy_level,
			tags = EXCLUDED.tags,
			payload = EXCLUDED.payload`,
		c.ID, c.Metadata.Version, c.Metadata.Status, c.Metadata.Author,
		c.Metadata.CreatedAt, c.Metadata.Language, c.Metadata.SemanticHash,
		c.Metadata.IncludeInRAG, c.Metadata.PrivacyLevel, c.Metadata.Tags, payload)
	if err != nil {
		return fmt.Errorf("upserting capsule %s: %w", c.ID, err)
	}
	return nil
}

func scanCapsule(row pgx.Row) (*capsule.Capsule, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning capsule: %w", err)
	}
	var c capsule.Capsule
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("unmarshal capsule payload: %w", err)
	}
	return &c, nil
}

// GetCapsule returns a capsule by id.
func (s *Postgres) GetCapsule(ctx context.Context, id string) (*capsule.Capsule, error) {
	row := s.pool.QueryRow(ctx, `SELECT payload FROM capsules WHERE id = $1`, id)
	c, err := scanCapsule(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("capsule %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return c, nil
}

// ListCapsules returns capsules matching f, newest first.
func (s *Postgres) ListCapsules(ctx context.Context, f CapsuleFilter) ([]*capsule.Capsule, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Author != "" {
		conds = append(conds, "author = "+arg(f.Author))
	}
	if f.Status != "" {
		conds = append(conds, "status = "+arg(f.Status))
	}
	if f.IncludeInRAG != nil {
		conds = append(conds, "include_in_rag = "+arg(*f.IncludeInRAG))
	}
	if len(f.Tags) > 0 {
		conds = append(conds, "tags && "+arg(f.Tags))
	}
	if !f.CreatedAfter.IsZero() {
		conds = append(conds, "created_at >= "+arg(f.CreatedAfter))
	}

	query := `SELECT payload FROM capsules`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing capsules: %w", err)
	}
	defer rows.Close()

	var out []*capsule.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PatchCapsule applies p inside a transaction, writing one audit row per
// changed field. Patch and audit commit or roll back together.
func (s *Postgres) PatchCapsule(ctx context.Context, id string, p CapsulePatch, actor string) (_ *capsule.Capsule, retErr error) {
	if p.Empty() {
		return nil, fmt.Errorf("%w: no fields set", ErrInvalidPatch)
	}
	if p.Status != nil && !capsule.ValidStatus(*p.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, *p.Status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning patch tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback after patch failure", "capsule_id", id, "error", rbErr)
			}
		}
	}()

	row := tx.QueryRow(ctx, `SELECT payload FROM capsules WHERE id = $1 FOR UPDATE`, id)
	c, err := scanCapsule(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("capsule %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	now := time.Now().UTC()
	type change struct {
		action, oldV, newV string
	}
	var changes []change

	if p.IncludeInRAG != nil && *p.IncludeInRAG != c.Metadata.IncludeInRAG {
		changes = append(changes, change{AuditRagToggle,
			fmt.Sprintf("%t", c.Metadata.IncludeInRAG), fmt.Sprintf("%t", *p.IncludeInRAG)})
		c.Metadata.IncludeInRAG = *p.IncludeInRAG
	}
	if p.Tags != nil {
		changes = append(changes, change{AuditTagsUpdate,
			strings.Join(c.Metadata.Tags, ","), strings.Join(*p.Tags, ",")})
		c.Metadata.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.Status != nil && *p.Status != c.Metadata.Status {
		changes = append(changes, change{AuditStatusChange, c.Metadata.Status, *p.Status})
		c.Metadata.Status = *p.Status
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal patched capsule: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE capsules
		SET status = $2, include_in_rag = $3, tags = $4, payload = $5
		WHERE id = $1`,
		id, c.Metadata.Status, c.Metadata.IncludeInRAG, c.Metadata.Tags, payload)
	if err != nil {
		return nil, fmt.Errorf("updating capsule %s: %w", id, err)
	}

	for _, ch := range changes {
		_, err = tx.Exec(ctx, `
			INSERT INTO audit_logs (capsule_id, action, old_value, new_value, actor, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, ch.action, ch.oldV, ch.newV, actor, now)
		if err != nil {
			return nil, fmt.Errorf("inserting audit entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing patch: %w", err)
	}
	return c, nil
}

// SaveChunks replaces the chunk set of a capsule in one transaction.
func (s *Postgres) SaveChunks(ctx context.Context, capsuleID string, chunks []Chunk, vectors [][]float32) (retErr error) {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning chunk tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback after chunk save failure", "capsule_id", capsuleID, "error", rbErr)
			}
		}
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM capsule_chunks WHERE capsule_id = $1`, capsuleID); err != nil {
		return fmt.Errorf("clearing chunks for %s: %w", capsuleID, err)
	}
	for i, ch := range chunks {
		_, err := tx.Exec(ctx, `
			INSERT INTO capsule_chunks (id, capsule_id, seq, start_token, end_token, content, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ch.ID, capsuleID, ch.Seq, ch.StartToken, ch.EndToken, ch.Content,
			pgvector.NewVector(vectors[i]))
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", ch.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// SearchVectors returns the closest chunks by cosine similarity using the
// pgvector <=> operator.
func (s *Postgres) SearchVectors(ctx context.Context, query []float32, limit int, capsuleIDs []string) ([]ChunkHit, error) {
	if limit <= 0 {
		limit = 10
	}
	qv := pgvector.NewVector(query)

	var (
		rows pgx.Rows
		err  error
	)
	if capsuleIDs != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT id, capsule_id, seq, start_token, end_token, content, embedding,
			       1 - (embedding <=> $1) AS score
			FROM capsule_chunks
			WHERE capsule_id = ANY($2)
			ORDER BY embedding <=> $1
			LIMIT $3`, qv, capsuleIDs, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, capsule_id, seq, start_token, end_token, content, embedding,
			       1 - (embedding <=> $1) AS score
			FROM capsule_chunks
			ORDER BY embedding <=> $1
			LIMIT $2`, qv, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var (
			hit ChunkHit
			emb pgvector.Vector
		)
		err := rows.Scan(&hit.Chunk.ID, &hit.Chunk.CapsuleID, &hit.Chunk.Seq,
			&hit.Chunk.StartToken, &hit.Chunk.EndToken, &hit.Chunk.Content,
			&emb, &hit.Score)
		if err != nil {
			return nil, fmt.Errorf("scanning vector hit: %w", err)
		}
		hit.Embedding = emb.Slice()
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// SearchLexical ranks chunks with Postgres full-text search. Only chunks
// matching the query at all are returned.
func (s *Postgres) SearchLexical(ctx context.Context, query string, limit int, capsuleIDs []string) ([]ChunkHit, error) {
	if limit <= 0 {
		limit = 10
	}

	var (
		rows pgx.Rows
		err  error
	)
	if capsuleIDs != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT id, capsule_id, seq, start_token, end_token, content, embedding,
			       ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS score
			FROM capsule_chunks
			WHERE capsule_id = ANY($2)
			  AND to_tsvector('english', content) @@ plainto_tsquery('english', $1)
			ORDER BY score DESC, id
			LIMIT $3`, query, capsuleIDs, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, capsule_id, seq, start_token, end_token, content, embedding,
			       ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS score
			FROM capsule_chunks
			WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)
			ORDER BY score DESC, id
			LIMIT $2`, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var (
			hit ChunkHit
			emb pgvector.Vector
		)
		err := rows.Scan(&hit.Chunk.ID, &hit.Chunk.CapsuleID, &hit.Chunk.Seq,
			&hit.Chunk.StartToken, &hit.Chunk.EndToken, &hit.Chunk.Content,
			&emb, &hit.Score)
		if err != nil {
			return nil, fmt.Errorf("scanning lexical hit: %w", err)
		}
		hit.Embedding = emb.Slice()
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// SaveLinks replaces the suggested links of a capsule.
func (s *Postgres) SaveLinks(ctx context.Context, capsuleID string, links []capsule.Link) (retErr error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning link tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback after link save failure", "capsule_id", capsuleID, "error", rbErr)
			}
		}
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM capsule_links WHERE capsule_id = $1`, capsuleID); err != nil {
		return fmt.Errorf("clearing links for %s: %w", capsuleID, err)
	}
	for _, l := range links {
		_, err := tx.Exec(ctx, `
			INSERT INTO capsule_links (capsule_id, target_id, rel, confidence, accepted, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			capsuleID, l.TargetID, l.Rel, l.Confidence, l.Accepted, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("inserting link %s -> %s: %w", capsuleID, l.TargetID, err)
		}
	}
	return tx.Commit(ctx)
}

// ListLinks returns the suggested links of a capsule, strongest first.
func (s *Postgres) ListLinks(ctx context.Context, capsuleID string) ([]capsule.Link, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT target_id, rel, confidence, accepted
		FROM capsule_links
		WHERE capsule_id = $1
		ORDER BY confidence DESC, target_id`, capsuleID)
	if err != nil {
		return nil, fmt.Errorf("listing links for %s: %w", capsuleID, err)
	}
	defer rows.Close()

	var links []capsule.Link
	for rows.Next() {
		var l capsule.Link
		if err := rows.Scan(&l.TargetID, &l.Rel, &l.Confidence, &l.Accepted); err != nil {
			return nil, fmt.Errorf("scanning link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// AppendAudit writes a standalone audit entry.
func (s *Postgres) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (capsule_id, action, old_value, new_value, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.CapsuleID, e.Action, e.OldValue, e.NewValue, e.Actor, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries, oldest first. Empty capsuleID matches
// all capsules.
func (s *Postgres) ListAudit(ctx context.Context, capsuleID string, since time.Time) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, capsule_id, action, old_value, new_value, actor, created_at
		FROM audit_logs
		WHERE ($1 = '' OR capsule_id = $1) AND created_at >= $2
		ORDER BY id`, capsuleID, since)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		err := rows.Scan(&e.ID, &e.CapsuleID, &e.Action, &e.OldValue, &e.NewValue,
			&e.Actor, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendQueryLog records one retrieval.
func (s *Postgres) AppendQueryLog(ctx context.Context, q QueryLog) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	ids, err := json.Marshal(q.CapsuleIDs)
	if err != nil {
		return fmt.Errorf("marshal capsule ids: %w", err)
	}
	scores, err := json.Marshal(q.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO query_logs (query, scope, capsule_ids, scores, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		q.Query, q.Scope, ids, scores, q.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting query log: %w", err)
	}
	return nil
}

// ListQueryLogs returns logs recorded since the given time, oldest first.
func (s *Postgres) ListQueryLogs(ctx context.Context, since time.Time) ([]QueryLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, query, scope, capsule_ids, scores, created_at
		FROM query_logs
		WHERE created_at >= $1
		ORDER BY id`, since)
	if err != nil {
		return nil, fmt.Errorf("listing query logs: %w", err)
	}
	defer rows.Close()

	var out []QueryLog
	for rows.Next() {
		var (
			q      QueryLog
			ids    []byte
			scores []byte
		)
		if err := rows.Scan(&q.ID, &q.Query, &q.Scope, &ids, &scores, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning query log: %w", err)
		}
		if err := json.Unmarshal(ids, &q.CapsuleIDs); err != nil {
			return nil, fmt.Errorf("unmarshal capsule ids: %w", err)
		}
		if err := json.Unmarshal(scores, &q.Scores); err != nil {
			return nil, fmt.Errorf("unmarshal scores: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// SweepExpired removes terminal jobs and query logs older than before.
func (s *Postgres) SweepExpired(ctx context.Context, before time.Time) (int, error) {
	var removed int

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE state IN ('succeeded', 'failed', 'cancelled') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("sweeping jobs: %w", err)
	}
	removed += int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `DELETE FROM query_logs WHERE created_at < $1`, before)
	if err != nil {
		return removed, fmt.Errorf("sweeping query logs: %w", err)
	}
	removed += int(tag.RowsAffected())

	return removed, nil
}

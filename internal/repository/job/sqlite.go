package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/promptman/promptman/internal/job"
)

const jobColumns = `id, type, status, source, options, working_dir, artifact_path,
	error, error_kind, created_at, updated_at, started_at, version`

// Repository is the sqlite job store. Records carry an expires_at deadline
// and are invisible once it has passed.
type Repository struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewRepository(db *sql.DB, ttl time.Duration) *Repository {
	return &Repository{db: db, ttl: ttl, now: time.Now}
}

func (r *Repository) expiry(t time.Time) int64 {
	if r.ttl <= 0 {
		return maxTime
	}
	return t.Add(r.ttl).UnixMilli()
}

// maxTime stands for "never expires".
const maxTime = int64(1<<63 - 1)

func (r *Repository) Create(ctx context.Context, j *domain.Job) error {
	source, err := json.Marshal(j.Source)
	if err != nil {
		return fmt.Errorf("create job: encode source: %w", err)
	}
	options, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("create job: encode options: %w", err)
	}
	now := r.now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	if j.Status == "" {
		j.Status = domain.StatusPending
	}

	const query = `INSERT INTO jobs (id, type, status, source, options, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		j.ID, string(j.Type), string(j.Status), string(source), string(options),
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(), r.expiry(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrExists
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ? AND expires_at > ?`
	j, _, err := scanJob(r.db.QueryRowContext(ctx, query, id, r.now().UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *Repository) Update(ctx context.Context, id string, p domain.Patch) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update job: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.now().UTC()
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ? AND expires_at > ?`
	j, version, err := scanJob(tx.QueryRowContext(ctx, query, id, now.UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update job: select: %w", err)
	}

	wasTerminal := j.Status.Terminal()
	if err := j.Apply(p, now); err != nil {
		return nil, err
	}

	// The expiry is only pushed out when the job settles.
	expiresExpr, args := "expires_at", []any{}
	if j.Status.Terminal() && !wasTerminal {
		expiresExpr = "?"
		args = append(args, r.expiry(now))
	}
	args = append(args,
		string(j.Status), j.WorkingDir, j.ArtifactPath, j.Error, string(j.ErrorKind),
		j.UpdatedAt.UnixMilli(), unixMilli(j.StartedAt), id, version,
	)
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET expires_at = `+expiresExpr+`,
		status = ?, working_dir = ?, artifact_path = ?, error = ?, error_kind = ?,
		updated_at = ?, started_at = ?, version = version + 1
		WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("update job: %w", domain.ErrInvalidTransition)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update job: commit: %w", err)
	}
	return j, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (r *Repository) ClaimPending(ctx context.Context) (*domain.Job, error) {
	now := r.now().UTC().UnixMilli()
	const query = `UPDATE jobs SET
			status = CASE type WHEN 'upload' THEN 'uploading' WHEN 'repo' THEN 'cloning' ELSE 'crawling' END,
			started_at = ?, updated_at = ?, version = version + 1
		WHERE seq = (
			SELECT seq FROM jobs WHERE status = 'pending' AND expires_at > ?
			ORDER BY seq ASC LIMIT 1
		)
		RETURNING ` + jobColumns

	j, _, err := scanJob(r.db.QueryRowContext(ctx, query, now, now, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	return j, nil
}

func (r *Repository) ListUpdatedBefore(ctx context.Context, t time.Time, limit int) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE updated_at < ? ORDER BY updated_at ASC, seq ASC LIMIT ?`
	return r.list(ctx, query, t.UnixMilli(), limitOrAll(limit))
}

func (r *Repository) ListTerminal(ctx context.Context, limit int) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN ('completed', 'failed')
		ORDER BY updated_at ASC, seq ASC LIMIT ?`
	return r.list(ctx, query, limitOrAll(limit))
}

func (r *Repository) RecoverStale(ctx context.Context, startedBefore time.Time) (int64, error) {
	now := r.now().UTC()
	const query = `UPDATE jobs SET status = 'failed', error = ?, error_kind = ?,
		updated_at = ?, expires_at = ?, version = version + 1
		WHERE status IN ('uploading', 'cloning', 'crawling', 'processing')
		  AND started_at < ?`

	res, err := r.db.ExecContext(ctx, query,
		"job was interrupted before finishing", string(domain.KindTimeout),
		now.UnixMilli(), r.expiry(now), startedBefore.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		j, _, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*domain.Job, int64, error) {
	var j domain.Job
	var typ, status, kind, source, options string
	var created, updated, started, ver int64
	err := s.Scan(&j.ID, &typ, &status, &source, &options, &j.WorkingDir, &j.ArtifactPath,
		&j.Error, &kind, &created, &updated, &started, &ver)
	if err != nil {
		return nil, 0, err
	}
	j.Type = domain.Type(typ)
	j.Status = domain.Status(status)
	j.ErrorKind = domain.Kind(kind)
	if err := json.Unmarshal([]byte(source), &j.Source); err != nil {
		return nil, 0, fmt.Errorf("decode source: %w", err)
	}
	if err := json.Unmarshal([]byte(options), &j.Options); err != nil {
		return nil, 0, fmt.Errorf("decode options: %w", err)
	}
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	if started > 0 {
		j.StartedAt = time.UnixMilli(started).UTC()
	}
	return &j, ver, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kudipeer/kudipeer/internal/storage"
)

// PostgresStore implements Store with PostgreSQL. Claim uses
// FOR UPDATE SKIP LOCKED so multiple worker processes never double-claim
// a job within the visibility window.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed job store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the jobs table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id         VARCHAR(64) PRIMARY KEY,
			name       VARCHAR(64) NOT NULL,
			payload    JSONB,
			status     VARCHAR(10) NOT NULL DEFAULT 'pending',
			run_at     TIMESTAMPTZ NOT NULL,
			attempts   INT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_due ON scheduled_jobs(run_at)
			WHERE status IN ('pending', 'running');
	`)
	return err
}

func (p *PostgresStore) Enqueue(ctx context.Context, j *Job) error {
	q := storage.Querier(ctx, p.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, name, payload, status, run_at, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, j.ID, j.Name, []byte(j.Payload), j.Status, j.RunAt, j.Attempts, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (p *PostgresStore) Claim(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	q := storage.Querier(ctx, p.db)
	rows, err := q.QueryContext(ctx, `
		WITH due AS (
			SELECT id FROM scheduled_jobs
			WHERE (status = 'pending' AND run_at <= $1)
			   OR (status = 'running' AND updated_at <= $1 - $2::INTERVAL)
			ORDER BY run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_jobs sj SET status = 'running', updated_at = NOW()
		FROM due WHERE sj.id = due.id
		RETURNING sj.id, sj.name, sj.payload, sj.status, sj.run_at, sj.attempts,
			COALESCE(sj.last_error, ''), sj.created_at, sj.updated_at
	`, now, VisibilityTimeout.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j := &Job{}
		var payload []byte
		if err := rows.Scan(&j.ID, &j.Name, &payload, &j.Status, &j.RunAt, &j.Attempts,
			&j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.Payload = payload
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkDone(ctx context.Context, id string) error {
	return p.update(ctx, id, `
		UPDATE scheduled_jobs SET status = 'done', updated_at = NOW() WHERE id = $1
	`)
}

func (p *PostgresStore) Reschedule(ctx context.Context, id string, runAt time.Time, attempts int, lastErr string) error {
	return p.update(ctx, id, `
		UPDATE scheduled_jobs SET
			status = 'pending', run_at = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, runAt, attempts, lastErr)
}

func (p *PostgresStore) MarkDead(ctx context.Context, id string, lastErr string) error {
	return p.update(ctx, id, `
		UPDATE scheduled_jobs SET status = 'dead', last_error = $2, updated_at = NOW() WHERE id = $1
	`, lastErr)
}

func (p *PostgresStore) update(ctx context.Context, id, query string, args ...any) error {
	q := storage.Querier(ctx, p.db)
	result, err := q.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/llm-jobqueue/internal/job"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveTerminal(ctx context.Context, rec *job.Record) error {
	query := `
		INSERT INTO job_archive (id, provider, kind, tenant_id, priority, state, attempts, result, failed_reason, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.Provider, string(rec.Kind), rec.TenantID, string(rec.Priority),
		string(rec.State), rec.Attempts, rec.Result, rec.FailedReason,
		rec.CreatedAt, rec.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive job %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*job.Record, error) {
	query := `
		SELECT id, provider, kind, tenant_id, priority, state, attempts, result, failed_reason, created_at, processed_at
		FROM job_archive
		WHERE id = $1
	`
	rec, err := scanRecord(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get archived job: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*job.Record, error) {
	query := `
		SELECT id, provider, kind, tenant_id, priority, state, attempts, result, failed_reason, created_at, processed_at
		FROM job_archive
		WHERE tenant_id = $1 AND processed_at BETWEEN $2 AND $3
		ORDER BY processed_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived jobs: %w", err)
	}
	defer rows.Close()

	var recs []*job.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived job: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archived jobs: %w", err)
	}
	return recs, nil
}

func scanRecord(row pgx.Row) (*job.Record, error) {
	var (
		rec      job.Record
		kind     string
		priority string
		state    string
	)
	err := row.Scan(
		&rec.ID, &rec.Provider, &kind, &rec.TenantID, &priority,
		&state, &rec.Attempts, &rec.Result, &rec.FailedReason,
		&rec.CreatedAt, &rec.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Kind = job.Kind(kind)
	rec.Priority = job.Priority(priority)
	rec.State = job.State(state)
	return &rec, nil
}

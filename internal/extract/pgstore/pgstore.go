// Package pgstore provides a PostgreSQL implementation of extract.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/pathsift/internal/extract"
)

var tracer = otel.Tracer("github.com/linnemanlabs/pathsift/internal/extract/pgstore")

//go:embed schema.sql
var schema string

// Store persists extraction tasks in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store. The
// pool's lifecycle stays with the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const taskColumns = `id, filename, source_path, output_dir, status, total_rows,
	processed_rows, valid_count, invalid_count, skipped_count, error,
	created_at, started_at, completed_at, updated_at`

// Get retrieves a task by ID.
func (s *Store) Get(ctx context.Context, id string) (*extract.Task, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM extract_tasks WHERE id = $1`
	t, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if t == nil {
		return nil, false, nil
	}
	return t, true, nil
}

// List returns every stored task.
func (s *Store) List(ctx context.Context) ([]*extract.Task, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM extract_tasks ORDER BY created_at DESC`)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*extract.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// Put inserts or updates a task (upsert on id).
func (s *Store) Put(ctx context.Context, t *extract.Task) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	var startedAt, completedAt *time.Time
	if !t.StartedAt.IsZero() {
		startedAt = &t.StartedAt
	}
	if !t.CompletedAt.IsZero() {
		completedAt = &t.CompletedAt
	}

	query := `INSERT INTO extract_tasks (
		id, filename, source_path, output_dir, status, total_rows,
		processed_rows, valid_count, invalid_count, skipped_count, error,
		created_at, started_at, completed_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (id) DO UPDATE SET
		filename       = EXCLUDED.filename,
		source_path    = EXCLUDED.source_path,
		output_dir     = EXCLUDED.output_dir,
		status         = EXCLUDED.status,
		total_rows     = EXCLUDED.total_rows,
		processed_rows = EXCLUDED.processed_rows,
		valid_count    = EXCLUDED.valid_count,
		invalid_count  = EXCLUDED.invalid_count,
		skipped_count  = EXCLUDED.skipped_count,
		error          = EXCLUDED.error,
		started_at     = EXCLUDED.started_at,
		completed_at   = EXCLUDED.completed_at,
		updated_at     = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.Filename, t.SourcePath, t.OutputDir, string(t.Status), t.TotalRows,
		t.ProcessedRows, t.ValidCount, t.InvalidCount, t.SkippedCount, t.Error,
		t.CreatedAt, startedAt, completedAt, t.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row) (*extract.Task, error) {
	var (
		t           extract.Task
		status      string
		errMsg      *string
		startedAt   *time.Time
		completedAt *time.Time
	)
	err := row.Scan(
		&t.ID, &t.Filename, &t.SourcePath, &t.OutputDir, &status, &t.TotalRows,
		&t.ProcessedRows, &t.ValidCount, &t.InvalidCount, &t.SkippedCount, &errMsg,
		&t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Status = extract.Status(status)
	if errMsg != nil {
		t.Error = *errMsg
	}
	if startedAt != nil {
		t.StartedAt = *startedAt
	}
	if completedAt != nil {
		t.CompletedAt = *completedAt
	}
	return &t, nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andresmejia3/facefind/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps results and match images in PostgreSQL. A row in task_results with a
// NULL result is a task that is still running.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres establishes a connection pool and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS task_results (
			task_id TEXT PRIMARY KEY,
			status TEXT,
			result JSONB,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			finalized_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS match_frames (
			task_id TEXT NOT NULL REFERENCES task_results(task_id) ON DELETE CASCADE,
			address TEXT NOT NULL,
			image BYTEA NOT NULL,
			PRIMARY KEY (task_id, address)
		);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Prepare registers the task. Re-preparing an existing task clears its previous output
// to keep re-runs idempotent.
func (s *PostgresStore) Prepare(ctx context.Context, taskID string) error {
	if err := ValidateTaskID(taskID); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM match_frames WHERE task_id = $1", taskID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO task_results (task_id, created_at)
		VALUES ($1, NOW())
		ON CONFLICT (task_id) DO UPDATE SET status = NULL, result = NULL, finalized_at = NULL, created_at = NOW()
	`, taskID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Exists(ctx context.Context, taskID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM task_results WHERE task_id = $1)", taskID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) SaveMatchImage(ctx context.Context, taskID, address string, jpeg []byte) error {
	if _, err := ImageName(address); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO match_frames (task_id, address, image)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id, address) DO UPDATE SET image = EXCLUDED.image
	`, taskID, address, jpeg)
	return err
}

func (s *PostgresStore) Finalize(ctx context.Context, taskID string, result types.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_results SET status = $2, result = $3, finalized_at = NOW()
		WHERE task_id = $1
	`, taskID, string(result.Status), data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, taskID string) (types.TaskResult, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, "SELECT result FROM task_results WHERE task_id = $1", taskID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.TaskResult{}, ErrNotFound
	}
	if err != nil {
		return types.TaskResult{}, err
	}
	if data == nil {
		return types.TaskResult{}, ErrNoResult
	}

	var result types.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return types.TaskResult{}, fmt.Errorf("invalid result in database: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) LoadMatchImage(ctx context.Context, taskID, address string) ([]byte, error) {
	if _, err := ImageName(address); err != nil {
		return nil, err
	}
	var image []byte
	err := s.pool.QueryRow(ctx, "SELECT image FROM match_frames WHERE task_id = $1 AND address = $2", taskID, address).Scan(&image)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: match %s", ErrNotFound, address)
	}
	return image, err
}

func (s *PostgresStore) Remove(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM task_results WHERE task_id = $1", taskID)
	return err
}

// Reset drops all application tables to clear the database state and recreates them.
func (s *PostgresStore) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS match_frames CASCADE;
		DROP TABLE IF EXISTS task_results CASCADE;
	`)
	if err != nil {
		return err
	}
	return initSchema(ctx, s.pool)
}

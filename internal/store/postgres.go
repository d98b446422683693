package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps state in Postgres.
//
// Schema (created on open):
//
//	CREATE TABLE staffcast_training (
//	  id BIGSERIAL PRIMARY KEY,
//	  trained_at TIMESTAMPTZ NOT NULL,
//	  model_version TEXT NOT NULL,
//	  run_id TEXT NOT NULL
//	);
//	CREATE TABLE staffcast_runs (
//	  run_id TEXT PRIMARY KEY,
//	  kind TEXT NOT NULL,
//	  generated_at TIMESTAMPTZ NOT NULL,
//	  output_dir TEXT NOT NULL,
//	  model_version TEXT NOT NULL,
//	  success BOOLEAN NOT NULL,
//	  degraded BOOLEAN NOT NULL,
//	  error TEXT NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS staffcast_training (
		id BIGSERIAL PRIMARY KEY,
		trained_at TIMESTAMPTZ NOT NULL,
		model_version TEXT NOT NULL,
		run_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS staffcast_runs (
		run_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		generated_at TIMESTAMPTZ NOT NULL,
		output_dir TEXT NOT NULL,
		model_version TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		degraded BOOLEAN NOT NULL,
		error TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_staffcast_runs_generated ON staffcast_runs(generated_at)`,
}

func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) LastTraining(ctx context.Context) (TrainingRecord, bool, error) {
	var rec TrainingRecord
	err := p.pool.QueryRow(ctx, `
		SELECT trained_at, model_version, run_id
		FROM staffcast_training
		ORDER BY trained_at DESC, id DESC
		LIMIT 1
	`).Scan(&rec.TrainedAt, &rec.ModelVersion, &rec.RunID)
	if errors.Is(err, pgx.ErrNoRows) {
		return TrainingRecord{}, false, nil
	}
	if err != nil {
		return TrainingRecord{}, false, fmt.Errorf("postgres query failed: %w", err)
	}
	return rec, true, nil
}

func (p *PostgresStore) RecordTraining(ctx context.Context, rec TrainingRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO staffcast_training (trained_at, model_version, run_id)
		VALUES ($1, $2, $3)
	`, rec.TrainedAt, rec.ModelVersion, rec.RunID)
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecordRun(ctx context.Context, rec RunRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO staffcast_runs (run_id, kind, generated_at, output_dir, model_version, success, degraded, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			output_dir = EXCLUDED.output_dir,
			model_version = EXCLUDED.model_version,
			success = EXCLUDED.success,
			degraded = EXCLUDED.degraded,
			error = EXCLUDED.error
	`, rec.RunID, rec.Kind, rec.GeneratedAt, rec.OutputDir, rec.ModelVersion, rec.Success, rec.Degraded, rec.Error)
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) LatestRun(ctx context.Context, successOnly bool) (RunRecord, bool, error) {
	var rec RunRecord
	err := p.pool.QueryRow(ctx, `
		SELECT run_id, kind, generated_at, output_dir, model_version, success, degraded, error
		FROM staffcast_runs
		WHERE success OR NOT $1
		ORDER BY generated_at DESC
		LIMIT 1
	`, successOnly).Scan(&rec.RunID, &rec.Kind, &rec.GeneratedAt, &rec.OutputDir,
		&rec.ModelVersion, &rec.Success, &rec.Degraded, &rec.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, fmt.Errorf("postgres query failed: %w", err)
	}
	return rec, true, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

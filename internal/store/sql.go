package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so lexical order matches time order on every
// driver.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore keeps state in SQLite or MySQL through database/sql.
type SQLStore struct {
	db *sql.DB
}

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS staffcast_training (
		trained_at VARCHAR(40) NOT NULL,
		model_version VARCHAR(64) NOT NULL,
		run_id VARCHAR(64) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS staffcast_runs (
		run_id VARCHAR(64) NOT NULL PRIMARY KEY,
		kind VARCHAR(16) NOT NULL,
		generated_at VARCHAR(40) NOT NULL,
		output_dir VARCHAR(1024) NOT NULL,
		model_version VARCHAR(64) NOT NULL,
		success BOOLEAN NOT NULL,
		degraded BOOLEAN NOT NULL,
		error TEXT NOT NULL
	)`,
}

// NewSQLStore opens driver ("sqlite3" or "mysql") at dsn and creates the
// tables when missing.
func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s ping failed: %w", driver, err)
	}
	for _, stmt := range sqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s schema: %w", driver, err)
		}
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) LastTraining(ctx context.Context) (TrainingRecord, bool, error) {
	var rec TrainingRecord
	var trainedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT trained_at, model_version, run_id
		FROM staffcast_training
		ORDER BY trained_at DESC
		LIMIT 1
	`).Scan(&trainedAt, &rec.ModelVersion, &rec.RunID)
	if errors.Is(err, sql.ErrNoRows) {
		return TrainingRecord{}, false, nil
	}
	if err != nil {
		return TrainingRecord{}, false, fmt.Errorf("sql query failed: %w", err)
	}
	if rec.TrainedAt, err = time.Parse(timeLayout, trainedAt); err != nil {
		return TrainingRecord{}, false, fmt.Errorf("parse trained_at: %w", err)
	}
	return rec, true, nil
}

func (s *SQLStore) RecordTraining(ctx context.Context, rec TrainingRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staffcast_training (trained_at, model_version, run_id)
		VALUES (?, ?, ?)
	`, rec.TrainedAt.UTC().Format(timeLayout), rec.ModelVersion, rec.RunID)
	if err != nil {
		return fmt.Errorf("sql insert failed: %w", err)
	}
	return nil
}

func (s *SQLStore) RecordRun(ctx context.Context, rec RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		REPLACE INTO staffcast_runs (run_id, kind, generated_at, output_dir, model_version, success, degraded, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.Kind, rec.GeneratedAt.UTC().Format(timeLayout), rec.OutputDir, rec.ModelVersion,
		rec.Success, rec.Degraded, rec.Error)
	if err != nil {
		return fmt.Errorf("sql insert failed: %w", err)
	}
	return nil
}

func (s *SQLStore) LatestRun(ctx context.Context, successOnly bool) (RunRecord, bool, error) {
	query := `
		SELECT run_id, kind, generated_at, output_dir, model_version, success, degraded, error
		FROM staffcast_runs`
	if successOnly {
		query += ` WHERE success = TRUE`
	}
	query += ` ORDER BY generated_at DESC LIMIT 1`

	var rec RunRecord
	var generatedAt string
	err := s.db.QueryRowContext(ctx, query).Scan(&rec.RunID, &rec.Kind, &generatedAt, &rec.OutputDir,
		&rec.ModelVersion, &rec.Success, &rec.Degraded, &rec.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, fmt.Errorf("sql query failed: %w", err)
	}
	if rec.GeneratedAt, err = time.Parse(timeLayout, generatedAt); err != nil {
		return RunRecord{}, false, fmt.Errorf("parse generated_at: %w", err)
	}
	return rec, true, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

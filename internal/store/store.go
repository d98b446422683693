// Package store persists training timestamps and the index of pipeline runs.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ceapsi/staffcast/internal/config"
)

// TrainingRecord marks a successful retraining.
type TrainingRecord struct {
	TrainedAt    time.Time `json:"trained_at"`
	ModelVersion string    `json:"model_version"`
	RunID        string    `json:"run_id"`
}

// RunRecord indexes one pipeline run and where its bundle lives.
type RunRecord struct {
	RunID        string    `json:"run_id"`
	Kind         string    `json:"kind"`
	GeneratedAt  time.Time `json:"generated_at"`
	OutputDir    string    `json:"output_dir"`
	ModelVersion string    `json:"model_version"`
	Success      bool      `json:"success"`
	Degraded     bool      `json:"degraded"`
	Error        string    `json:"error,omitempty"`
}

// TrainingStore remembers the last successful training.
type TrainingStore interface {
	// LastTraining reports false when no training was ever recorded.
	LastTraining(ctx context.Context) (TrainingRecord, bool, error)
	RecordTraining(ctx context.Context, rec TrainingRecord) error
}

// RunIndex records runs so consumers can find the latest bundle.
type RunIndex interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	// LatestRun returns the newest run, optionally only successful ones.
	LatestRun(ctx context.Context, successOnly bool) (RunRecord, bool, error)
}

// Store combines both contracts.
type Store interface {
	TrainingStore
	RunIndex
	Close() error
}

// Open builds the backend named by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryStore(cfg.SnapshotPath)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, "", 0)
	case "postgres":
		return NewPostgresStore(ctx, cfg.PostgresDSN)
	case "sqlite", "sqlite3":
		return NewSQLStore(ctx, "sqlite3", cfg.SQLDSN)
	case "mysql":
		return NewSQLStore(ctx, "mysql", cfg.SQLDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceapsi/staffcast/internal/config"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.LastTraining(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.LatestRun(ctx, false)
	require.NoError(t, err)
	assert.False(t, ok)

	t1 := time.Date(2024, 6, 3, 6, 0, 0, 0, time.UTC)
	t2 := t1.AddDate(0, 0, 7)
	require.NoError(t, s.RecordTraining(ctx, TrainingRecord{TrainedAt: t1, ModelVersion: "v1", RunID: "r1"}))
	require.NoError(t, s.RecordTraining(ctx, TrainingRecord{TrainedAt: t2, ModelVersion: "v2", RunID: "r2"}))

	last, ok, err := s.LastTraining(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", last.ModelVersion)
	assert.True(t, last.TrainedAt.Equal(t2))

	require.NoError(t, s.RecordRun(ctx, RunRecord{RunID: "r1", Kind: "full", GeneratedAt: t1, OutputDir: "/out/1", Success: true}))
	require.NoError(t, s.RecordRun(ctx, RunRecord{RunID: "r2", Kind: "forecast", GeneratedAt: t2, Error: "boom"}))

	latest, ok, err := s.LatestRun(ctx, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r2", latest.RunID)
	assert.False(t, latest.Success)

	good, ok, err := s.LatestRun(ctx, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", good.RunID)
	assert.Equal(t, "/out/1", good.OutputDir)
	assert.True(t, good.GeneratedAt.Equal(t1))
}

func TestMemoryStore(t *testing.T) {
	s, err := NewMemoryStore("")
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())
}

func TestMemoryStoreSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "training.json")
	s, err := NewMemoryStore(path)
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	reloaded, err := NewMemoryStore(path)
	require.NoError(t, err)
	last, ok, err := reloaded.LastTraining(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", last.ModelVersion)
}

func TestSQLiteStore(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{
		Backend: "sqlite",
		SQLDSN:  filepath.Join(t.TempDir(), "staffcast.db"),
	})
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Backend: "etcd"})
	assert.Error(t, err)
}

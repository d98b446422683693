package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// maxRuns bounds the run history kept in memory.
const maxRuns = 200

// MemoryStore keeps state in memory with an optional JSON snapshot file.
type MemoryStore struct {
	mu       sync.RWMutex
	state    memoryState
	snapshot string
}

type memoryState struct {
	Training *TrainingRecord `json:"training,omitempty"`
	Runs     []RunRecord     `json:"runs"`
}

// NewMemoryStore loads snapshotPath when it exists. An empty path disables
// persistence.
func NewMemoryStore(snapshotPath string) (*MemoryStore, error) {
	m := &MemoryStore{snapshot: snapshotPath}
	if snapshotPath == "" {
		return m, nil
	}
	if err := m.loadSnapshot(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MemoryStore) LastTraining(ctx context.Context) (TrainingRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Training == nil {
		return TrainingRecord{}, false, nil
	}
	return *m.state.Training, true, nil
}

func (m *MemoryStore) RecordTraining(ctx context.Context, rec TrainingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Training = &rec
	return m.saveSnapshot()
}

func (m *MemoryStore) RecordRun(ctx context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Runs = append(m.state.Runs, rec)
	if len(m.state.Runs) > maxRuns {
		m.state.Runs = m.state.Runs[len(m.state.Runs)-maxRuns:]
	}
	return m.saveSnapshot()
}

func (m *MemoryStore) LatestRun(ctx context.Context, successOnly bool) (RunRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best RunRecord
	found := false
	for _, r := range m.state.Runs {
		if successOnly && !r.Success {
			continue
		}
		if !found || !r.GeneratedAt.Before(best.GeneratedAt) {
			best, found = r, true
		}
	}
	return best, found, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveSnapshot()
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return nil
}

// saveSnapshot must be called with mu held.
func (m *MemoryStore) saveSnapshot() error {
	if m.snapshot == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.snapshot), 0o755); err != nil {
		return err
	}
	tmp := m.snapshot + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.snapshot)
}

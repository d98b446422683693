// Package registry stores immutable, versioned model artifact sets with a
// metadata card, and tracks which version serves forecasts.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/ceapsi/staffcast/internal/aggregate"
	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/logging"
)

const (
	indexFile    = "index.json"
	binaryFile   = "artifacts.bin"
	metadataFile = "metadata.json"

	versionLayout = "20060102T150405Z"
)

// Entry statuses.
const (
	StatusRegistered = "registered"
	StatusActive     = "active"
	StatusShadow     = "shadow"
)

// TrainingPeriod is the date range a set was trained on.
type TrainingPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	NDays int       `json:"n_days"`
}

// Metadata is the card stored next to every artifact set.
type Metadata struct {
	Version            string                           `json:"version"`
	RunID              string                           `json:"run_id,omitempty"`
	TrainingTimestamp  time.Time                        `json:"training_timestamp"`
	RegressorsUsed     []string                         `json:"regressors_used"`
	TrainingPeriod     TrainingPeriod                   `json:"training_period"`
	PerFamilyParams    map[string]json.RawMessage       `json:"per_family_params"`
	PerFamilyCVMetrics map[string]api.PerformanceMetric `json:"per_family_cv_metrics"`
	EnsembleWeights    api.EnsembleWeights              `json:"ensemble_weights"`
	Validation         aggregate.ValidationReport       `json:"validation"`
	BinaryHash         string                           `json:"binary_hash"`
}

// Candidate is a freshly trained set awaiting registration.
type Candidate struct {
	RunID      string
	TrainedAt  time.Time
	Artifacts  []api.ModelArtifact
	Metrics    []api.PerformanceMetric
	Weights    api.EnsembleWeights
	Validation aggregate.ValidationReport
}

// Entry is a registered artifact set.
type Entry struct {
	Version      string    `json:"version"`
	RegisteredAt time.Time `json:"registered_at"`
	BinaryPath   string    `json:"binary_path"`
	BinaryHash   string    `json:"binary_hash"`
	Status       string    `json:"status"`
	Metadata     Metadata  `json:"-"`
}

type index struct {
	Active   string   `json:"active"`
	Previous string   `json:"previous"`
	Entries  []*Entry `json:"entries"`
}

// Registry is safe for concurrent use. Published sets are never modified.
type Registry struct {
	mu       sync.RWMutex
	dir      string
	entries  map[string]*Entry
	active   string
	previous string
	logger   *logging.Logger
	now      func() time.Time
}

// Open loads the registry rooted at dir, creating it when missing.
func Open(dir string, logger *logging.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	r := &Registry{
		dir:     dir,
		entries: make(map[string]*Entry),
		logger:  logging.OrDiscard(logger),
		now:     time.Now,
	}

	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode registry index: %w", err)
	}
	for _, e := range idx.Entries {
		md, err := readMetadata(filepath.Join(dir, e.Version, metadataFile))
		if err != nil {
			return nil, fmt.Errorf("version %s: %w", e.Version, err)
		}
		e.Metadata = md
		r.entries[e.Version] = e
	}
	r.active, r.previous = idx.Active, idx.Previous
	return r, nil
}

// Register writes a candidate as a new immutable version. The binary is a
// snappy-compressed JSON encoding of the artifacts, written read-only.
func (r *Registry) Register(c Candidate) (*Entry, error) {
	if len(c.Artifacts) == 0 {
		return nil, fmt.Errorf("register: %w", api.ErrEnsembleEmpty)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	trainedAt := c.TrainedAt
	if trainedAt.IsZero() {
		trainedAt = r.now()
	}
	version := r.nextVersion(trainedAt.UTC())
	versionDir := filepath.Join(r.dir, version)
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create version dir: %w", err)
	}

	raw, err := json.Marshal(c.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("serialize artifacts: %w", err)
	}
	binary := snappy.Encode(nil, raw)
	sum := sha256.Sum256(binary)
	hash := hex.EncodeToString(sum[:])

	binaryPath := filepath.Join(versionDir, binaryFile)
	if err := os.WriteFile(binaryPath, binary, 0o444); err != nil {
		return nil, fmt.Errorf("write artifacts: %w", err)
	}

	md := buildMetadata(version, hash, trainedAt, c)
	if err := writeJSON(filepath.Join(versionDir, metadataFile), md); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	entry := &Entry{
		Version:      version,
		RegisteredAt: r.now().UTC(),
		BinaryPath:   binaryPath,
		BinaryHash:   hash,
		Status:       StatusRegistered,
		Metadata:     md,
	}
	r.entries[version] = entry
	if err := r.saveIndex(); err != nil {
		return nil, err
	}

	r.logger.Info("registered model set version=%s hash=%s families=%d", version, hash[:8], len(c.Artifacts))
	return entry, nil
}

func buildMetadata(version, hash string, trainedAt time.Time, c Candidate) Metadata {
	md := Metadata{
		Version:            version,
		RunID:              c.RunID,
		TrainingTimestamp:  trainedAt.UTC(),
		PerFamilyParams:    make(map[string]json.RawMessage, len(c.Artifacts)),
		PerFamilyCVMetrics: make(map[string]api.PerformanceMetric, len(c.Metrics)),
		EnsembleWeights:    c.Weights,
		Validation:         c.Validation,
		BinaryHash:         hash,
	}
	for _, a := range c.Artifacts {
		md.PerFamilyParams[a.Family] = a.Params
		if md.RegressorsUsed == nil && a.Regressors != nil {
			md.RegressorsUsed = a.Regressors
		}
		if md.TrainingPeriod.NDays == 0 {
			md.TrainingPeriod = TrainingPeriod{Start: a.TrainedFrom, End: a.TrainedTo, NDays: a.NDays}
		}
	}
	for _, m := range c.Metrics {
		md.PerFamilyCVMetrics[m.Family] = m
	}
	return md
}

func (r *Registry) nextVersion(t time.Time) string {
	base := t.Format(versionLayout)
	version := base
	for n := 2; ; n++ {
		if _, taken := r.entries[version]; !taken {
			return version
		}
		version = fmt.Sprintf("%s-%d", base, n)
	}
}

// Activate promotes version to serve forecasts; the current active version
// becomes the fallback.
func (r *Registry) Activate(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[version]
	if !ok {
		return fmt.Errorf("version %s: %w", version, api.ErrNotFound)
	}
	if r.active == version {
		return nil
	}
	if current, ok := r.entries[r.active]; ok {
		current.Status = StatusShadow
		r.previous = r.active
	}
	entry.Status = StatusActive
	r.active = version
	if err := r.saveIndex(); err != nil {
		return err
	}

	r.logger.Info("activated model set version=%s previous=%s", version, r.previous)
	return nil
}

// Rollback re-activates the previous version.
func (r *Registry) Rollback() error {
	r.mu.RLock()
	prev := r.previous
	r.mu.RUnlock()
	if prev == "" {
		return fmt.Errorf("rollback: %w", api.ErrNoActiveModel)
	}
	return r.Activate(prev)
}

// Active returns the serving version.
func (r *Registry) Active() (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[r.active]
	if !ok {
		return nil, api.ErrNoActiveModel
	}
	return entry, nil
}

// Previous returns the fallback version, or nil.
func (r *Registry) Previous() *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[r.previous]
}

// Get returns a version by name.
func (r *Registry) Get(version string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[version]
	if !ok {
		return nil, fmt.Errorf("version %s: %w", version, api.ErrNotFound)
	}
	return entry, nil
}

// List returns all versions, newest first.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out
}

// Load verifies and decodes the artifacts of a version.
func (r *Registry) Load(version string) ([]api.ModelArtifact, Metadata, error) {
	entry, err := r.Get(version)
	if err != nil {
		return nil, Metadata{}, err
	}
	binary, err := r.verify(entry)
	if err != nil {
		return nil, Metadata{}, err
	}
	raw, err := snappy.Decode(nil, binary)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("decompress %s: %w", version, err)
	}
	var artifacts []api.ModelArtifact
	if err := json.Unmarshal(raw, &artifacts); err != nil {
		return nil, Metadata{}, fmt.Errorf("decode %s: %w", version, err)
	}
	return artifacts, entry.Metadata, nil
}

// Verify re-hashes the stored binary of a version.
func (r *Registry) Verify(version string) error {
	entry, err := r.Get(version)
	if err != nil {
		return err
	}
	_, err = r.verify(entry)
	return err
}

func (r *Registry) verify(entry *Entry) ([]byte, error) {
	data, err := os.ReadFile(entry.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("read artifacts: %w", err)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != entry.BinaryHash {
		return nil, fmt.Errorf("hash mismatch for %s: expected %s, got %s", entry.Version, entry.BinaryHash, got)
	}
	return data, nil
}

// saveIndex must be called with mu held.
func (r *Registry) saveIndex() error {
	idx := index{Active: r.active, Previous: r.previous}
	for _, e := range r.entries {
		idx.Entries = append(idx.Entries, e)
	}
	sort.Slice(idx.Entries, func(i, j int) bool { return idx.Entries[i].Version < idx.Entries[j].Version })

	tmp := filepath.Join(r.dir, indexFile+".tmp")
	if err := writeJSON(tmp, idx); err != nil {
		return fmt.Errorf("write registry index: %w", err)
	}
	return os.Rename(tmp, filepath.Join(r.dir, indexFile))
}

func writeJSON(path string, v any) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func readMetadata(path string) (Metadata, error) {
	var md Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return md, err
	}
	err = json.Unmarshal(data, &md)
	return md, err
}

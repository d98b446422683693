// Package audit records an append-only trail of pipeline executions.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Analysis types.
const (
	AnalysisFull     = "pipeline_full"
	AnalysisForecast = "forecast_only"
)

// Entry is one immutable audit record.
type Entry struct {
	Timestamp            time.Time      `json:"timestamp"`
	RunID                string         `json:"run_id"`
	AnalysisType         string         `json:"analysis_type"`
	Parameters           map[string]any `json:"parameters"`
	ResultsSummary       map[string]any `json:"results_summary"`
	PerformanceMetrics   map[string]any `json:"performance_metrics"`
	ExecutionTimeSeconds float64        `json:"execution_time_seconds"`
	Status               string         `json:"status"`
	Error                string         `json:"error,omitempty"`
	PrevHash             string         `json:"prev_hash,omitempty"`
	EntryHash            string         `json:"entry_hash"`
}

// Sink receives audit entries after each run.
type Sink interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) error { return nil }
func (Discard) Close() error                        { return nil }

// WORMLog is a write-once JSONL log. Each entry carries the SHA-256 of its
// own encoding and the hash of the entry before it in the segment.
type WORMLog struct {
	mu             sync.Mutex
	baseDir        string
	currentFile    *os.File
	currentPath    string
	writer         *bufio.Writer
	segmentStart   time.Time
	segmentSize    int64
	maxSegmentSize int64
	entries        int64
	lastHash       string
}

// NewWORMLog opens a log under baseDir. maxSegmentSize <= 0 uses 16MB.
func NewWORMLog(baseDir string, maxSegmentSize int64) (*WORMLog, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	if maxSegmentSize <= 0 {
		maxSegmentSize = 16 * 1024 * 1024
	}
	w := &WORMLog{baseDir: baseDir, maxSegmentSize: maxSegmentSize}
	if err := w.rotateSegment(); err != nil {
		return nil, fmt.Errorf("failed to open initial segment: %w", err)
	}
	return w, nil
}

// Record appends e. Timestamp is set when zero; hashes are always computed.
func (w *WORMLog) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.PrevHash = w.lastHash
	hash, err := entryHash(e)
	if err != nil {
		return err
	}
	e.EntryHash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if _, err := w.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush audit log: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync audit log: %w", err)
	}

	w.lastHash = hash
	w.segmentSize += int64(len(line) + 1)
	w.entries++
	if w.segmentSize >= w.maxSegmentSize {
		if err := w.rotateSegment(); err != nil {
			return fmt.Errorf("failed to rotate audit segment: %w", err)
		}
	}
	return nil
}

func (w *WORMLog) rotateSegment() error {
	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return err
		}
	}
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	segmentDir := filepath.Join(w.baseDir, now.Format("2006/01/02"))
	if err := os.MkdirAll(segmentDir, 0o755); err != nil {
		return fmt.Errorf("failed to create segment directory: %w", err)
	}
	// Nanoseconds keep names unique across fast rotations and restarts.
	segmentPath := filepath.Join(segmentDir, now.Format("150405.000000000")+".jsonl")

	file, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_EXCL|os.O_APPEND|os.O_WRONLY, 0o444)
	if err != nil {
		return fmt.Errorf("failed to create segment file: %w", err)
	}

	w.currentFile = file
	w.currentPath = segmentPath
	w.writer = bufio.NewWriter(file)
	w.segmentStart = now
	w.segmentSize = 0
	w.lastHash = ""
	return nil
}

func (w *WORMLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return err
		}
	}
	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		return err
	}
	return nil
}

// Stats returns the entry count and the current segment.
func (w *WORMLog) Stats() (entries int64, segmentPath string, segmentStart time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries, w.currentPath, w.segmentStart
}

// ReadSegment decodes a segment and verifies every entry hash and the
// chain between entries.
func ReadSegment(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	var entries []Entry
	prev := ""
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return entries, fmt.Errorf("line %d: failed to parse entry: %w", line, err)
		}
		want, err := entryHash(e)
		if err != nil {
			return entries, err
		}
		if e.EntryHash != want {
			return entries, fmt.Errorf("line %d: entry hash mismatch", line)
		}
		if e.PrevHash != prev {
			return entries, fmt.Errorf("line %d: chain broken", line)
		}
		prev = e.EntryHash
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to scan segment: %w", err)
	}
	return entries, nil
}

// SegmentRoot folds the entry hashes of a verified segment into one digest.
func SegmentRoot(path string) (string, error) {
	entries, err := ReadSegment(path)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("empty segment")
	}
	root, _ := hex.DecodeString(entries[0].EntryHash)
	for _, e := range entries[1:] {
		h, err := hex.DecodeString(e.EntryHash)
		if err != nil {
			return "", fmt.Errorf("failed to decode entry hash: %w", err)
		}
		sum := sha256.Sum256(append(root, h...))
		root = sum[:]
	}
	return hex.EncodeToString(root), nil
}

func entryHash(e Entry) (string, error) {
	e.EntryHash = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

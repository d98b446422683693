package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/logging"
	"github.com/ceapsi/staffcast/internal/metrics"
)

// Format names an export format.
type Format string

const (
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatExcel Format = "excel"
)

// AllFormats is the default export set.
var AllFormats = []Format{FormatJSON, FormatCSV, FormatExcel}

// BundleFile is the JSON file name inside a run directory.
const BundleFile = "forecast.json"

// Exporter writes bundles under a base directory, one directory per run.
type Exporter struct {
	baseDir string
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func NewExporter(baseDir string, logger *logging.Logger, m *metrics.Metrics) *Exporter {
	return &Exporter{baseDir: baseDir, logger: logging.OrDiscard(logger), metrics: m}
}

// RunDir returns the directory a bundle is written to, keyed by its
// generation timestamp and run id.
func (e *Exporter) RunDir(b *Bundle) string {
	name := b.Metadata.GeneratedAt.UTC().Format("20060102_150405")
	if id := b.Metadata.RunID; id != "" {
		name += "_" + shortID(id)
	}
	return filepath.Join(e.baseDir, name)
}

// ExportAll writes every requested format. A failing format does not stop
// the others; all failures are returned joined as *api.ExportError.
func (e *Exporter) ExportAll(b *Bundle, formats ...Format) (string, []string, error) {
	if len(formats) == 0 {
		formats = AllFormats
	}
	dir := e.RunDir(b)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dir, nil, &api.ExportError{Format: "all", Path: dir, Err: err}
	}

	var paths []string
	var errs []error
	for _, format := range formats {
		written, err := e.write(dir, b, format)
		paths = append(paths, written...)
		if err != nil {
			e.metrics.ExportFailed(string(format))
			e.logger.Error("export %s failed: %v", format, err)
			errs = append(errs, err)
		}
	}
	if len(paths) > 0 {
		e.logger.Info("exported %d files to %s", len(paths), dir)
	}
	return dir, paths, errors.Join(errs...)
}

func (e *Exporter) write(dir string, b *Bundle, format Format) ([]string, error) {
	switch format {
	case FormatJSON:
		path := filepath.Join(dir, BundleFile)
		file, err := os.Create(path)
		if err != nil {
			return nil, &api.ExportError{Format: string(format), Path: path, Err: err}
		}
		if err := WriteJSON(file, b); err != nil {
			file.Close()
			return nil, &api.ExportError{Format: string(format), Path: path, Err: err}
		}
		if err := file.Close(); err != nil {
			return nil, &api.ExportError{Format: string(format), Path: path, Err: err}
		}
		return []string{path}, nil
	case FormatCSV:
		paths, err := WriteCSV(dir, b)
		if err != nil {
			return paths, &api.ExportError{Format: string(format), Path: dir, Err: err}
		}
		return paths, nil
	case FormatExcel:
		path := filepath.Join(dir, "forecast.xlsx")
		if err := WriteExcel(path, b); err != nil {
			return nil, &api.ExportError{Format: string(format), Path: path, Err: err}
		}
		return []string{path}, nil
	default:
		return nil, &api.ExportError{Format: string(format), Path: dir, Err: fmt.Errorf("unknown format")}
	}
}

// ParseFormats parses a comma separated format list.
func ParseFormats(s string) ([]Format, error) {
	var out []Format
	for _, part := range strings.Split(s, ",") {
		switch f := Format(strings.ToLower(strings.TrimSpace(part))); f {
		case "":
		case FormatJSON, FormatCSV, FormatExcel:
			out = append(out, f)
		case "xlsx":
			out = append(out, FormatExcel)
		default:
			return nil, fmt.Errorf("unknown export format %q", part)
		}
	}
	return out, nil
}

// LoadBundle reads the JSON bundle from a run directory.
func LoadBundle(dir string) (*Bundle, error) {
	file, err := os.Open(filepath.Join(dir, BundleFile))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadJSON(file)
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

package ingest

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ceapsi/staffcast/internal/api"
)

// Dataset is the content of an input file: either raw transactions or a
// pre-aggregated daily table.
type Dataset struct {
	Transactions []api.TransactionRecord
	Daily        []api.DailyAggregate
}

// IsDaily reports whether the dataset bypasses aggregation.
func (d Dataset) IsDaily() bool {
	return len(d.Transactions) == 0 && len(d.Daily) > 0
}

// LoadFile detects the input format from the extension and header and parses it.
// .json files are normalised-data documents; .csv files starting with a ds
// column are daily tables, anything else is a transactions CSV.
func LoadFile(path string, loc *time.Location) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("failed to read input %s: %w", path, err)
	}
	ds, err := Parse(data, filepath.Ext(path), loc)
	if err != nil {
		return Dataset{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return ds, nil
}

// Parse decodes an in-memory input. ext selects the format the same way
// LoadFile does (".json", ".csv" or empty for CSV).
func Parse(data []byte, ext string, loc *time.Location) (Dataset, error) {
	switch strings.ToLower(ext) {
	case ".json", "json":
		records, err := ParseTransactionsJSON(bytes.NewReader(data), loc)
		if err != nil {
			return Dataset{}, err
		}
		return Dataset{Transactions: records}, nil
	case ".csv", "csv", "":
		if isDailyHeader(data) {
			days, err := ParseDailyCSV(bytes.NewReader(data))
			if err != nil {
				return Dataset{}, err
			}
			return Dataset{Daily: days}, nil
		}
		records, err := ParseTransactionsCSV(bytes.NewReader(data), loc)
		if err != nil {
			return Dataset{}, err
		}
		return Dataset{Transactions: records}, nil
	}
	return Dataset{}, fmt.Errorf("unsupported input format %q", ext)
}

func isDailyHeader(data []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return false
	}
	first := strings.ToLower(strings.TrimPrefix(scanner.Text(), "\ufeff"))
	cols := strings.Split(first, ",")
	return len(cols) > 0 && strings.TrimSpace(cols[0]) == "ds"
}

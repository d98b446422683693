package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ceapsi/staffcast/internal/api"
)

// Default durations in minutes when a record carries none.
var DefaultDurations = map[api.Kind]float64{
	api.KindReservation:  45,
	api.KindConversation: 10,
	api.KindCall:         5,
}

const unspecified = "NO_ESPECIFICADO"

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseKind accepts the canonical kinds and their Spanish aliases.
func ParseKind(s string) (api.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reservation", "reserva", "reservas":
		return api.KindReservation, nil
	case "conversation", "conversacion", "conversación", "conversaciones":
		return api.KindConversation, nil
	case "call", "llamada", "llamadas":
		return api.KindCall, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// ParseTimestamp parses the timestamp layouts found in exports. Values without
// a zone are read in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

// ParseTransactionsCSV reads transaction rows with the header
// timestamp,kind,duration_minutes,role,specialty,agent_id.
func ParseTransactionsCSV(r io.Reader, loc *time.Location) ([]api.TransactionRecord, error) {
	if loc == nil {
		loc = time.UTC
	}
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("error reading CSV header: %w", err)
	}
	cols := indexHeader(header)
	for _, required := range []string{"timestamp", "kind"} {
		if _, ok := cols[required]; !ok {
			return nil, &ParseError{Line: 1, Record: header, Err: fmt.Errorf("%w: %s", ErrMissingColumn, required)}
		}
	}

	var records []api.TransactionRecord
	lineNum := 1
	for {
		record, err := reader.Read()
		lineNum++
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV at line %d: %w", lineNum, err)
		}
		if len(record) == 0 || strings.HasPrefix(record[0], "#") {
			continue
		}
		if len(record) < len(header) {
			return nil, &ParseError{Line: lineNum, Record: record, Err: ErrInvalidFieldCount}
		}

		ts, err := ParseTimestamp(field(record, cols, "timestamp"), loc)
		if err != nil {
			return nil, &ParseError{Line: lineNum, Record: record, Err: err}
		}
		kind, err := ParseKind(field(record, cols, "kind"))
		if err != nil {
			return nil, &ParseError{Line: lineNum, Record: record, Err: err}
		}
		duration := DefaultDurations[kind]
		if raw := field(record, cols, "duration_minutes"); raw != "" {
			duration, err = strconv.ParseFloat(raw, 64)
			if err != nil || duration < 0 {
				return nil, &ParseError{Line: lineNum, Record: record, Err: fmt.Errorf("%w: %q", ErrInvalidDuration, raw)}
			}
		}

		records = append(records, api.TransactionRecord{
			Timestamp:       ts,
			Kind:            kind,
			DurationMinutes: duration,
			Role:            orUnspecified(field(record, cols, "role")),
			Specialty:       field(record, cols, "specialty"),
			AgentID:         orUnspecified(field(record, cols, "agent_id")),
		})
	}
	return records, nil
}

type normalizedEntry struct {
	Fecha        string   `json:"fecha"`
	FechaStr     string   `json:"fecha_str"`
	Duracion     *float64 `json:"duracion"`
	Especialidad string   `json:"especialidad"`
	Cargo        string   `json:"cargo"`
	Usuario      string   `json:"usuario"`
}

type normalizedDocument struct {
	Reservas       []normalizedEntry `json:"reservas"`
	Conversaciones []normalizedEntry `json:"conversaciones"`
	Llamadas       []normalizedEntry `json:"llamadas"`
}

// ParseTransactionsJSON reads the normalised-data document with reservas,
// conversaciones and llamadas arrays.
func ParseTransactionsJSON(r io.Reader, loc *time.Location) ([]api.TransactionRecord, error) {
	if loc == nil {
		loc = time.UTC
	}
	var doc normalizedDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode normalised data: %w", err)
	}

	var records []api.TransactionRecord
	var errs []error
	groups := []struct {
		kind    api.Kind
		entries []normalizedEntry
	}{
		{api.KindReservation, doc.Reservas},
		{api.KindConversation, doc.Conversaciones},
		{api.KindCall, doc.Llamadas},
	}
	for _, g := range groups {
		for i, e := range g.entries {
			raw := e.Fecha
			if raw == "" {
				raw = e.FechaStr
			}
			ts, err := ParseTimestamp(raw, loc)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s[%d]: %w", g.kind, i, err))
				continue
			}
			duration := DefaultDurations[g.kind]
			if e.Duracion != nil {
				duration = *e.Duracion
			}
			specialty := ""
			if g.kind == api.KindReservation {
				specialty = e.Especialidad
			}
			records = append(records, api.TransactionRecord{
				Timestamp:       ts,
				Kind:            g.kind,
				DurationMinutes: duration,
				Role:            orUnspecified(e.Cargo),
				Specialty:       specialty,
				AgentID:         orUnspecified(e.Usuario),
			})
		}
	}
	if len(errs) > 0 {
		return records, errors.Join(errs...)
	}
	return records, nil
}

// CheckMinimum returns an InsufficientDataError when fewer than min records are present.
func CheckMinimum(records []api.TransactionRecord, min int) error {
	if len(records) < min {
		return &api.InsufficientDataError{Stage: "ingest", Have: len(records), Need: min, Unit: "transactions"}
	}
	return nil
}

func indexHeader(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	return cols
}

func field(record []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func orUnspecified(s string) string {
	if s == "" {
		return unspecified
	}
	return s
}

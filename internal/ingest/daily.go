package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ceapsi/staffcast/internal/api"
)

// Column aliases used by earlier daily exports.
var regressorAliases = map[string]string{
	"volumen_reservas":          api.RegVolumeReservation,
	"volumen_conversaciones":    api.RegVolumeConversation,
	"volumen_llamadas":          api.RegVolumeCall,
	"dia_semana":                api.RegDayOfWeek,
	"es_inicio_mes":             api.RegIsMonthStart,
	"profesionales_disponibles": api.RegAvailableStaff,
}

// ParseDailyCSV reads a pre-aggregated ds,y,<regressors...> table. Sundays are
// dropped and rows are returned in date order. A date may appear only once.
func ParseDailyCSV(r io.Reader) ([]api.DailyAggregate, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("error reading CSV header: %w", err)
	}
	cols := indexHeader(header)
	dsCol, ok := cols["ds"]
	if !ok {
		return nil, &ParseError{Line: 1, Record: header, Err: fmt.Errorf("%w: ds", ErrMissingColumn)}
	}
	yCol, ok := cols["y"]
	if !ok {
		return nil, &ParseError{Line: 1, Record: header, Err: fmt.Errorf("%w: y", ErrMissingColumn)}
	}
	countCol, hasCount := cols["event_count"]

	regCols := make(map[int]string)
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if i == dsCol || i == yCol || (hasCount && i == countCol) || name == "" {
			continue
		}
		if alias, ok := regressorAliases[name]; ok {
			name = alias
		}
		regCols[i] = name
	}

	var days []api.DailyAggregate
	seen := make(map[time.Time]int)
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
		if len(record) < len(header) {
			return nil, &ParseError{Line: lineNum, Record: record, Err: ErrInvalidFieldCount}
		}

		ts, err := ParseTimestamp(record[dsCol], time.UTC)
		if err != nil {
			return nil, &ParseError{Line: lineNum, Record: record, Err: err}
		}
		date := api.Date(ts)
		if !api.IsBusinessDay(date) {
			continue
		}
		if first, ok := seen[date]; ok {
			return nil, &ParseError{Line: lineNum, Record: record,
				Err: fmt.Errorf("%w: %s already on line %d", ErrDuplicateDate, date.Format(time.DateOnly), first)}
		}
		seen[date] = lineNum
		y, err := strconv.ParseFloat(strings.TrimSpace(record[yCol]), 64)
		if err != nil {
			return nil, &ParseError{Line: lineNum, Record: record, Err: fmt.Errorf("%w: %v", ErrInvalidTarget, err)}
		}

		day := api.DailyAggregate{Date: date, Y: y, Regressors: make(map[string]float64, len(regCols))}
		if hasCount {
			if n, err := strconv.Atoi(strings.TrimSpace(record[countCol])); err == nil {
				day.EventCount = n
			}
		}
		for i, name := range regCols {
			raw := strings.TrimSpace(record[i])
			if raw == "" {
				continue
			}
			v, err := parseRegressor(raw)
			if err != nil {
				return nil, &ParseError{Line: lineNum, Record: record, Err: fmt.Errorf("column %s: %w", name, err)}
			}
			day.Regressors[name] = v
		}
		days = append(days, day)
	}

	sort.SliceStable(days, func(i, j int) bool { return days[i].Date.Before(days[j].Date) })
	return days, nil
}

func parseRegressor(raw string) (float64, error) {
	switch strings.ToLower(raw) {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

// CheckMinimumDays returns an InsufficientDataError when fewer than min days are present.
func CheckMinimumDays(days []api.DailyAggregate, min int) error {
	if len(days) < min {
		return &api.InsufficientDataError{Stage: "ingest", Have: len(days), Need: min, Unit: "days"}
	}
	return nil
}

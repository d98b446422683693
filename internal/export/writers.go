package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"
)

var sheetNames = map[string]string{
	"predictions":     "Predicciones",
	"alerts":          "Alertas",
	"recommendations": "Recomendaciones",
}

// WriteCSV writes predictions.csv, alerts.csv and recommendations.csv into dir.
func WriteCSV(dir string, b *Bundle) ([]string, error) {
	var paths []string
	for _, t := range tables(b) {
		path := filepath.Join(dir, t.name+".csv")
		if err := writeCSVFile(path, t); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeCSVFile(path string, t table) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(file)
	if err := w.Write(t.header); err != nil {
		file.Close()
		return err
	}
	if err := w.WriteAll(t.rows); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// WriteExcel writes one workbook with a sheet per table.
func WriteExcel(path string, b *Bundle) error {
	wb := excelize.NewFile()
	defer wb.Close()

	for i, t := range tables(b) {
		sheet := sheetNames[t.name]
		if i == 0 {
			if err := wb.SetSheetName(wb.GetSheetName(0), sheet); err != nil {
				return err
			}
		} else if _, err := wb.NewSheet(sheet); err != nil {
			return err
		}
		if err := writeSheet(wb, sheet, t); err != nil {
			return fmt.Errorf("sheet %s: %w", sheet, err)
		}
	}
	return wb.SaveAs(path)
}

func writeSheet(wb *excelize.File, sheet string, t table) error {
	rows := append([][]string{t.header}, t.rows...)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]interface{}, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := wb.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}
	return nil
}

package storage

import (
	"fmt"
	"io"

	"github.com/synaptica-ai/cardiorisk/pkg/features"
	"github.com/xuri/excelize/v2"
)

const featureSheet = "Features"

// WriteTableXLSX renders the table as a single-sheet workbook with the same
// columns as WriteTableCSV. Imputed cells are shaded.
func WriteTableXLSX(w io.Writer, t *features.Table, labels []int) error {
	if err := checkLabels(t, labels); err != nil {
		return err
	}
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(featureSheet)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	imputedStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFF2CC"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create imputed style: %w", err)
	}

	for col, header := range tableHeader(t, labels != nil) {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(featureSheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(featureSheet, cell, cell, headerStyle); err != nil {
			return err
		}
	}

	for i, id := range t.PatientIDs {
		row := i + 2
		if err := setCell(f, 1, row, id); err != nil {
			return err
		}
		for j, v := range t.Values[i] {
			if err := setCell(f, j+2, row, v); err != nil {
				return err
			}
			if t.Imputed[i][j] {
				cell, _ := excelize.CoordinatesToCellName(j+2, row)
				if err := f.SetCellStyle(featureSheet, cell, cell, imputedStyle); err != nil {
					return err
				}
			}
		}
		if labels != nil {
			if err := setCell(f, len(t.Schema)+2, row, labels[i]); err != nil {
				return err
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func setCell(f *excelize.File, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	if err := f.SetCellValue(featureSheet, cell, value); err != nil {
		return fmt.Errorf("failed to set cell %s: %w", cell, err)
	}
	return nil
}

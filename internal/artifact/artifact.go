// Package artifact writes the per-task output workbooks: one for rows that
// produced a valid path, one for everything else.
package artifact

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/linnemanlabs/pathsift/internal/extract"
)

const (
	// ValidWorkbook is the filename of the extracted-paths artifact.
	ValidWorkbook = "valid_results.xlsx"

	// InvalidWorkbook is the filename of the rejected-rows artifact.
	InvalidWorkbook = "invalid_records.xlsx"
)

// Writers buffers records into two in-memory workbooks and saves both on
// Close. It satisfies extract.RecordSinkCloser; callers must append from a
// single goroutine.
type Writers struct {
	dir        string
	valid      *excelize.File
	invalid    *excelize.File
	validRow   int
	invalidRow int
}

// NewWriters creates the two workbooks with their header rows. dir must
// already exist.
func NewWriters(dir string) (*Writers, error) {
	w := &Writers{dir: dir, valid: excelize.NewFile(), invalid: excelize.NewFile(), validRow: 1, invalidRow: 1}

	if err := writeRow(w.valid, 1, "Row", "Input", "Path"); err != nil {
		return nil, fmt.Errorf("write valid header: %w", err)
	}
	if err := writeRow(w.invalid, 1, "Row", "Input", "Reason"); err != nil {
		return nil, fmt.Errorf("write invalid header: %w", err)
	}
	return w, nil
}

// AppendValid adds one extracted path to the valid workbook.
func (w *Writers) AppendValid(rec extract.Record) error {
	w.validRow++
	return writeRow(w.valid, w.validRow, rec.Index+1, cleanCell(rec.Input), cleanCell(rec.Path))
}

// AppendInvalid adds one rejected row with its reason.
func (w *Writers) AppendInvalid(rec extract.Record) error {
	w.invalidRow++
	return writeRow(w.invalid, w.invalidRow, rec.Index+1, cleanCell(rec.Input), string(rec.Reason))
}

// Close saves both workbooks to the output directory.
func (w *Writers) Close() error {
	if err := w.valid.SaveAs(filepath.Join(w.dir, ValidWorkbook)); err != nil {
		return fmt.Errorf("save %s: %w", ValidWorkbook, err)
	}
	if err := w.invalid.SaveAs(filepath.Join(w.dir, InvalidWorkbook)); err != nil {
		return fmt.Errorf("save %s: %w", InvalidWorkbook, err)
	}
	if err := w.valid.Close(); err != nil {
		return err
	}
	return w.invalid.Close()
}

func writeRow(f *excelize.File, row int, cells ...interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow("Sheet1", cell, &cells)
}

// cleanCell flattens newlines and tabs so multi-line inputs stay on one
// spreadsheet row.
func cleanCell(s string) string {
	r := strings.NewReplacer("\n", " ", "\r", " ", "\t", " ")
	return r.Replace(s)
}

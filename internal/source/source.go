package source

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Table is one parsed spreadsheet: the header row plus every data row as a
// column-name-to-cell map. Row order follows the sheet.
type Table struct {
	Columns []string
	Rows    []map[string]string
}

// ReadXLSX parses the first sheet of an xlsx workbook. The first row is the
// header; data rows shorter than the header are padded with empty cells.
func ReadXLSX(path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q has no header row", sheets[0])
	}

	header := make([]string, 0, len(rows[0]))
	for _, h := range rows[0] {
		header = append(header, strings.TrimSpace(h))
	}

	t := &Table{Columns: header, Rows: make([]map[string]string, 0, len(rows)-1)}
	for _, raw := range rows[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if col == "" {
				continue
			}
			if i < len(raw) {
				row[col] = raw[i]
			} else {
				row[col] = ""
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// HasColumns reports which of the requested columns are missing from the
// table header.
func (t *Table) HasColumns(selected []string) (missing []string) {
	present := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		present[c] = true
	}
	for _, c := range selected {
		if !present[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

// AssembleInput joins the selected columns of one row into the text handed
// to the model. Empty cells and ignored columns are dropped; cells that look
// like filter-condition expressions have their ignored keys removed. Returns
// "" when nothing survives.
func AssembleInput(row map[string]string, selected, ignored []string) string {
	skip := make(map[string]bool, len(ignored))
	for _, c := range ignored {
		skip[c] = true
	}

	var parts []string
	for _, col := range selected {
		val := strings.TrimSpace(row[col])
		if val == "" || skip[col] {
			continue
		}
		if len(ignored) > 0 {
			val = FilterIgnoredConditions(val, ignored)
		}
		if val != "" {
			parts = append(parts, val)
		}
	}
	return strings.Join(parts, " ; ")
}

var (
	reAndSplit  = regexp.MustCompile(`\s+and\s+`)
	reCondition = regexp.MustCompile(`^([^=]+?)\s*=\s*("[^"]*"|'[^']*'|\S+)`)
)

// FilterIgnoredConditions strips key=value clauses whose key is in the
// ignored list from an "a = 1 and b = 2" style expression. Clauses that do
// not parse as key=value are kept as-is; when every clause is stripped the
// result is "".
func FilterIgnoredConditions(expr string, ignored []string) string {
	if expr == "" || len(ignored) == 0 {
		return expr
	}
	drop := make(map[string]bool, len(ignored))
	for _, c := range ignored {
		drop[c] = true
	}

	var kept []string
	for _, cond := range reAndSplit.Split(expr, -1) {
		m := reCondition.FindStringSubmatch(strings.TrimSpace(cond))
		if m != nil && drop[strings.TrimSpace(m[1])] {
			continue
		}
		kept = append(kept, cond)
	}
	return strings.Join(kept, " and ")
}

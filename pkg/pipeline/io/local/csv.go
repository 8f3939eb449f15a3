package local

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

const utf8BOM = "\ufeff"

// ReadRowsCSV reads a CSV file with a header line and returns one map per
// record keyed by the (trimmed) header names.
//
// Records shorter than the header omit the missing columns; values beyond the
// header are ignored. Blank lines are skipped.
func ReadRowsCSV(r io.Reader) ([]map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, col := range header {
		if i == 0 {
			col = strings.TrimPrefix(col, utf8BOM)
		}
		header[i] = strings.TrimSpace(col)
	}

	var rows []map[string]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(rows)+1, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i >= len(rec) {
				break
			}
			if col == "" {
				continue
			}
			row[col] = rec[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

package upload

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// parseXLSX reads the first sheet of an XLSX upload into headers plus rows,
// using the streaming row iterator so large workbooks stay off the heap.
func parseXLSX(r io.Reader, maxRows int) ([]string, []Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, errors.New("upload: workbook has no sheets")
	}

	iter, err := f.Rows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	defer iter.Close()

	var headers []string
	var rows []Row
	line := 0
	for iter.Next() {
		record, err := iter.Columns()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read row: %w", err)
		}
		line++
		if headers == nil {
			if emptyRow(record) {
				continue
			}
			headers = make([]string, len(record))
			for i, h := range record {
				headers[i] = strings.TrimSpace(h)
			}
			continue
		}
		if emptyRow(record) {
			continue
		}
		rows = append(rows, rowFromRecord(headers, record, line))
		if maxRows > 0 && len(rows) >= maxRows {
			break
		}
	}
	if headers == nil {
		return nil, nil, errors.New("upload: empty workbook")
	}
	return headers, rows, nil
}

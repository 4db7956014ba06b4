// Package upload is the file ingestion boundary: preview and full parsing
// of CSV/XLSX payee files, batch creation, and the enriched CSV download.
package upload

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedType is returned for uploads that are neither CSV nor XLSX.
var ErrUnsupportedType = errors.New("upload: unsupported file type")

// Accepted upload content types.
const (
	ContentTypeCSV  = "text/csv"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// previewRows is how many data rows the preview endpoint returns.
const previewRows = 10

// Preview is the shape returned by the preview endpoint: enough for the
// caller to map columns before committing to a batch.
type Preview struct {
	Headers      []string   `json:"headers"`
	PreviewRows  [][]string `json:"preview_rows"`
	TempFileName string     `json:"temp_file_name"`
	TotalRows    int        `json:"total_rows,omitempty"`
}

// Row is one parsed data row keyed by header name.
type Row struct {
	Line   int
	Values map[string]string
}

// parseCSV reads the whole CSV into headers plus rows. The reader is
// consumed fully; encoding quirks (UTF-8 BOM, latin-1) are normalized
// first and the delimiter is sniffed from the header line.
func parseCSV(r io.Reader, maxRows int) ([]string, []Row, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read upload: %w", err)
	}
	data = normalizeCSVBytes(data)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, errors.New("upload: empty file")
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sniffDelimiter(data)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header row: %w", err)
	}
	headers := make([]string, len(header))
	for i, h := range header {
		headers[i] = strings.TrimSpace(h)
	}

	var rows []Row
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse row %d: %w", line+1, err)
		}
		line++
		if emptyRow(record) {
			continue
		}
		rows = append(rows, rowFromRecord(headers, record, line))
		if maxRows > 0 && len(rows) >= maxRows {
			break
		}
	}
	if len(headers) == 0 {
		return nil, nil, errors.New("upload: no header row")
	}
	return headers, rows, nil
}

func rowFromRecord(headers, record []string, line int) Row {
	values := make(map[string]string, len(headers))
	for i, h := range headers {
		if i < len(record) {
			values[h] = strings.TrimSpace(record[i])
		}
	}
	return Row{Line: line, Values: values}
}

func emptyRow(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// sniffDelimiter picks the most frequent candidate delimiter on the first
// line; comma wins ties.
func sniffDelimiter(data []byte) rune {
	line := data
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		line = data[:idx]
	}
	best, bestCount := ',', bytes.Count(line, []byte{','})
	for _, cand := range []byte{';', '\t', '|'} {
		if n := bytes.Count(line, []byte{cand}); n > bestCount {
			best, bestCount = rune(cand), n
		}
	}
	return best
}

// normalizeCSVBytes strips a UTF-8 BOM and transcodes latin-1 uploads so
// the csv reader always sees valid UTF-8.
func normalizeCSVBytes(data []byte) []byte {
	data = stripUTF8BOM(data)
	if utf8.Valid(data) {
		return data
	}
	return decodeLatin1(data)
}

func stripUTF8BOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}

func decodeLatin1(data []byte) []byte {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return []byte(string(runes))
}

package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
)

// Dataset defines tabular export content.
type Dataset struct {
	Headers []string
	Rows    []map[string]string
}

// CSVExporter renders Dataset records into CSV bytes.
type CSVExporter struct {
	raw bool
}

// NewCSVExporter builds an RFC 4180 CSV exporter.
func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

// NewRawCSVExporter builds an exporter that joins fields with commas and rows
// with newlines without quoting. Only use it for constrained vocabularies
// such as ids, dates and statuses.
func NewRawCSVExporter() *CSVExporter {
	return &CSVExporter{raw: true}
}

// Render produces CSV encoded bytes for the dataset.
func (e *CSVExporter) Render(data Dataset) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("csv requires at least one header")
	}
	if e.raw {
		return renderRaw(data), nil
	}
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(data.Headers); err != nil {
		return nil, fmt.Errorf("write csv headers: %w", err)
	}
	for _, row := range data.Rows {
		if err := writer.Write(record(data.Headers, row)); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func renderRaw(data Dataset) []byte {
	lines := make([]string, 0, len(data.Rows)+1)
	lines = append(lines, strings.Join(data.Headers, ","))
	for _, row := range data.Rows {
		lines = append(lines, strings.Join(record(data.Headers, row), ","))
	}
	return []byte(strings.Join(lines, "\n"))
}

func record(headers []string, row map[string]string) []string {
	out := make([]string, len(headers))
	for i, header := range headers {
		out[i] = row[header]
	}
	return out
}

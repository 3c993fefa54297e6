// Package export writes preprocessed kline tables to csv, json or parquet
// files.
package export

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/johnayoung/go-kline-collector/internal/preprocess"
)

// Writer encodes a table into a single file.
type Writer interface {
	Write(table *preprocess.Table, path string) error
	Extension() string
}

// Formats lists the supported output formats.
var Formats = []string{"csv", "json", "parquet"}

// NewWriter returns the writer for format.
func NewWriter(format string) (Writer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		return CSVWriter{}, nil
	case "json":
		return JSONWriter{}, nil
	case "parquet":
		return ParquetWriter{}, nil
	default:
		return nil, fmt.Errorf("unsupported export format %q (use: %s)", format, strings.Join(Formats, ", "))
	}
}

// Exporter writes tables under a directory, one file per series.
type Exporter struct {
	dir    string
	writer Writer
	logger *slog.Logger
}

// NewExporter creates an exporter for format rooted at dir.
func NewExporter(dir, format string, logger *slog.Logger) (*Exporter, error) {
	w, err := NewWriter(format)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{dir: dir, writer: w, logger: logger.With("component", "exporter")}, nil
}

// Path returns the file a table for symbol and granularity is written to.
func (e *Exporter) Path(symbol, granularity string) string {
	name := fmt.Sprintf("%s_%s.%s", strings.ToLower(symbol), granularity, e.writer.Extension())
	return filepath.Join(e.dir, name)
}

// Export writes table and returns the file path. Empty tables are skipped
// with a warning and yield an empty path.
func (e *Exporter) Export(table *preprocess.Table) (string, error) {
	if table.Len() == 0 {
		e.logger.Warn("table is empty, skipping export")
		return "", nil
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", e.dir, err)
	}

	path := e.Path(table.Symbol, table.Granularity)
	if err := e.writer.Write(table, path); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	e.logger.Info("table exported",
		"symbol", table.Symbol,
		"granularity", table.Granularity,
		"records", table.Len(),
		"path", path)
	return path, nil
}

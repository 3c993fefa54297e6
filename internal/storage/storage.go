// Package storage defines the persistence layer for fetched kline series.
// Series are keyed by (symbol, granularity, open_time); writing a row that
// already exists replaces it, so re-fetching an overlapping window is idempotent.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-kline-collector/internal/models"
)

// SeriesWriter persists fetched rows.
type SeriesWriter interface {
	// Upsert stores rows for one series, replacing rows with the same open time.
	// Every row is validated before anything is written. Returns the number of
	// rows written.
	Upsert(ctx context.Context, symbol, granularity string, rows []models.Row) (int, error)
}

// SeriesReader reads stored rows back.
type SeriesReader interface {
	// Query returns rows matching the request in open-time order.
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)

	// Latest returns the newest stored row of a series, or nil when the series is empty.
	Latest(ctx context.Context, symbol, granularity string) (*models.Row, error)
}

// GapStorage records gap reports produced after each fetch.
type GapStorage interface {
	// StoreGaps records gaps, replacing an existing gap with the same
	// (symbol, granularity, after) key.
	StoreGaps(ctx context.Context, gaps []models.Gap) error

	// GetGaps returns the recorded gaps of a series ordered by position.
	GetGaps(ctx context.Context, symbol, granularity string) ([]models.Gap, error)
}

// StorageManager handles storage lifecycle and operational concerns.
type StorageManager interface {
	// Initialize prepares the backend. Safe to call more than once.
	Initialize(ctx context.Context) error

	// Close releases the backend. The store must not be used afterwards.
	Close() error

	// GetStats returns row counts and time coverage.
	GetStats(ctx context.Context) (*StorageStats, error)

	HealthCheck(ctx context.Context) error
}

// SeriesStore is the full storage capability set.
type SeriesStore interface {
	SeriesWriter
	SeriesReader
	GapStorage
	StorageManager
}

// QueryRequest defines parameters for querying stored rows.
type QueryRequest struct {
	Symbol      string
	Granularity string

	// From is the earliest open time to include (inclusive). Zero means unbounded.
	From time.Time

	// To is the latest open time to include (exclusive). Zero means unbounded.
	To time.Time

	// Limit is the maximum number of rows to return (0 = no limit)
	Limit int

	// Offset is the number of rows to skip for pagination
	Offset int

	// OrderBy is "open_time_asc" (default) or "open_time_desc"
	OrderBy string
}

// Descending reports whether the request asks for newest rows first.
func (r QueryRequest) Descending() bool {
	return r.OrderBy == "open_time_desc"
}

// QueryResponse contains the results of a query.
type QueryResponse struct {
	Rows []models.Row

	// Total is the number of matches before limit/offset
	Total int

	HasMore    bool
	NextOffset int
	QueryTime  time.Duration
}

// StorageStats describes stored data.
type StorageStats struct {
	TotalRows    int64
	TotalSeries  int
	TotalGaps    int64
	EarliestData time.Time
	LatestData   time.Time

	// QueryPerformance holds the average duration per operation.
	QueryPerformance map[string]time.Duration
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Query is the SQL statement, when one is involved
	Query string

	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{
		Operation: "query",
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "insert",
		Table:     table,
		Err:       err,
	}
}

// validateRows checks every row and rejects repeated open times within one write.
func validateRows(rows []models.Row) error {
	seen := make(map[int64]struct{}, len(rows))
	for i := range rows {
		if err := rows[i].Validate(); err != nil {
			return fmt.Errorf("invalid row at index %d: %w", i, err)
		}
		if _, dup := seen[rows[i].OpenTime]; dup {
			return fmt.Errorf("duplicate open time %d at index %d", rows[i].OpenTime, i)
		}
		seen[rows[i].OpenTime] = struct{}{}
	}
	return nil
}

func validateSeriesKey(symbol, granularity string) error {
	if symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if granularity == "" {
		return fmt.Errorf("granularity is required")
	}
	return nil
}

// New creates a store for the configured backend type.
func New(storageType, databaseURL string, logger *slog.Logger) (SeriesStore, error) {
	switch storageType {
	case "memory":
		return NewMemoryStorage(), nil
	case "duckdb", "":
		return NewDuckDBStorage(databaseURL, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

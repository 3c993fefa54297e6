package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-kline-collector/internal/models"
)

type seriesKey struct {
	symbol      string
	granularity string
}

// MemoryStorage is an in-memory SeriesStore, used when persistence is not
// configured and in tests.
type MemoryStorage struct {
	mu sync.RWMutex

	// rows: series -> open_time -> row
	rows map[seriesKey]map[int64]models.Row

	// gaps: series -> after -> gap
	gaps map[seriesKey]map[int64]models.Gap

	closed     bool
	queryTimes map[string][]time.Duration
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		rows:       make(map[seriesKey]map[int64]models.Row),
		gaps:       make(map[seriesKey]map[int64]models.Gap),
		queryTimes: make(map[string][]time.Duration),
	}
}

var errClosed = errors.New("storage is closed")

// Initialize implements StorageManager.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("initialize", "", "", errClosed)
	}
	return nil
}

// Upsert implements SeriesWriter.
func (m *MemoryStorage) Upsert(ctx context.Context, symbol, granularity string, rows []models.Row) (int, error) {
	start := time.Now()
	defer func() {
		m.trackQueryTime("upsert", time.Since(start))
	}()

	if ctx.Err() != nil {
		return 0, NewInsertError("klines", ctx.Err())
	}
	if err := validateSeriesKey(symbol, granularity); err != nil {
		return 0, NewInsertError("klines", err)
	}
	if err := validateRows(rows); err != nil {
		return 0, NewInsertError("klines", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewInsertError("klines", errClosed)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	key := seriesKey{symbol, granularity}
	series := m.rows[key]
	if series == nil {
		series = make(map[int64]models.Row, len(rows))
		m.rows[key] = series
	}
	for _, row := range rows {
		series[row.OpenTime] = row
	}
	return len(rows), nil
}

// Query implements SeriesReader.
func (m *MemoryStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	defer func() {
		m.trackQueryTime("query", time.Since(start))
	}()

	if ctx.Err() != nil {
		return nil, NewQueryError("klines", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("klines", "", errClosed)
	}

	var matches []models.Row
	for key, series := range m.rows {
		if req.Symbol != "" && key.symbol != req.Symbol {
			continue
		}
		if req.Granularity != "" && key.granularity != req.Granularity {
			continue
		}
		for openTime, row := range series {
			if !req.From.IsZero() && openTime < req.From.UnixMilli() {
				continue
			}
			if !req.To.IsZero() && openTime >= req.To.UnixMilli() {
				continue
			}
			matches = append(matches, row)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if req.Descending() {
			return matches[i].OpenTime > matches[j].OpenTime
		}
		return matches[i].OpenTime < matches[j].OpenTime
	})

	total := len(matches)
	from := req.Offset
	if from > total {
		from = total
	}
	to := total
	if req.Limit > 0 && from+req.Limit < total {
		to = from + req.Limit
	}

	result := make([]models.Row, to-from)
	copy(result, matches[from:to])

	return &QueryResponse{
		Rows:       result,
		Total:      total,
		HasMore:    to < total,
		NextOffset: to,
		QueryTime:  time.Since(start),
	}, nil
}

// Latest implements SeriesReader.
func (m *MemoryStorage) Latest(ctx context.Context, symbol, granularity string) (*models.Row, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError("klines", "", ctx.Err())
	}
	if err := validateSeriesKey(symbol, granularity); err != nil {
		return nil, NewQueryError("klines", "", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("klines", "", errClosed)
	}

	var latest *models.Row
	for _, row := range m.rows[seriesKey{symbol, granularity}] {
		if latest == nil || row.OpenTime > latest.OpenTime {
			r := row
			latest = &r
		}
	}
	return latest, nil
}

// StoreGaps implements GapStorage.
func (m *MemoryStorage) StoreGaps(ctx context.Context, gaps []models.Gap) error {
	if ctx.Err() != nil {
		return NewInsertError("gaps", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewInsertError("gaps", errClosed)
	}

	for _, gap := range gaps {
		if gap.Before <= gap.After {
			return NewInsertError("gaps", errors.New("gap must end after it starts"))
		}
		key := seriesKey{gap.Symbol, gap.Granularity}
		if m.gaps[key] == nil {
			m.gaps[key] = make(map[int64]models.Gap)
		}
		m.gaps[key][gap.After] = gap
	}
	return nil
}

// GetGaps implements GapStorage.
func (m *MemoryStorage) GetGaps(ctx context.Context, symbol, granularity string) ([]models.Gap, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError("gaps", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("gaps", "", errClosed)
	}

	series := m.gaps[seriesKey{symbol, granularity}]
	result := make([]models.Gap, 0, len(series))
	for _, gap := range series {
		result = append(result, gap)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].After < result[j].After })
	return result, nil
}

// GetStats implements StorageManager.
func (m *MemoryStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewStorageError("stats", "", "", errClosed)
	}

	stats := &StorageStats{QueryPerformance: m.averageQueryTimes()}
	var earliest, latest int64
	for _, series := range m.rows {
		if len(series) == 0 {
			continue
		}
		stats.TotalSeries++
		for openTime := range series {
			if stats.TotalRows == 0 || openTime < earliest {
				earliest = openTime
			}
			if stats.TotalRows == 0 || openTime > latest {
				latest = openTime
			}
			stats.TotalRows++
		}
	}
	for _, series := range m.gaps {
		stats.TotalGaps += int64(len(series))
	}
	if stats.TotalRows > 0 {
		stats.EarliestData = time.UnixMilli(earliest).UTC()
		stats.LatestData = time.UnixMilli(latest).UTC()
	}
	return stats, nil
}

// HealthCheck implements StorageManager.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", "", "", errClosed)
	}
	return nil
}

// Close implements StorageManager.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.rows = make(map[seriesKey]map[int64]models.Row)
	m.gaps = make(map[seriesKey]map[int64]models.Gap)
	return nil
}

func (m *MemoryStorage) trackQueryTime(operation string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	times := m.queryTimes[operation]
	if len(times) >= 100 {
		times = times[1:]
	}
	m.queryTimes[operation] = append(times, duration)
}

// averageQueryTimes must be called with mu held.
func (m *MemoryStorage) averageQueryTimes() map[string]time.Duration {
	out := make(map[string]time.Duration, len(m.queryTimes))
	for operation, times := range m.queryTimes {
		if len(times) == 0 {
			continue
		}
		var total time.Duration
		for _, t := range times {
			total += t
		}
		out[operation] = total / time.Duration(len(times))
	}
	return out
}

var _ SeriesStore = (*MemoryStorage)(nil)

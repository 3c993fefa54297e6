package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-kline-collector/internal/models"
	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"
)

const klineColumns = `symbol, granularity, open_time, open, high, low, close, volume, close_time,
	quote_asset_volume, number_of_trades, taker_buy_base_volume, taker_buy_quote_volume`

// DuckDBStorage implements SeriesStore on DuckDB. Rows are bulk loaded with
// the Appender API into a staging table and merged with INSERT OR REPLACE.
type DuckDBStorage struct {
	db         *sql.DB
	dbPath     string
	logger     *slog.Logger
	migrations *MigrationManager

	// mu guards db and serializes writers sharing the staging table.
	mu sync.RWMutex

	queryTimes map[string][]time.Duration
	queryMu    sync.Mutex
}

// NewDuckDBStorage opens a DuckDB database. dbPath may be ":memory:" or a file path.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer connection; an in-memory database also lives on this one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:         db,
		dbPath:     dbPath,
		logger:     logger,
		migrations: NewMigrationManager(db, logger),
		queryTimes: make(map[string][]time.Duration),
	}, nil
}

// Initialize applies schema migrations.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return NewStorageError("initialize", "", "", fmt.Errorf("database connection is closed"))
	}

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	for _, setting := range []string{"SET enable_progress_bar = false"} {
		if _, err := d.db.ExecContext(ctx, setting); err != nil {
			d.logger.Warn("failed to apply setting", "setting", setting, "error", err)
		}
	}

	if err := d.migrations.MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", "", err)
	}
	return nil
}

// MigrationStatus reports the schema version of the database.
func (d *DuckDBStorage) MigrationStatus(ctx context.Context) (*MigrationStatus, error) {
	return d.migrations.GetStatus(ctx)
}

// Upsert implements SeriesWriter.
func (d *DuckDBStorage) Upsert(ctx context.Context, symbol, granularity string, rows []models.Row) (int, error) {
	if err := validateSeriesKey(symbol, granularity); err != nil {
		return 0, NewInsertError("klines", err)
	}
	if err := validateRows(rows); err != nil {
		return 0, NewInsertError("klines", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	start := time.Now()
	defer func() {
		d.recordQueryTime("upsert", time.Since(start))
	}()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return 0, NewInsertError("klines", fmt.Errorf("database connection is closed"))
	}

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return 0, NewInsertError("klines", fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "DELETE FROM klines_staging"); err != nil {
		return 0, NewInsertError("klines_staging", fmt.Errorf("failed to clear staging table: %w", err))
	}

	if err := d.appendRows(conn, symbol, granularity, rows); err != nil {
		return 0, NewInsertError("klines_staging", err)
	}

	merge := "INSERT OR REPLACE INTO klines SELECT * FROM klines_staging"
	if _, err := conn.ExecContext(ctx, merge); err != nil {
		return 0, NewStorageError("insert", "klines", merge, fmt.Errorf("failed to merge staged rows: %w", err))
	}

	if _, err := conn.ExecContext(ctx, "DELETE FROM klines_staging"); err != nil {
		d.logger.Warn("failed to clear staging table", "error", err)
	}

	d.logger.Debug("upserted rows",
		"symbol", symbol,
		"granularity", granularity,
		"count", len(rows),
		"duration", time.Since(start))

	return len(rows), nil
}

func (d *DuckDBStorage) appendRows(conn *sql.Conn, symbol, granularity string, rows []models.Row) error {
	var driverConn *duckdb.Conn
	err := conn.Raw(func(dc interface{}) error {
		var ok bool
		driverConn, ok = dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to get DuckDB connection: %w", err)
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", "klines_staging")
	if err != nil {
		return fmt.Errorf("failed to create appender: %w", err)
	}

	for _, r := range rows {
		if err := appender.AppendRow(
			symbol,
			granularity,
			r.OpenTime,
			r.Open.InexactFloat64(),
			r.High.InexactFloat64(),
			r.Low.InexactFloat64(),
			r.Close.InexactFloat64(),
			r.Volume.InexactFloat64(),
			r.CloseTime,
			r.QuoteAssetVolume.InexactFloat64(),
			r.NumberOfTrades,
			r.TakerBuyBaseVolume.InexactFloat64(),
			r.TakerBuyQuoteVolume.InexactFloat64(),
		); err != nil {
			appender.Close()
			return fmt.Errorf("failed to append row %d: %w", r.OpenTime, err)
		}
	}

	// Close flushes the appender.
	if err := appender.Close(); err != nil {
		return fmt.Errorf("failed to flush appender: %w", err)
	}
	return nil
}

// Query implements SeriesReader.
func (d *DuckDBStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	defer func() {
		d.recordQueryTime("query", time.Since(start))
	}()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewQueryError("klines", "", fmt.Errorf("database connection is closed"))
	}

	where, args := buildFilter(req)

	var total int
	countQuery := "SELECT COUNT(*) FROM klines" + where
	if err := d.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, NewQueryError("klines", countQuery, fmt.Errorf("failed to get count: %w", err))
	}

	query := "SELECT " + klineColumns + " FROM klines" + where
	if req.Descending() {
		query += " ORDER BY open_time DESC"
	} else {
		query += " ORDER BY open_time ASC"
	}
	if req.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", req.Limit)
	}
	if req.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", req.Offset)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("klines", query, fmt.Errorf("failed to execute query: %w", err))
	}
	defer rows.Close()

	result := make([]models.Row, 0, req.Limit)
	for rows.Next() {
		row, err := scanKline(rows)
		if err != nil {
			return nil, NewQueryError("klines", query, fmt.Errorf("failed to scan row: %w", err))
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("klines", query, fmt.Errorf("row iteration error: %w", err))
	}

	return &QueryResponse{
		Rows:       result,
		Total:      total,
		HasMore:    req.Offset+len(result) < total,
		NextOffset: req.Offset + len(result),
		QueryTime:  time.Since(start),
	}, nil
}

func buildFilter(req QueryRequest) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if req.Symbol != "" {
		add("symbol = $%d", req.Symbol)
	}
	if req.Granularity != "" {
		add("granularity = $%d", req.Granularity)
	}
	if !req.From.IsZero() {
		add("open_time >= $%d", req.From.UnixMilli())
	}
	if !req.To.IsZero() {
		add("open_time < $%d", req.To.UnixMilli())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanKline(s scanner) (models.Row, error) {
	var (
		row                                         models.Row
		symbol, granularity                         string
		open, high, low, closePrice, volume         float64
		quoteVolume, takerBaseVolume, takerQuoteVol float64
	)
	if err := s.Scan(
		&symbol,
		&granularity,
		&row.OpenTime,
		&open,
		&high,
		&low,
		&closePrice,
		&volume,
		&row.CloseTime,
		&quoteVolume,
		&row.NumberOfTrades,
		&takerBaseVolume,
		&takerQuoteVol,
	); err != nil {
		return models.Row{}, err
	}

	row.Open = decimal.NewFromFloat(open)
	row.High = decimal.NewFromFloat(high)
	row.Low = decimal.NewFromFloat(low)
	row.Close = decimal.NewFromFloat(closePrice)
	row.Volume = decimal.NewFromFloat(volume)
	row.QuoteAssetVolume = decimal.NewFromFloat(quoteVolume)
	row.TakerBuyBaseVolume = decimal.NewFromFloat(takerBaseVolume)
	row.TakerBuyQuoteVolume = decimal.NewFromFloat(takerQuoteVol)
	return row, nil
}

// Latest implements SeriesReader.
func (d *DuckDBStorage) Latest(ctx context.Context, symbol, granularity string) (*models.Row, error) {
	start := time.Now()
	defer func() {
		d.recordQueryTime("latest", time.Since(start))
	}()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewQueryError("klines", "", fmt.Errorf("database connection is closed"))
	}

	query := "SELECT " + klineColumns + `
		FROM klines
		WHERE symbol = $1 AND granularity = $2
		ORDER BY open_time DESC
		LIMIT 1`

	row, err := scanKline(d.db.QueryRowContext(ctx, query, symbol, granularity))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("klines", query, fmt.Errorf("failed to get latest row: %w", err))
	}
	return &row, nil
}

// StoreGaps implements GapStorage.
func (d *DuckDBStorage) StoreGaps(ctx context.Context, gaps []models.Gap) error {
	if len(gaps) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		d.recordQueryTime("store_gaps", time.Since(start))
	}()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return NewInsertError("gaps", fmt.Errorf("database connection is closed"))
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return NewInsertError("gaps", fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	query := `
		INSERT OR REPLACE INTO gaps (symbol, granularity, after_time, before_time, missing, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	now := time.Now().UTC()
	for _, gap := range gaps {
		if _, err := tx.ExecContext(ctx, query,
			gap.Symbol,
			gap.Granularity,
			gap.After,
			gap.Before,
			gap.Missing,
			now,
		); err != nil {
			return NewInsertError("gaps", fmt.Errorf("failed to store gap %s: %w", gap, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewInsertError("gaps", fmt.Errorf("failed to commit gaps: %w", err))
	}
	return nil
}

// GetGaps implements GapStorage.
func (d *DuckDBStorage) GetGaps(ctx context.Context, symbol, granularity string) ([]models.Gap, error) {
	start := time.Now()
	defer func() {
		d.recordQueryTime("get_gaps", time.Since(start))
	}()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewQueryError("gaps", "", fmt.Errorf("database connection is closed"))
	}

	query := `
		SELECT symbol, granularity, after_time, before_time, missing
		FROM gaps
		WHERE symbol = $1 AND granularity = $2
		ORDER BY after_time ASC`

	rows, err := d.db.QueryContext(ctx, query, symbol, granularity)
	if err != nil {
		return nil, NewQueryError("gaps", query, fmt.Errorf("failed to get gaps: %w", err))
	}
	defer rows.Close()

	var gaps []models.Gap
	for rows.Next() {
		var gap models.Gap
		if err := rows.Scan(&gap.Symbol, &gap.Granularity, &gap.After, &gap.Before, &gap.Missing); err != nil {
			return nil, NewQueryError("gaps", query, fmt.Errorf("failed to scan gap: %w", err))
		}
		gaps = append(gaps, gap)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("gaps", query, fmt.Errorf("gap rows iteration error: %w", err))
	}
	return gaps, nil
}

// GetStats implements StorageManager.
func (d *DuckDBStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewStorageError("stats", "", "", fmt.Errorf("database connection is closed"))
	}

	stats := &StorageStats{}

	query := `
		SELECT COUNT(*),
		       (SELECT COUNT(*) FROM (SELECT DISTINCT symbol, granularity FROM klines)),
		       COALESCE(MIN(open_time), 0), COALESCE(MAX(open_time), 0)
		FROM klines`
	var earliest, latest int64
	if err := d.db.QueryRowContext(ctx, query).Scan(&stats.TotalRows, &stats.TotalSeries, &earliest, &latest); err != nil {
		return nil, NewStorageError("stats", "klines", query, err)
	}
	if stats.TotalRows > 0 {
		stats.EarliestData = time.UnixMilli(earliest).UTC()
		stats.LatestData = time.UnixMilli(latest).UTC()
	}

	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM gaps").Scan(&stats.TotalGaps); err != nil {
		return nil, NewStorageError("stats", "gaps", "", err)
	}

	stats.QueryPerformance = d.averageQueryTimes()
	return stats, nil
}

// HealthCheck verifies database connectivity.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()

	if db == nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database connection is closed"))
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}
	return nil
}

// Close implements StorageManager.
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		d.logger.Info("closing DuckDB storage")
		if err := d.db.Close(); err != nil {
			return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
		}
		d.db = nil
	}
	return nil
}

// recordQueryTime keeps the last 100 durations per operation.
func (d *DuckDBStorage) recordQueryTime(operation string, duration time.Duration) {
	d.queryMu.Lock()
	defer d.queryMu.Unlock()

	times := d.queryTimes[operation]
	if len(times) >= 100 {
		times = times[1:]
	}
	d.queryTimes[operation] = append(times, duration)
}

func (d *DuckDBStorage) averageQueryTimes() map[string]time.Duration {
	d.queryMu.Lock()
	defer d.queryMu.Unlock()

	out := make(map[string]time.Duration, len(d.queryTimes))
	for operation, times := range d.queryTimes {
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

var _ SeriesStore = (*DuckDBStorage)(nil)

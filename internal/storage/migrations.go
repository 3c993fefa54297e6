package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration represents a single schema change with version and implementation.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// MigrationManager applies versioned schema changes to a DuckDB database.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// MigrationStatus represents the current state of database migrations.
type MigrationStatus struct {
	CurrentVersion      int                `json:"current_version"`
	LatestVersion       int                `json:"latest_version"`
	AppliedMigrations   []AppliedMigration `json:"applied_migrations"`
	PendingMigrations   int                `json:"pending_migrations"`
	DatabaseInitialized bool               `json:"database_initialized"`
}

// AppliedMigration represents a migration that has been applied.
type AppliedMigration struct {
	Version       int           `json:"version"`
	Description   string        `json:"description"`
	AppliedAt     time.Time     `json:"applied_at"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// NewMigrationManager creates a migration manager over db.
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: allMigrations(),
	}
}

func (m *MigrationManager) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// LatestVersion returns the highest known migration version.
func (m *MigrationManager) LatestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// MigrateToLatest applies every pending migration.
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	return m.Migrate(ctx, m.LatestVersion())
}

// Migrate applies pending migrations up to targetVersion in order.
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	if current >= targetVersion {
		m.logger.Debug("schema up to date", "current_version", current)
		return nil
	}

	applied := 0
	for _, migration := range m.migrations {
		if migration.Version <= current || migration.Version > targetVersion {
			continue
		}
		if err := m.run(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	m.logger.Info("migrations applied",
		"from_version", current,
		"to_version", targetVersion,
		"migrations_run", applied)
	return nil
}

// Rollback reverts applied migrations above targetVersion, newest first.
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if migration.Version <= targetVersion || migration.Version > current {
			continue
		}
		if err := m.rollback(ctx, migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
	}
	return nil
}

// GetStatus reports applied and pending migrations.
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	pending := 0
	for _, migration := range m.migrations {
		if migration.Version > current {
			pending++
		}
	}

	return &MigrationStatus{
		CurrentVersion:      current,
		LatestVersion:       m.LatestVersion(),
		AppliedMigrations:   applied,
		PendingMigrations:   pending,
		DatabaseInitialized: current >= 1,
	}, nil
}

func (m *MigrationManager) run(ctx context.Context, migration Migration) error {
	start := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	insert := `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, insert,
		migration.Version,
		migration.Description,
		start,
		time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Debug("migration applied",
		"version", migration.Version,
		"description", migration.Description,
		"duration", time.Since(start))
	return nil
}

func (m *MigrationManager) rollback(ctx context.Context, migration Migration) error {
	if migration.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", migration.Version)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	m.logger.Info("migration rolled back", "version", migration.Version)
	return nil
}

func (m *MigrationManager) currentVersion(ctx context.Context) (int, error) {
	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func (m *MigrationManager) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT version, description, applied_at, execution_time
		FROM schema_migrations
		ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		var executionTime int64
		if err := rows.Scan(&a.Version, &a.Description, &a.AppliedAt, &executionTime); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		a.ExecutionTime = time.Duration(executionTime)
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

func allMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create klines table",
			Up:          migrationV1Up,
			Down:        dropTables("klines"),
		},
		{
			Version:     2,
			Description: "create gaps table",
			Up:          migrationV2Up,
			Down:        dropTables("gaps"),
		},
		{
			Version:     3,
			Description: "create klines staging table for appender upserts",
			Up:          migrationV3Up,
			Down:        dropTables("klines_staging"),
		},
	}
}

// Prices are stored as DOUBLE for analytical queries; rows read back are
// converted to decimals with the shortest exact representation.
func migrationV1Up(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS klines (
			symbol VARCHAR NOT NULL,
			granularity VARCHAR NOT NULL,
			open_time BIGINT NOT NULL,
			open DOUBLE NOT NULL,
			high DOUBLE NOT NULL,
			low DOUBLE NOT NULL,
			close DOUBLE NOT NULL,
			volume DOUBLE NOT NULL,
			close_time BIGINT NOT NULL,
			quote_asset_volume DOUBLE NOT NULL,
			number_of_trades BIGINT NOT NULL,
			taker_buy_base_volume DOUBLE NOT NULL,
			taker_buy_quote_volume DOUBLE NOT NULL,
			PRIMARY KEY (symbol, granularity, open_time)
		)`,
	}
	return execAll(ctx, tx, statements)
}

func migrationV2Up(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS gaps (
			symbol VARCHAR NOT NULL,
			granularity VARCHAR NOT NULL,
			after_time BIGINT NOT NULL,
			before_time BIGINT NOT NULL,
			missing BIGINT NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (symbol, granularity, after_time),
			CHECK (before_time > after_time)
		)`,
	}
	return execAll(ctx, tx, statements)
}

func migrationV3Up(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS klines_staging AS SELECT * FROM klines WHERE false`,
	}
	return execAll(ctx, tx, statements)
}

func dropTables(tables ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		statements := make([]string, len(tables))
		for i, table := range tables {
			statements[i] = "DROP TABLE IF EXISTS " + table
		}
		return execAll(ctx, tx, statements)
	}
}

func execAll(ctx context.Context, tx *sql.Tx, statements []string) error {
	for _, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(statement), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

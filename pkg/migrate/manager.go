package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Dialect selects placeholder and DDL flavor.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

var migrationNamePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+)\.(up|down)\.sql$`)

// Migration is one rendered up/down pair.
type Migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// Manager applies and reverts migrations, recording applied versions in a metadata table.
type Manager struct {
	db         *sql.DB
	dialect    Dialect
	table      string
	migrations []Migration
}

// NewManager loads set, renders it with vars and binds it to db.
func NewManager(db *sql.DB, set string, vars Vars) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if err := vars.validate(set); err != nil {
		return nil, err
	}
	files, dialect, err := Source(set)
	if err != nil {
		return nil, err
	}
	migrations, err := loadMigrations(files, vars)
	if err != nil {
		return nil, err
	}
	return &Manager{db: db, dialect: dialect, table: metadataTable(set), migrations: migrations}, nil
}

func metadataTable(set string) string {
	if set == SetPGMQ {
		return "runqueue_schema_migrations"
	}
	return "runqueue_tracking_migrations"
}

// Migrations returns the loaded migrations in version order.
func (m *Manager) Migrations() []Migration {
	return m.migrations
}

// Up applies every pending migration in order and returns how many were applied.
func (m *Manager) Up(ctx context.Context) (int, error) {
	if err := m.ensureMetadataTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.appliedVersions(ctx, false)
	if err != nil {
		return 0, err
	}
	done := make(map[int64]struct{}, len(applied))
	for _, v := range applied {
		done[v] = struct{}{}
	}

	count := 0
	for _, migration := range m.migrations {
		if _, ok := done[migration.Version]; ok {
			continue
		}
		record := fmt.Sprintf("INSERT INTO %s (version) VALUES (%s)", m.table, m.placeholder(1))
		if err := m.exec(ctx, migration, migration.UpSQL, record); err != nil {
			return count, fmt.Errorf("apply migration %d_%s: %w", migration.Version, migration.Name, err)
		}
		count++
	}
	return count, nil
}

// Down reverts the newest steps applied migrations.
func (m *Manager) Down(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	if err := m.ensureMetadataTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.appliedVersions(ctx, true)
	if err != nil {
		return 0, err
	}
	if steps > len(applied) {
		steps = len(applied)
	}

	count := 0
	for _, version := range applied[:steps] {
		migration, ok := m.migrationByVersion(version)
		if !ok {
			return count, fmt.Errorf("migration definition not found for applied version %d", version)
		}
		if strings.TrimSpace(migration.DownSQL) == "" {
			return count, fmt.Errorf("down migration missing for version %d", version)
		}
		record := fmt.Sprintf("DELETE FROM %s WHERE version = %s", m.table, m.placeholder(1))
		if err := m.exec(ctx, migration, migration.DownSQL, record); err != nil {
			return count, fmt.Errorf("rollback migration %d_%s: %w", migration.Version, migration.Name, err)
		}
		count++
	}
	return count, nil
}

// Status lists applied and pending migrations.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	if err := m.ensureMetadataTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedVersions(ctx, false)
	if err != nil {
		return nil, err
	}
	done := make(map[int64]struct{}, len(applied))
	for _, v := range applied {
		done[v] = struct{}{}
	}
	pending := make([]PendingMigration, 0)
	for _, migration := range m.migrations {
		if _, ok := done[migration.Version]; !ok {
			pending = append(pending, PendingMigration{Version: migration.Version, Name: migration.Name})
		}
	}
	return &Status{AppliedVersions: applied, Pending: pending}, nil
}

// exec runs the statements of one migration and the metadata write in a transaction.
// MySQL commits DDL implicitly, so a failure there can leave a partial migration.
func (m *Manager) exec(ctx context.Context, migration Migration, body, record string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for _, stmt := range splitStatements(body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, record, migration.Version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

func (m *Manager) placeholder(n int) string {
	if m.dialect == DialectMySQL {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

func (m *Manager) ensureMetadataTable(ctx context.Context) error {
	column := "TIMESTAMPTZ NOT NULL DEFAULT NOW()"
	if m.dialect == DialectMySQL {
		column = "TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP"
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (version BIGINT PRIMARY KEY, applied_at %s)", m.table, column)
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure %s table: %w", m.table, err)
	}
	return nil
}

func (m *Manager) appliedVersions(ctx context.Context, desc bool) ([]int64, error) {
	order := "ASC"
	if desc {
		order = "DESC"
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s ORDER BY version %s", m.table, order))
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()

	versions := make([]int64, 0)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return versions, nil
}

func (m *Manager) migrationByVersion(version int64) (Migration, bool) {
	for _, migration := range m.migrations {
		if migration.Version == version {
			return migration, true
		}
	}
	return Migration{}, false
}

// splitStatements splits a script on statement-terminating semicolons.
func splitStatements(body string) []string {
	var out []string
	for _, part := range strings.Split(body, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func loadMigrations(files fs.FS, vars Vars) ([]Migration, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migration files: %w", err)
	}

	byVersion := make(map[int64]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		matches := migrationNamePattern.FindStringSubmatch(name)
		if len(matches) != 4 {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version %q: %w", matches[1], err)
		}
		payload, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, fmt.Errorf("read migration file %q: %w", name, err)
		}
		body, err := render(name, string(payload), vars)
		if err != nil {
			return nil, err
		}

		item, ok := byVersion[version]
		if !ok {
			item = &Migration{Version: version, Name: matches[2]}
			byVersion[version] = item
		}
		if matches[3] == "up" {
			item.UpSQL = body
		} else {
			item.DownSQL = body
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, item := range byVersion {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("missing up migration for version %d", item.Version)
		}
		migrations = append(migrations, *item)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

package realtime

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// DB wraps a sql.DB holding dialplan rows.
type DB struct {
	*sql.DB
	driver string
}

// Row is one priority stored in the extensions table.
type Row struct {
	Context  string
	Exten    string
	Priority int
	App      string
	AppData  string
}

// Open connects to the database and runs pending migrations. For the
// sqlite driver dsn is a file path; pgx takes a PostgreSQL connection
// string.
func Open(driver, dsn string, logger *slog.Logger) (*DB, error) {
	var sqlDB *sql.DB
	var err error
	switch driver {
	case DriverSQLite:
		if !strings.HasPrefix(dsn, "file:") {
			dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dsn)
		}
		sqlDB, err = sql.Open(driver, dsn)
	case DriverPostgres:
		sqlDB, err = sql.Open(driver, dsn)
	default:
		return nil, fmt.Errorf("unsupported realtime driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if driver == DriverSQLite {
		// Single writer.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	db := &DB{DB: sqlDB, driver: driver}
	if err := db.migrate(logger); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("realtime database opened", "driver", driver)
	return db, nil
}

// rebind rewrites '?' placeholders to the $n form PostgreSQL expects.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (db *DB) migrate(logger *slog.Logger) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := db.QueryRow(db.rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec(db.rebind("INSERT INTO schema_migrations (version) VALUES (?)"), version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		logger.Info("applied migration", "version", version)
	}
	return nil
}

// Put inserts or replaces a row in table.
func (db *DB) Put(ctx context.Context, table string, r Row) error {
	if !validTable(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	if _, err := db.ExecContext(ctx, db.rebind(
		"DELETE FROM "+table+" WHERE context = ? AND exten = ? AND priority = ?"),
		r.Context, r.Exten, r.Priority); err != nil {
		return fmt.Errorf("replacing %s@%s,%d: %w", r.Exten, r.Context, r.Priority, err)
	}
	_, err := db.ExecContext(ctx, db.rebind(
		"INSERT INTO "+table+" (context, exten, priority, app, appdata) VALUES (?, ?, ?, ?, ?)"),
		r.Context, r.Exten, r.Priority, r.App, r.AppData)
	if err != nil {
		return fmt.Errorf("inserting %s@%s,%d: %w", r.Exten, r.Context, r.Priority, err)
	}
	return nil
}

// Delete removes every priority of exten in context.
func (db *DB) Delete(ctx context.Context, table, contextName, exten string) error {
	if !validTable(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	_, err := db.ExecContext(ctx, db.rebind("DELETE FROM "+table+" WHERE context = ? AND exten = ?"), contextName, exten)
	if err != nil {
		return fmt.Errorf("deleting %s@%s: %w", exten, contextName, err)
	}
	return nil
}

// candidates returns the rows at priority in context that could match
// exten: the literal row plus every '_' pattern row. When literalOnly is
// false all rows of the context are returned, since a literal row can be
// a longer completion of exten.
func (db *DB) candidates(ctx context.Context, table, contextName, exten string, priority int, literalOnly bool) ([]Row, error) {
	query := "SELECT context, exten, priority, app, appdata FROM " + table +
		" WHERE context = ? AND priority = ?"
	args := []any{contextName, priority}
	if literalOnly {
		query += " AND (exten = ? OR substr(exten, 1, 1) = '_')"
		args = append(args, exten)
	}
	query += " ORDER BY exten"

	rows, err := db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Context, &r.Exten, &r.Priority, &r.App, &r.AppData); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", table, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func validTable(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

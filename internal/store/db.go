package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Dialect captures the few places where SQL differs between backends.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// Rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

type Config struct {
	Driver Driver
	Path   string // sqlite file, ":memory:" for a private in-memory database
	URL    string // postgres connection string
}

// DB wraps sql.DB together with the dialect it speaks.
type DB struct {
	Client  *sql.DB
	Dialect Dialect
}

// Open connects, verifies the connection and applies migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	var (
		d   *DB
		err error
	)
	switch cfg.Driver {
	case "", DriverSQLite:
		d, err = openSQLite(cfg.Path)
	case DriverPostgres:
		d, err = openPostgres(cfg.URL)
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := d.Client.PingContext(pingCtx); err != nil {
		_ = d.Client.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if err := Migrate(ctx, d); err != nil {
		_ = d.Client.Close()
		return nil, err
	}
	return d, nil
}

// SQLiteBusyTimeout is how long one statement waits on another process's
// write lock before reporting SQLITE_BUSY.
const SQLiteBusyTimeout = 250 * time.Millisecond

func openSQLite(path string) (*DB, error) {
	if path == "" {
		path = "./data/attendance.db"
	}

	// Per-connection PRAGMAs: WAL so dashboards can read while a scan commits,
	// a short busy_timeout so longer lock waits fall to RetryPolicy, and
	// BEGIN IMMEDIATE so the read-decide-write sequence takes the write lock
	// up front instead of failing on upgrade.
	pragmas := fmt.Sprintf("_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_txlock=immediate",
		SQLiteBusyTimeout.Milliseconds())

	var dsn string
	if path == ":memory:" {
		// Shared cache keeps the database alive if database/sql recycles the connection.
		dsn = fmt.Sprintf("file:mem_%s?mode=memory&cache=shared&%s", uuid.NewString(), pragmas)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?%s", path, pragmas)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// SQLite has a single writer; one connection keeps this process from
	// contending with itself.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DB{Client: db, Dialect: SQLite}, nil
}

func openPostgres(connString string) (*DB, error) {
	if connString == "" {
		return nil, fmt.Errorf("postgres: empty connection string")
	}
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &DB{Client: db, Dialect: Postgres}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

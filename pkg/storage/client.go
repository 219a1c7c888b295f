// Package storage wraps database/sql for the two relational backends the
// visual database runs on: an embedded sqlite file (modernc.org/sqlite) and
// PostgreSQL (lib/pq). Queries are written with '?' placeholders and
// rebound for the active dialect.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/resilience"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect captures the DDL and placeholder differences between backends.
type Dialect struct {
	Name string
	// Blob is the column type for raw bytes.
	Blob string
	// AutoID is the column definition of an auto-incremented primary key.
	AutoID string
	// Numbered placeholders ($1, $2...) instead of '?'.
	Numbered bool
}

var (
	SQLite = Dialect{
		Name:   "sqlite",
		Blob:   "BLOB",
		AutoID: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	Postgres = Dialect{
		Name:     "postgres",
		Blob:     "BYTEA",
		AutoID:   "BIGSERIAL PRIMARY KEY",
		Numbered: true,
	}
)

type Client struct {
	DB      *sql.DB
	dialect Dialect
	path    string
}

// Open connects to the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, pg config.PostgresConfig) (*Client, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg.Path, true)
	case "postgres":
		return OpenPostgres(ctx, pg)
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "storage.Open", "unknown driver %q", cfg.Driver)
	}
}

// OpenExisting is Open for commands that serve an already built database:
// a missing sqlite file yields ErrNotFound instead of an empty database.
func OpenExisting(ctx context.Context, cfg config.DatabaseConfig, pg config.PostgresConfig) (*Client, error) {
	if cfg.Driver == "" || cfg.Driver == "sqlite" {
		return OpenSQLite(ctx, cfg.Path, false)
	}
	return Open(ctx, cfg, pg)
}

// OpenSQLite opens the sqlite file at path. When create is false a missing
// file is reported as ErrNotFound instead of being created.
func OpenSQLite(ctx context.Context, path string, create bool) (*Client, error) {
	if !create {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, apperrors.Newf(apperrors.ErrNotFound, "storage.OpenSQLite", "%s does not exist", path)
			}
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	// One connection keeps sqlite writers serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite database %s: %w", path, err)
	}
	return &Client{DB: db, dialect: SQLite, path: path}, nil
}

// OpenPostgres connects with the pool settings from cfg and retries the
// initial ping with backoff.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	err = resilience.Retry(ctx, "postgres-ping", resilience.RetryConfig{MaxAttempts: 3}, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Client{DB: db, dialect: Postgres, path: cfg.Database}, nil
}

func (c *Client) Dialect() Dialect {
	return c.dialect
}

// Path is the sqlite file or the postgres database name.
func (c *Client) Path() string {
	return c.path
}

func (c *Client) Close() error {
	return c.DB.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// Rebind rewrites '?' placeholders into the dialect's form.
func (c *Client) Rebind(query string) string {
	if !c.dialect.Numbered {
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

func (c *Client) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.DB.ExecContext(ctx, c.Rebind(query), args...)
}

func (c *Client) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.DB.QueryContext(ctx, c.Rebind(query), args...)
}

func (c *Client) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.DB.QueryRowContext(ctx, c.Rebind(query), args...)
}

// ExecScript runs semicolon separated statements one by one; lib/pq and
// sqlite disagree on multi-statement Exec.
func (c *Client) ExecScript(ctx context.Context, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// Tx binds a transaction to the client's dialect.
type Tx struct {
	*sql.Tx
	c *Client
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.Tx.ExecContext(ctx, t.c.Rebind(query), args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.Tx.QueryRowContext(ctx, t.c.Rebind(query), args...)
}

func (t *Tx) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	return t.Tx.PrepareContext(ctx, t.c.Rebind(query))
}

// HasRows reports whether table exists and holds at least one row.
func (t *Tx) HasRows(ctx context.Context, table string) (bool, error) {
	var exists bool
	var err error
	if t.c.dialect.Name == Postgres.Name {
		err = t.QueryRow(ctx, "SELECT to_regclass(CAST(? AS TEXT)) IS NOT NULL", table).Scan(&exists)
	} else {
		err = t.QueryRow(ctx, "SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&exists)
	}
	if err != nil || !exists {
		return false, err
	}
	var found bool
	if err := t.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+")").Scan(&found); err != nil {
		return false, fmt.Errorf("checking %s: %w", table, err)
	}
	return found, nil
}

func (c *Client) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&Tx{Tx: sqlTx, c: c}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

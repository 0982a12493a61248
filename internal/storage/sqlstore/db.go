// Package sqlstore implements the transaction store and the idempotency ledger on
// database/sql, for SQLite (mattn/go-sqlite3) and PostgreSQL (jackc/pgx).
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type dialect struct {
	driver string
	schema string
}

var dialects = map[string]dialect{
	DriverSQLite:   {driver: DriverSQLite, schema: "schema/sqlite.sql"},
	DriverPostgres: {driver: DriverPostgres, schema: "schema/postgres.sql"},
}

// rebind rewrites ? placeholders to the dialect's form
func (d dialect) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation reports whether err is a primary key or unique constraint failure
func (d dialect) isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// DB is an open, migrated database
type DB struct {
	db      *sql.DB
	dialect dialect
}

// Open connects with driver ("sqlite3" or "pgx"), verifies the connection and
// applies the embedded schema.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if driver == DriverSQLite && strings.Contains(dsn, ":memory:") {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &DB{db: db, dialect: d}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", driver, err)
	}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Migrate creates tables and indexes that do not exist yet
func (s *DB) Migrate(ctx context.Context) error {
	schema, err := schemaFS.ReadFile(s.dialect.schema)
	if err != nil {
		return fmt.Errorf("sqlstore: read schema: %w", err)
	}

	for _, stmt := range strings.Split(string(schema), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

// PingContext verifies the database is reachable
func (s *DB) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the driver name
func (s *DB) Driver() string {
	return s.dialect.driver
}

func (s *DB) Close() error {
	return s.db.Close()
}

// Transactions returns the transaction store backed by s
func (s *DB) Transactions() *TransactionStore {
	return &TransactionStore{db: s.db, dialect: s.dialect}
}

// Ledger returns the idempotency ledger backed by s
func (s *DB) Ledger() *Ledger {
	return &Ledger{db: s.db, dialect: s.dialect}
}

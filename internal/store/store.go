// Package store owns durable CI state over a relational database. All
// status transitions and child-row appends run inside transactions; the
// store is the sole owner of identifier allocation and transition
// timestamps.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store wraps the shared connection pool. Safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database selected by databaseURL and initializes the
// schema. postgres:// and postgresql:// URLs use the pgx driver; anything
// else is treated as a SQLite path (optionally prefixed "sqlite:",
// ":memory:" for an in-memory database).
func Open(databaseURL string) (*Store, error) {
	driverName, dsn, d := resolveDriver(databaseURL)

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if d == dialectSQLite {
		// SQLite has a single writer; one pooled connection also keeps
		// :memory: databases visible across calls.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	s := &Store{db: db, dialect: d}
	if err := s.init(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func resolveDriver(databaseURL string) (driverName, dsn string, d dialect) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "pgx", databaseURL, dialectPostgres
	default:
		return "sqlite", sqliteDSN(strings.TrimPrefix(databaseURL, "sqlite:")), dialectSQLite
	}
}

// sqliteDSN appends the connection options the store relies on: a fixed
// time encoding so timestamp comparisons are stable, and foreign key
// enforcement matching the Postgres schema.
func sqliteDSN(path string) string {
	const opts = "_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == "" || path == ":memory:" {
		return "file::memory:?" + opts
	}
	if strings.Contains(path, "?") {
		return path + "&" + opts
	}
	return path + "?" + opts
}

func (s *Store) init() error {
	_, err := s.db.Exec(s.schema())
	return err
}

// rebind converts ?-style placeholders to the $N form Postgres expects.
// Queries are written with ? throughout; SQLite takes them as-is.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// now returns the single timestamp source for all transition stamps.
func now() time.Time {
	return time.Now().UTC()
}

// nullIfEmpty maps empty strings to NULL for nullable text columns.
func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenInMemory(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(t.Context()))
	require.Equal(t, dialectSQLite, s.dialect)
}

func TestSchemaIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	// Open already ran the DDL once; a second pass must be a no-op.
	require.NoError(t, s.init())
}

func TestResolveDriver(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		driver  string
		dialect dialect
	}{
		{"postgres url", "postgres://user:pw@localhost:5433/erp", "pgx", dialectPostgres},
		{"postgresql url", "postgresql://user:pw@localhost/db", "pgx", dialectPostgres},
		{"sqlite prefix", "sqlite:/var/lib/ci.db", "sqlite", dialectSQLite},
		{"bare path", "ci.db", "sqlite", dialectSQLite},
		{"memory", ":memory:", "sqlite", dialectSQLite},
		{"empty", "", "sqlite", dialectSQLite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, _, d := resolveDriver(tt.url)
			require.Equal(t, tt.driver, driver)
			require.Equal(t, tt.dialect, d)
		})
	}
}

func TestSQLiteDSNOptions(t *testing.T) {
	require.Contains(t, sqliteDSN(""), "file::memory:?")
	require.Contains(t, sqliteDSN(":memory:"), "file::memory:?")
	require.Contains(t, sqliteDSN("ci.db"), "ci.db?")
	require.Contains(t, sqliteDSN("ci.db"), "_pragma=foreign_keys(1)")
	// An existing query string is extended, not duplicated.
	require.Contains(t, sqliteDSN("ci.db?mode=ro"), "ci.db?mode=ro&")
}

func TestRebind(t *testing.T) {
	sqlite := &Store{dialect: dialectSQLite}
	pg := &Store{dialect: dialectPostgres}

	q := `SELECT id FROM ci_builds WHERE status = ? AND branch = ? LIMIT ?`
	require.Equal(t, q, sqlite.rebind(q))
	require.Equal(t,
		`SELECT id FROM ci_builds WHERE status = $1 AND branch = $2 LIMIT $3`,
		pg.rebind(q))
}

func TestNullIfEmpty(t *testing.T) {
	require.Nil(t, nullIfEmpty(""))
	require.Equal(t, "x", nullIfEmpty("x"))
}

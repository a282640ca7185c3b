// Package testutils contains some common utilities used exclusively
// by the test suite.
package testutils

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezhangle/wcdb/pkg/dbconn"
)

// CreateUniqueTestDatabase returns a unique database file path under the
// test's temp dir. The file is not created here; SQLite creates it when
// the path is first opened. It is removed with the temp dir when the
// test finishes.
func CreateUniqueTestDatabase(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "t_"+uuid.New().String()+".db")
}

// OpenTestDB opens a database at path and registers cleanup.
func OpenTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := dbconn.New(path, dbconn.NewDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})
	return db
}

// RunSQL runs a statement against db and fails the test on error.
func RunSQL(t *testing.T, db *sql.DB, stmt string, args ...any) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), stmt, args...)
	require.NoError(t, err)
}

// SeedSourceDatabase creates a database file containing one table with
// the given name, columns (id INTEGER PRIMARY KEY, val TEXT), and n rows
// with ids 1..n. Returns the path.
func SeedSourceDatabase(t *testing.T, tableName string, n int) string {
	t.Helper()
	path := CreateUniqueTestDatabase(t)
	db := OpenTestDB(t, path)
	RunSQL(t, db, "CREATE TABLE "+dbconn.QuoteIdentifier(tableName)+" (id INTEGER PRIMARY KEY, val TEXT)")
	for i := 1; i <= n; i++ {
		RunSQL(t, db, "INSERT INTO "+dbconn.QuoteIdentifier(tableName)+" (id, val) VALUES (?, ?)",
			i, uuid.New().String())
	}
	return path
}

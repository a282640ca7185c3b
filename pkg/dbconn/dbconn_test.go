package dbconn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) (*Handle, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := New(path, NewDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})
	h, err := NewHandle(context.Background(), db, path)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, h.Close())
	})
	return h, path
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"t1"`, QuoteIdentifier("t1"))
	assert.Equal(t, `"weird""name"`, QuoteIdentifier(`weird"name`))
	assert.Equal(t, `"main"."t1"`, QuoteSchemaTable("main", "t1"))
}

func TestMissingColumn(t *testing.T) {
	col, ok := MissingColumn(errors.New("no such column: note"))
	assert.True(t, ok)
	assert.Equal(t, "note", col)

	col, ok = MissingColumn(errors.New(`table cache_item has no column named extra`))
	assert.True(t, ok)
	assert.Equal(t, "extra", col)

	_, ok = MissingColumn(errors.New("no such table: t1"))
	assert.False(t, ok)

	_, ok = MissingColumn(nil)
	assert.False(t, ok)
}

func TestCanRetryError(t *testing.T) {
	assert.False(t, canRetryError(nil))
	assert.False(t, canRetryError(errors.New("not an engine error")))
}

func TestExec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.db")
	db, err := New(path, NewDBConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	assert.NoError(t, Exec(ctx, db, "CREATE TABLE t1 (a INT)"))
	assert.NoError(t, Exec(ctx, db, "INSERT INTO t1 VALUES (?)", 1))
	assert.Error(t, Exec(ctx, db, "INSERT INTO nonexistent VALUES (1)"))
}

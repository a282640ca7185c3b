package migration

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezhangle/wcdb/pkg/testutils"
)

func newTestMigratingHandle(t *testing.T, db *sql.DB, path string, m *Migration) *MigratingHandle {
	t.Helper()
	h, err := NewMigratingHandle(context.Background(), db, path, m)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, h.Close())
	})
	return h
}

func unionedViews(t *testing.T, h *MigratingHandle) []string {
	t.Helper()
	views, err := h.GetValues(context.Background(), StatementForSelectingUnionedView(), 0)
	require.NoError(t, err)
	return views
}

func TestMigratingHandleBinding(t *testing.T) {
	ctx := context.Background()
	mainPath := testutils.CreateUniqueTestDatabase(t)
	db := testutils.OpenTestDB(t, mainPath)
	testutils.RunSQL(t, db, "CREATE TABLE cache_item (id INTEGER PRIMARY KEY, val TEXT, extra TEXT)")
	testutils.RunSQL(t, db, "INSERT INTO cache_item (id, val, extra) VALUES (4, 'd4', ''), (5, 'd5', '')")
	testutils.RunSQL(t, db, "CREATE TABLE normal (id INTEGER PRIMARY KEY)")
	srcPath := testutils.SeedSourceDatabase(t, "cache_item", 3)

	m := NewMigration()
	user := NewMigrationUserInfo("cache_item")
	user.SetSource("cache_item", srcPath)
	m.AddUserInfo(user)

	mh := newTestMigratingHandle(t, db, mainPath, m)

	info, err := mh.GetBindingInfo(ctx, "cache_item")
	require.NoError(t, err)
	require.NotNil(t, info)
	// the view projects only columns both sides have
	assert.Equal(t, []string{"id", "val"}, info.Columns())
	assert.Equal(t, []string{"wcdb_union_cache_item"}, unionedViews(t, mh))

	// reads through the view see rows from both sides
	vals, err := mh.GetValues(ctx, `SELECT val FROM "wcdb_union_cache_item" ORDER BY rowid`, 0)
	require.NoError(t, err)
	assert.Len(t, vals, 5)

	// a normal table binds to nothing, twice (second hit is cached)
	for i := 0; i < 2; i++ {
		normalInfo, err := mh.GetBindingInfo(ctx, "normal")
		require.NoError(t, err)
		assert.Nil(t, normalInfo)
	}

	columns, err := mh.GetColumns(ctx, MainSchema, "cache_item")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "val"}, columns)

	columns, err = mh.GetColumns(ctx, MainSchema, "normal")
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, columns)

	ok, err := mh.CheckSourceTable(ctx, "cache_item", "cache_item")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = mh.CheckSourceTable(ctx, "cache_item", "something_else")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = mh.CheckSourceTable(ctx, "normal", "normal_old")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMigratingHandleAddColumn(t *testing.T) {
	ctx := context.Background()
	mainPath := testutils.CreateUniqueTestDatabase(t)
	db := testutils.OpenTestDB(t, mainPath)
	testutils.RunSQL(t, db, "CREATE TABLE cache_item (id INTEGER PRIMARY KEY, val TEXT)")
	srcPath := testutils.SeedSourceDatabase(t, "cache_item", 2)

	m := NewMigration()
	user := NewMigrationUserInfo("cache_item")
	user.SetSource("cache_item", srcPath)
	m.AddUserInfo(user)

	mh := newTestMigratingHandle(t, db, mainPath, m)
	info, err := mh.GetBindingInfo(ctx, "cache_item")
	require.NoError(t, err)
	require.NotNil(t, info)

	require.NoError(t, mh.AddColumn(ctx, MainSchema, "cache_item", `"note" TEXT DEFAULT ''`))

	// destination and source both carry the new column
	destColumns, err := mh.Handle.GetColumns(ctx, MainSchema, "cache_item")
	require.NoError(t, err)
	assert.Contains(t, destColumns, "note")
	sourceColumns, err := mh.Handle.GetColumns(ctx, info.SchemaForSourceDatabase(), "cache_item")
	require.NoError(t, err)
	assert.Contains(t, sourceColumns, "note")

	columns, err := mh.GetColumns(ctx, MainSchema, "cache_item")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "val", "note"}, columns)

	// The pre-built view still projects (id, val): preparing against the
	// wider column set widens the view and retries.
	stmt, err := mh.PrepareStatement(ctx, `SELECT note FROM "wcdb_union_cache_item"`)
	require.NoError(t, err)
	assert.True(t, stmt.IsPrepared())
	mh.ReturnStatement(stmt)

	// an unknown column still fails after the retry
	_, err = mh.PrepareStatement(ctx, `SELECT never_there FROM "wcdb_union_cache_item"`)
	assert.Error(t, err)
}

func TestMigratingHandleRollbackRebind(t *testing.T) {
	ctx := context.Background()
	mainPath := testutils.CreateUniqueTestDatabase(t)
	db := testutils.OpenTestDB(t, mainPath)
	testutils.RunSQL(t, db, "CREATE TABLE events (id INTEGER PRIMARY KEY, val TEXT)")
	testutils.RunSQL(t, db, "CREATE TABLE events_old (id INTEGER PRIMARY KEY, val TEXT)")
	testutils.RunSQL(t, db, "INSERT INTO events_old (id, val) VALUES (1, 'a'), (2, 'b')")

	m := NewMigration()
	user := NewMigrationUserInfo("events")
	user.SetSource("events_old", "")
	m.AddUserInfo(user)

	mh := newTestMigratingHandle(t, db, mainPath, m)

	// view creation inside an application transaction
	generation := m.Generation()
	require.NoError(t, mh.Begin(ctx))
	info, err := mh.GetBindingInfo(ctx, "events")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.False(t, info.IsCrossDatabase())
	assert.True(t, mh.createdNewViewInTransaction)
	assert.Equal(t, []string{"wcdb_union_events"}, unionedViews(t, mh))

	// the rolled-back creation is gone; the registry is told to rebind
	mh.RollbackTransaction(ctx)
	assert.False(t, mh.createdNewViewInTransaction)
	assert.Equal(t, generation+1, m.Generation())
	assert.Empty(t, unionedViews(t, mh))

	// the next binding runs a fresh cycle and recreates the view
	info, err = mh.GetBindingInfo(ctx, "events")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, []string{"wcdb_union_events"}, unionedViews(t, mh))

	// commit clears the flag and keeps the view
	require.NoError(t, mh.Exec(ctx, StatementForDroppingUnionedView(info.UnionedView())))
	m.SetNeedRebind()
	require.NoError(t, mh.Begin(ctx))
	_, err = mh.GetBindingInfo(ctx, "events")
	require.NoError(t, err)
	assert.True(t, mh.createdNewViewInTransaction)
	require.NoError(t, mh.CommitTransaction(ctx))
	assert.False(t, mh.createdNewViewInTransaction)
	assert.Equal(t, []string{"wcdb_union_events"}, unionedViews(t, mh))
}

func TestMigratingHandleBindInfos(t *testing.T) {
	ctx := context.Background()
	mainPath := testutils.CreateUniqueTestDatabase(t)
	db := testutils.OpenTestDB(t, mainPath)
	testutils.RunSQL(t, db, "CREATE TABLE t1 (id INTEGER PRIMARY KEY, val TEXT)")
	srcPath := testutils.SeedSourceDatabase(t, "t1", 2)

	m := NewMigration()
	user := NewMigrationUserInfo("t1")
	user.SetSource("t1", srcPath)
	m.AddUserInfo(user)

	mh := newTestMigratingHandle(t, db, mainPath, m)
	info, err := mh.GetBindingInfo(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, info)
	schema := info.SchemaForSourceDatabase()

	// a stray view matching the reserved prefix is reconciled away
	require.NoError(t, mh.Exec(ctx, `CREATE TEMP VIEW "wcdb_union_stale" AS SELECT 1 AS rowid`))
	migratings := map[string]*MigrationInfo{"t1": info}
	require.NoError(t, mh.BindInfos(ctx, migratings))
	assert.Equal(t, []string{"wcdb_union_t1"}, unionedViews(t, mh))

	// rebinding the same set again is a no-op
	require.NoError(t, mh.BindInfos(ctx, migratings))
	assert.Equal(t, []string{"wcdb_union_t1"}, unionedViews(t, mh))
	schemas, err := mh.AttachedSchemas(ctx)
	require.NoError(t, err)
	assert.Contains(t, schemas, schema)

	// an empty migrating set prunes the view and detaches the schema
	require.NoError(t, mh.BindInfos(ctx, map[string]*MigrationInfo{}))
	assert.Empty(t, unionedViews(t, mh))
	schemas, err = mh.AttachedSchemas(ctx)
	require.NoError(t, err)
	assert.NotContains(t, schemas, schema)
}

func TestMigratingHandleStatements(t *testing.T) {
	ctx := context.Background()
	mainPath := testutils.CreateUniqueTestDatabase(t)
	db := testutils.OpenTestDB(t, mainPath)

	mh := newTestMigratingHandle(t, db, mainPath, NewMigration())

	s1 := mh.GetStatement()
	s2 := mh.GetStatement()
	assert.Len(t, mh.stmts, 2)
	assert.True(t, s1.AutoAddColumn())

	require.NoError(t, s2.Prepare(ctx, "SELECT 1"))
	mh.ResetAllStatements()

	mh.ReturnStatement(s1)
	assert.Len(t, mh.stmts, 1)

	mh.FinalizeStatements()
	assert.False(t, s2.IsPrepared())
	assert.Len(t, mh.stmts, 1)
}

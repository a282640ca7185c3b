package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserInfoResolve(t *testing.T) {
	user := NewMigrationUserInfo("cache_item")
	user.SetSource("cache_item", "/data/legacy.db")
	assert.True(t, user.ShouldMigrate())

	user.Resolve("/data/main.db")
	assert.True(t, user.IsCrossDatabase())
	schema := user.SchemaForSourceDatabase()
	assert.Equal(t, SchemaPrefix+pathSuffix("/data/legacy.db"), schema)
	// stable across calls
	user.Resolve("/data/main.db")
	assert.Equal(t, schema, user.SchemaForSourceDatabase())

	// a source in the main file needs no attach
	user.SetSource("cache_item_old", "/data/main.db")
	user.Resolve("/data/main.db")
	assert.False(t, user.IsCrossDatabase())
	assert.Equal(t, MainSchema, user.SchemaForSourceDatabase())
}

func TestUserInfoShouldMigrate(t *testing.T) {
	user := NewMigrationUserInfo("t1")
	assert.False(t, user.ShouldMigrate())

	// same table, same database: nothing to do
	user.SetSource("t1", "")
	assert.False(t, user.ShouldMigrate())

	user.SetSource("t1", "/data/other.db")
	assert.True(t, user.ShouldMigrate())

	user.SetSource("t1_old", "")
	assert.True(t, user.ShouldMigrate())
}

func TestUserInfoCipher(t *testing.T) {
	user := NewMigrationUserInfo("t1")
	user.SetSource("t1", "/data/other.db")
	user.SetSourceCipher([]byte{0x2a, 0x9f})
	user.Resolve("/data/main.db")

	assert.Contains(t, user.StatementForSettingCipher(), `x'2a9f'`)
	assert.Contains(t, user.StatementForSettingCipher(), user.SchemaForSourceDatabase())

	user.SetNeedRawSourceCipher(true)
	assert.True(t, user.NeedRawSourceCipher())
	user.setRawSourceCipher([]byte{0x01})
	assert.False(t, user.NeedRawSourceCipher())
	assert.Equal(t, []byte{0x01}, user.RawSourceCipher())
}

func TestMigrationInfoStatements(t *testing.T) {
	user := NewMigrationUserInfo("cache_item")
	user.SetSource("cache_item", "/data/legacy.db")
	user.Resolve("/data/main.db")
	info := NewMigrationInfo(user, []string{"id", "val"})

	assert.Equal(t, "wcdb_union_cache_item", info.UnionedView())
	assert.Equal(t, []string{"id", "val"}, info.Columns())

	schema := user.SchemaForSourceDatabase()
	attach := user.StatementForAttachingSchema()
	assert.Equal(t, `ATTACH DATABASE ? AS "`+schema+`"`, attach)
	assert.Equal(t, `DETACH DATABASE "`+schema+`"`, info.StatementForDetachingSchema())

	migrate := info.StatementForMigratingOneRow()
	assert.Contains(t, migrate, `INSERT OR REPLACE INTO "main"."cache_item"`)
	assert.Contains(t, migrate, "ORDER BY rowid DESC LIMIT 1")

	remove := info.StatementForDeletingMigratedOneRow()
	assert.Contains(t, remove, "MAX(rowid)")
	assert.Contains(t, remove, `"`+schema+`"."cache_item"`)

	view := info.StatementForCreatingUnionedView()
	assert.Contains(t, view, `CREATE TEMP VIEW IF NOT EXISTS "wcdb_union_cache_item"`)
	assert.Contains(t, view, "UNION")
	assert.Contains(t, view, `"id", "val"`)

	widened := info.StatementForCreatingUnionedViewWith([]string{"id", "val", "note"})
	assert.Contains(t, widened, `"note"`)
	// the pre-built statement is untouched
	assert.NotContains(t, info.StatementForCreatingUnionedView(), `"note"`)

	assert.Equal(t,
		`DROP TABLE IF EXISTS "`+schema+`"."cache_item"`,
		info.StatementForDroppingSourceTable())

	assert.Equal(t,
		`DROP VIEW IF EXISTS "temp"."wcdb_union_cache_item"`,
		StatementForDroppingUnionedView("wcdb_union_cache_item"))
	assert.Contains(t, StatementForSelectingUnionedView(), UnionedViewPrefix)
	require.Equal(t, "PRAGMA database_list", StatementForSelectingDatabaseList())
}

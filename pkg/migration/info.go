// Package migration contains the logic for migrating rows between
// tables online: a migrating handle that fuses source and destination
// behind a unioned view, and a migrate handle that moves rows in the
// background under an adaptive time budget.
package migration

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/ezhangle/wcdb/pkg/dbconn"
)

const (
	// SchemaPrefix is reserved for schemas attached by the migration
	// core. User tables matching ReservedTablePrefix are hidden from
	// GetAllTables.
	SchemaPrefix        = "wcdb_migration_"
	UnionedViewPrefix   = "wcdb_union_"
	ReservedTablePrefix = "wcdb_"

	// MainSchema is the schema of the destination database.
	MainSchema = "main"
	// TempSchema hosts the unioned views; they are ephemeral per connection.
	TempSchema = "temp"
)

// MigrationUserInfo describes one table the user wants migrated: the
// destination table in the main database and the source it is fed from,
// possibly in another (possibly encrypted) database file.
type MigrationUserInfo struct {
	table        string
	sourceTable  string
	sourcePath   string
	sourceCipher []byte

	needRawCipher bool
	rawCipher     []byte

	// resolved against the main database path at bind time
	sourceSchema  string
	crossDatabase bool
	resolved      bool
}

func NewMigrationUserInfo(table string) *MigrationUserInfo {
	return &MigrationUserInfo{table: table}
}

func (i *MigrationUserInfo) Table() string {
	return i.table
}

func (i *MigrationUserInfo) SourceTable() string {
	return i.sourceTable
}

func (i *MigrationUserInfo) SourcePath() string {
	return i.sourcePath
}

// SetSource configures where rows come from. An empty path means the
// source table lives in the main database.
func (i *MigrationUserInfo) SetSource(sourceTable, sourcePath string) {
	i.sourceTable = sourceTable
	i.sourcePath = sourcePath
	i.resolved = false
}

func (i *MigrationUserInfo) SourceCipher() []byte {
	return i.sourceCipher
}

// SetSourceCipher sets the key used to attach an encrypted source file.
func (i *MigrationUserInfo) SetSourceCipher(cipher []byte) {
	i.sourceCipher = cipher
}

// SetNeedRawSourceCipher requests that the post-KDF key of the source
// file be read back from the engine after a successful attach.
func (i *MigrationUserInfo) SetNeedRawSourceCipher(need bool) {
	i.needRawCipher = need
}

func (i *MigrationUserInfo) NeedRawSourceCipher() bool {
	return i.needRawCipher
}

func (i *MigrationUserInfo) setRawSourceCipher(raw []byte) {
	i.rawCipher = raw
	i.needRawCipher = false
}

func (i *MigrationUserInfo) RawSourceCipher() []byte {
	return i.rawCipher
}

// ShouldMigrate reports whether the record actually names a migration.
func (i *MigrationUserInfo) ShouldMigrate() bool {
	return i.table != "" && i.sourceTable != "" &&
		(i.sourceTable != i.table || i.sourcePath != "")
}

// Resolve fixes the source schema relative to the main database path.
// A source in the main file uses the main schema; any other file gets a
// synthetic schema name derived from its path.
func (i *MigrationUserInfo) Resolve(mainPath string) {
	if i.sourcePath == "" || i.sourcePath == mainPath {
		i.sourceSchema = MainSchema
		i.crossDatabase = false
	} else {
		i.sourceSchema = SchemaPrefix + pathSuffix(i.sourcePath)
		i.crossDatabase = true
	}
	i.resolved = true
}

// SchemaForSourceDatabase returns the schema the source table is
// reachable under. Resolve must have been called.
func (i *MigrationUserInfo) SchemaForSourceDatabase() string {
	if !i.resolved {
		return MainSchema
	}
	return i.sourceSchema
}

// IsCrossDatabase reports whether the source lives in a different file
// than the main database.
func (i *MigrationUserInfo) IsCrossDatabase() bool {
	return i.crossDatabase
}

// StatementForAttachingSchema attaches the source file under the
// synthetic schema. The file path is bound as parameter 1.
func (i *MigrationUserInfo) StatementForAttachingSchema() string {
	return "ATTACH DATABASE ? AS " + dbconn.QuoteIdentifier(i.sourceSchema)
}

// StatementForSettingCipher applies the source cipher to the attached
// schema. Builds without an encryption extension ignore the pragma.
func (i *MigrationUserInfo) StatementForSettingCipher() string {
	return fmt.Sprintf("PRAGMA %s.key = \"x'%x'\"",
		dbconn.QuoteIdentifier(i.sourceSchema), i.sourceCipher)
}

// pathSuffix derives a stable schema suffix from a database file path.
func pathSuffix(path string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return fmt.Sprintf("%08x", h.Sum32())
}

// MigrationInfo is the immutable descriptor of one (source, destination)
// pair, with every statement the two handles need pre-built. It is owned
// by the registry; handles hold non-owning references.
type MigrationInfo struct {
	user    *MigrationUserInfo
	columns []string

	unionedView             string
	detachSQL               string
	createUnionedViewSQL    string
	migrateOneRowSQL        string
	deleteMigratedOneRowSQL string
	dropSourceTableSQL      string
}

// NewMigrationInfo builds the descriptor. columns is the projection the
// unioned view exposes: the intersection of destination and source
// columns at bind time.
func NewMigrationInfo(user *MigrationUserInfo, columns []string) *MigrationInfo {
	schema := user.SchemaForSourceDatabase()
	info := &MigrationInfo{
		user:        user,
		columns:     columns,
		unionedView: UnionedViewPrefix + user.Table(),
		detachSQL:   "DETACH DATABASE " + dbconn.QuoteIdentifier(schema),
	}
	dest := dbconn.QuoteSchemaTable(MainSchema, user.Table())
	source := dbconn.QuoteSchemaTable(schema, user.SourceTable())
	projection := columnProjection(columns)

	info.createUnionedViewSQL = info.statementForCreatingUnionedView(columns)
	// Rows are moved highest-rowid first; the delete pairs with the copy
	// by targeting the source's maximum rowid inside the same transaction.
	info.migrateOneRowSQL = fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) SELECT %s FROM %s ORDER BY rowid DESC LIMIT 1",
		dest, projection, projection, source)
	info.deleteMigratedOneRowSQL = fmt.Sprintf(
		"DELETE FROM %s WHERE rowid = (SELECT MAX(rowid) FROM %s)", source, source)
	info.dropSourceTableSQL = "DROP TABLE IF EXISTS " + source
	return info
}

func (i *MigrationInfo) Table() string {
	return i.user.Table()
}

func (i *MigrationInfo) SourceTable() string {
	return i.user.SourceTable()
}

func (i *MigrationInfo) SchemaForSourceDatabase() string {
	return i.user.SchemaForSourceDatabase()
}

func (i *MigrationInfo) IsCrossDatabase() bool {
	return i.user.IsCrossDatabase()
}

func (i *MigrationInfo) UserInfo() *MigrationUserInfo {
	return i.user
}

// Columns returns the unioned view's projection.
func (i *MigrationInfo) Columns() []string {
	return i.columns
}

// UnionedView is the temp-schema view fusing destination and source.
func (i *MigrationInfo) UnionedView() string {
	return i.unionedView
}

func (i *MigrationInfo) StatementForDetachingSchema() string {
	return i.detachSQL
}

func (i *MigrationInfo) StatementForCreatingUnionedView() string {
	return i.createUnionedViewSQL
}

// StatementForCreatingUnionedViewWith rebuilds the view statement with a
// different projection, used when the view is widened after a column
// addition.
func (i *MigrationInfo) StatementForCreatingUnionedViewWith(columns []string) string {
	return i.statementForCreatingUnionedView(columns)
}

func (i *MigrationInfo) statementForCreatingUnionedView(columns []string) string {
	dest := dbconn.QuoteSchemaTable(MainSchema, i.user.Table())
	source := dbconn.QuoteSchemaTable(i.user.SchemaForSourceDatabase(), i.user.SourceTable())
	projection := columnProjection(columns)
	return fmt.Sprintf(
		"CREATE TEMP VIEW IF NOT EXISTS %s AS SELECT rowid AS rowid, %s FROM %s UNION SELECT rowid, %s FROM %s ORDER BY rowid",
		dbconn.QuoteIdentifier(i.unionedView), projection, dest, projection, source)
}

func (i *MigrationInfo) StatementForMigratingOneRow() string {
	return i.migrateOneRowSQL
}

func (i *MigrationInfo) StatementForDeletingMigratedOneRow() string {
	return i.deleteMigratedOneRowSQL
}

func (i *MigrationInfo) StatementForDroppingSourceTable() string {
	return i.dropSourceTableSQL
}

// StatementForDroppingUnionedView drops a unioned view by name.
func StatementForDroppingUnionedView(view string) string {
	return "DROP VIEW IF EXISTS " + dbconn.QuoteSchemaTable(TempSchema, view)
}

// StatementForSelectingDatabaseList lists attached schemas; the schema
// name is result column 1.
func StatementForSelectingDatabaseList() string {
	return "PRAGMA database_list"
}

// StatementForSelectingUnionedView lists existing unioned views in the
// temp schema; the view name is result column 0.
func StatementForSelectingUnionedView() string {
	return fmt.Sprintf(
		"SELECT name FROM temp.sqlite_master WHERE type = 'view' AND name LIKE '%s%%'",
		UnionedViewPrefix)
}

func columnProjection(columns []string) string {
	quoted := make([]string, 0, len(columns))
	for _, col := range columns {
		quoted = append(quoted, dbconn.QuoteIdentifier(col))
	}
	return strings.Join(quoted, ", ")
}

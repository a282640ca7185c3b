package migration

import (
	"context"
	"database/sql"
	"strings"

	"github.com/ezhangle/wcdb/pkg/dbconn"
	"github.com/ezhangle/wcdb/pkg/utils"
)

// MigratingHandle is the application-facing handle. Statements prepared
// through it see the destination table as if it already contained every
// source row: reads are served by a temp-schema unioned view, metadata
// queries are filtered to the column intersection, and column additions
// are applied to both sides.
type MigratingHandle struct {
	*dbconn.Handle

	migration *Migration

	boundInfos map[string]*MigrationInfo
	generation uint64

	createdNewViewInTransaction bool

	stmts []*dbconn.Stmt
}

func NewMigratingHandle(ctx context.Context, db *sql.DB, path string, m *Migration) (*MigratingHandle, error) {
	h, err := dbconn.NewHandle(ctx, db, path)
	if err != nil {
		return nil, err
	}
	return &MigratingHandle{
		Handle:     h,
		migration:  m,
		boundInfos: make(map[string]*MigrationInfo),
		generation: m.Generation(),
	}, nil
}

func (h *MigratingHandle) Close() error {
	h.FinalizeStatements()
	return h.Handle.Close()
}

// getBoundInfo consults the binding cache. A hit may carry a nil info,
// meaning the table is known not to be under migration.
func (h *MigratingHandle) getBoundInfo(tableName string) (*MigrationInfo, bool) {
	if gen := h.migration.Generation(); gen != h.generation {
		h.boundInfos = make(map[string]*MigrationInfo)
		h.generation = gen
		return nil, false
	}
	info, ok := h.boundInfos[tableName]
	return info, ok
}

// GetBindingInfo returns the MigrationInfo for a table under migration,
// or nil for a normal table. Cache misses run a full binding cycle on
// the registry, committing new view/schema state when the table turned
// out to be migrating.
func (h *MigratingHandle) GetBindingInfo(ctx context.Context, tableName string) (*MigrationInfo, error) {
	if info, ok := h.getBoundInfo(tableName); ok {
		return info, nil
	}

	h.migration.StartBinding()
	info, err := h.migration.BindTable(ctx, h, tableName)
	needBinding := err == nil && info != nil
	stopErr := h.migration.StopBinding(ctx, h, needBinding)
	if err != nil {
		return nil, err
	}
	if needBinding && stopErr != nil {
		return nil, stopErr
	}

	h.boundInfos[tableName] = info
	return info, nil
}

// GetColumns returns the columns of a main-schema table restricted to
// those the source table also has, so callers never see a column that
// exists on only one side of the unioned view. Non-main schemas pass
// through unchanged.
func (h *MigratingHandle) GetColumns(ctx context.Context, schema, tableName string) ([]string, error) {
	columns, err := h.Handle.GetColumns(ctx, schema, tableName)
	if err != nil {
		return nil, err
	}
	if schema != MainSchema {
		return columns, nil
	}
	info, err := h.GetBindingInfo(ctx, tableName)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return columns, nil
	}
	sourceColumns, err := h.Handle.GetColumns(ctx, info.SchemaForSourceDatabase(), info.SourceTable())
	if err != nil {
		return nil, err
	}
	return utils.IntersectStrings(columns, sourceColumns), nil
}

// AddColumn adds a column to the table and, when the table is under
// migration, to its source as well. The destination goes first; a
// source that lags is hidden by the intersection discipline in
// GetColumns until the second alter lands.
func (h *MigratingHandle) AddColumn(ctx context.Context, schema, tableName, columnDef string) error {
	if err := h.Handle.AddColumn(ctx, schema, tableName, columnDef); err != nil {
		return err
	}
	if schema != MainSchema {
		return nil
	}
	info, err := h.GetBindingInfo(ctx, tableName)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	return h.Handle.AddColumn(ctx, info.SchemaForSourceDatabase(), info.SourceTable(), columnDef)
}

// RebindUnionView drops and recreates the table's unioned view with a
// new column projection. Used when statement preparation discovers the
// effective column set has changed.
func (h *MigratingHandle) RebindUnionView(ctx context.Context, tableName string, columns []string) error {
	info, err := h.GetBindingInfo(ctx, tableName)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	return h.RunTransactionIfNotInTransaction(ctx, func(ctx context.Context, hh *dbconn.Handle) error {
		if err := hh.Exec(ctx, StatementForDroppingUnionedView(info.UnionedView())); err != nil {
			return err
		}
		return hh.Exec(ctx, info.StatementForCreatingUnionedViewWith(columns))
	})
}

// CheckSourceTable confirms the registry-bound info agrees with the
// caller-supplied source table.
func (h *MigratingHandle) CheckSourceTable(ctx context.Context, tableName, sourceTable string) (bool, error) {
	info, err := h.GetBindingInfo(ctx, tableName)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	return info.SourceTable() == sourceTable, nil
}

// AttachSourceDatabase implements InfoInitializer. Unlike the migrate
// handle, the migrating handle may be inside an application transaction,
// so it only attaches when the schema is genuinely absent and then
// probes for a lock upgrade.
func (h *MigratingHandle) AttachSourceDatabase(ctx context.Context, user *MigrationUserInfo) error {
	schema := user.SchemaForSourceDatabase()
	if schema == MainSchema {
		return nil
	}
	attached, err := h.GetValues(ctx, StatementForSelectingDatabaseList(), 1)
	if err != nil {
		return err
	}
	for _, name := range attached {
		if name == schema {
			return nil
		}
	}
	if err := attachDatabase(ctx, h.Handle, user); err != nil {
		return err
	}
	return h.TrySynchronousTransaction(ctx)
}

// CurrentHandle implements InfoInitializer.
func (h *MigratingHandle) CurrentHandle() *dbconn.Handle {
	return h.Handle
}

// DatabasePath implements InfoInitializer.
func (h *MigratingHandle) DatabasePath() string {
	return h.Path()
}

// BindInfos reconciles this connection's views and schemas with the
// registry's migrating set. Views go first: newly created views merely
// record name references and do not validate until executed, so they
// may precede the schemas they mention.
func (h *MigratingHandle) BindInfos(ctx context.Context, migratings map[string]*MigrationInfo) error {
	if err := h.rebindViews(ctx, migratings); err != nil {
		return err
	}
	return h.rebindSchemas(ctx, migratings)
}

func (h *MigratingHandle) rebindViews(ctx context.Context, migratings map[string]*MigrationInfo) error {
	views := make(map[string]*MigrationInfo, len(migratings))
	for _, info := range migratings {
		views[info.UnionedView()] = info
	}

	existingViews, err := h.GetValues(ctx, StatementForSelectingUnionedView(), 0)
	if err != nil {
		return err
	}
	for _, existing := range existingViews {
		if _, ok := views[existing]; ok {
			// it is already created
			delete(views, existing)
		} else {
			// it is no longer needed
			if err := h.Exec(ctx, StatementForDroppingUnionedView(existing)); err != nil {
				return err
			}
		}
	}

	hasNewView := false
	// create all needed views
	for _, info := range views {
		if err := h.Exec(ctx, info.StatementForCreatingUnionedView()); err != nil {
			return err
		}
		hasNewView = true
	}
	if hasNewView && h.InTransaction() {
		h.createdNewViewInTransaction = true
	}
	return nil
}

func (h *MigratingHandle) rebindSchemas(ctx context.Context, migratings map[string]*MigrationInfo) error {
	schemas := make(map[string]*MigrationInfo, len(migratings))
	for _, info := range migratings {
		if info.IsCrossDatabase() {
			schemas[info.SchemaForSourceDatabase()] = info
		}
	}

	existingSchemas, err := h.GetValues(ctx, StatementForSelectingDatabaseList(), 1)
	if err != nil {
		return err
	}
	for _, existing := range existingSchemas {
		if !strings.HasPrefix(existing, SchemaPrefix) {
			continue
		}
		if _, ok := schemas[existing]; ok {
			// it is already attached
			delete(schemas, existing)
		} else if !h.InTransaction() {
			// attached schemas cannot be detached mid-transaction
			if err := h.Exec(ctx, "DETACH DATABASE "+dbconn.QuoteIdentifier(existing)); err != nil {
				return err
			}
		}
	}

	attached := false
	// attach all needed schemas
	for _, info := range schemas {
		if err := attachDatabase(ctx, h.Handle, info.UserInfo()); err != nil {
			return err
		}
		attached = true
	}
	if attached {
		return h.TrySynchronousTransaction(ctx)
	}
	return nil
}

// CommitTransaction commits and, when leaving the outermost transaction,
// clears the created-view flag: the creation is now persisted state.
func (h *MigratingHandle) CommitTransaction(ctx context.Context) error {
	err := h.Commit(ctx)
	if err == nil && !h.InTransaction() {
		h.createdNewViewInTransaction = false
	}
	return err
}

// RollbackTransaction rolls back and, if a unioned view was created
// inside the transaction, asks the registry for a rebind: the rolled
// back creation is gone, so the registry's cached view state is stale.
func (h *MigratingHandle) RollbackTransaction(ctx context.Context) {
	h.Rollback(ctx)
	if h.createdNewViewInTransaction {
		h.migration.SetNeedRebind()
		h.createdNewViewInTransaction = false
	}
}

// GetStatement issues a new child statement with auto-add-column
// enabled. The handle owns the statement until ReturnStatement.
func (h *MigratingHandle) GetStatement() *dbconn.Stmt {
	stmt := dbconn.NewStmt(h.Handle)
	stmt.EnableAutoAddColumn()
	h.stmts = append(h.stmts, stmt)
	return stmt
}

// ReturnStatement finalizes a statement and removes it from the child
// list by pointer identity.
func (h *MigratingHandle) ReturnStatement(stmt *dbconn.Stmt) {
	for i, s := range h.stmts {
		if s == stmt {
			s.Finalize()
			h.stmts = append(h.stmts[:i], h.stmts[i+1:]...)
			return
		}
	}
}

// FinalizeStatements finalizes every issued statement without removing
// them from the list.
func (h *MigratingHandle) FinalizeStatements() {
	for _, stmt := range h.stmts {
		stmt.Finalize()
	}
}

// ResetAllStatements resets every prepared issued statement.
func (h *MigratingHandle) ResetAllStatements() {
	for _, stmt := range h.stmts {
		if stmt.IsPrepared() {
			stmt.Reset()
		}
	}
}

// PrepareStatement prepares query on a fresh child statement. When the
// engine reports a missing column and the statement permits it, every
// bound unioned view is widened to its destination's current column set
// and the prepare retried once.
func (h *MigratingHandle) PrepareStatement(ctx context.Context, query string) (*dbconn.Stmt, error) {
	stmt := h.GetStatement()
	err := stmt.Prepare(ctx, query)
	if err != nil {
		if _, missing := dbconn.MissingColumn(err); missing && stmt.AutoAddColumn() {
			if rebindErr := h.widenBoundViews(ctx); rebindErr == nil {
				err = stmt.Prepare(ctx, query)
			}
		}
	}
	if err != nil {
		h.ReturnStatement(stmt)
		return nil, err
	}
	return stmt, nil
}

// widenBoundViews recreates each bound unioned view with the current
// destination/source column intersection. Without an AST layer the
// failed prepare cannot name which table the missing column belongs to,
// so every bound view is refreshed.
func (h *MigratingHandle) widenBoundViews(ctx context.Context) error {
	for tableName, info := range h.boundInfos {
		if info == nil {
			continue
		}
		columns, err := h.GetColumns(ctx, MainSchema, tableName)
		if err != nil {
			return err
		}
		if err := h.RebindUnionView(ctx, tableName, columns); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ InfoInitializer = (*MigratingHandle)(nil)
	_ InfoBinder      = (*MigratingHandle)(nil)
)

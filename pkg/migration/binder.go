package migration

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ezhangle/wcdb/pkg/dbconn"
	wcdbtable "github.com/ezhangle/wcdb/pkg/table"
	"github.com/ezhangle/wcdb/pkg/utils"
)

var (
	ErrNoCommonColumns = errors.New("source and destination share no columns")
)

// InfoInitializer is what the registry needs from a handle to turn a
// MigrationUserInfo into a fully initialized MigrationInfo: a way to
// attach the source database and a connection to inspect schemas with.
type InfoInitializer interface {
	AttachSourceDatabase(ctx context.Context, info *MigrationUserInfo) error
	CurrentHandle() *dbconn.Handle
	DatabasePath() string
}

// InfoBinder is implemented by handles whose per-connection state
// (unioned views, attached schemas) must be reconciled whenever the set
// of migrating tables changes.
type InfoBinder interface {
	BindInfos(ctx context.Context, migratings map[string]*MigrationInfo) error
}

// Migration is the registry that tracks which tables remain to be
// migrated. Handles discover bindings through the
// StartBinding/BindTable/StopBinding cycle and invalidate their caches
// through the generation counter.
//
// The registry exclusively owns handles and infos; handles hold
// non-owning back references.
type Migration struct {
	mu         sync.Mutex
	userInfos  map[string]*MigrationUserInfo
	filter     func(tableName string) *MigrationUserInfo
	infos      map[string]*MigrationInfo
	migrated   map[string]bool
	generation atomic.Uint64
}

func NewMigration() *Migration {
	return &Migration{
		userInfos: make(map[string]*MigrationUserInfo),
		infos:     make(map[string]*MigrationInfo),
		migrated:  make(map[string]bool),
	}
}

// AddUserInfo registers a table for migration.
func (m *Migration) AddUserInfo(info *MigrationUserInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userInfos[info.Table()] = info
}

// SetTableFilter installs a callback consulted for tables that have no
// registered user info, so bindings can be supplied lazily.
func (m *Migration) SetTableFilter(f func(tableName string) *MigrationUserInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = f
}

// Generation changes every time cached bindings become stale.
func (m *Migration) Generation() uint64 {
	return m.generation.Load()
}

// SetNeedRebind invalidates every handle's cached bindings. Called by
// handles after a rolled-back view creation, and by the registry itself
// when a table finishes.
func (m *Migration) SetNeedRebind() {
	m.generation.Add(1)
}

// StartBinding begins a binding transaction on the registry. It must be
// paired with StopBinding.
func (m *Migration) StartBinding() {
	m.mu.Lock()
}

// BindTable resolves the binding for one table, lazily initializing its
// MigrationInfo through the initializer handle. Returns nil when the
// table is not under migration. Must be called between StartBinding and
// StopBinding.
func (m *Migration) BindTable(ctx context.Context, init InfoInitializer, tableName string) (*MigrationInfo, error) {
	if m.migrated[tableName] {
		return nil, nil
	}
	if info, ok := m.infos[tableName]; ok {
		return info, nil
	}
	user := m.userInfos[tableName]
	if user == nil && m.filter != nil {
		user = m.filter(tableName)
		if user != nil {
			m.userInfos[tableName] = user
		}
	}
	if user == nil || !user.ShouldMigrate() {
		return nil, nil
	}
	user.Resolve(init.DatabasePath())
	if err := init.AttachSourceDatabase(ctx, user); err != nil {
		return nil, err
	}
	h := init.CurrentHandle()
	schema := user.SchemaForSourceDatabase()
	srcExists, err := h.TableExists(ctx, schema, user.SourceTable())
	if err != nil {
		return nil, err
	}
	if !srcExists {
		// Nothing left to move; the source was already dropped.
		m.migrated[tableName] = true
		return nil, nil
	}
	destExists, err := h.TableExists(ctx, MainSchema, tableName)
	if err != nil {
		return nil, err
	}
	if !destExists {
		if err := h.CreateTableLike(ctx, schema, user.SourceTable(), tableName); err != nil {
			return nil, err
		}
	}
	src := wcdbtable.NewTableInfo(schema, user.SourceTable())
	if err := src.SetInfo(ctx, h); err != nil {
		return nil, err
	}
	dest := wcdbtable.NewTableInfo(MainSchema, tableName)
	if err := dest.SetInfo(ctx, h); err != nil {
		return nil, err
	}
	columns := utils.IntersectColumnsAsSlice(dest, src)
	if len(columns) == 0 {
		return nil, ErrNoCommonColumns
	}
	info := NewMigrationInfo(user, columns)
	m.infos[tableName] = info
	return info, nil
}

// StopBinding ends a binding transaction. With commit set, the binder's
// views and schemas are reconciled against the current migrating set
// before the registry is released.
func (m *Migration) StopBinding(ctx context.Context, binder InfoBinder, commit bool) error {
	defer m.mu.Unlock()
	if commit && binder != nil {
		return binder.BindInfos(ctx, m.migratingsLocked())
	}
	return nil
}

func (m *Migration) migratingsLocked() map[string]*MigrationInfo {
	migratings := make(map[string]*MigrationInfo, len(m.infos))
	for tableName, info := range m.infos {
		if !m.migrated[tableName] {
			migratings[tableName] = info
		}
	}
	return migratings
}

// MarkMigrated records that a table's rows are fully moved and its
// source dropped, and invalidates cached bindings so handles stop
// routing through the unioned view.
func (m *Migration) MarkMigrated(tableName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrated[tableName] = true
	m.generation.Add(1)
}

// TableCount returns the number of registered tables.
func (m *Migration) TableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.userInfos)
}

// IsMigrated reports whether the table has finished migrating.
func (m *Migration) IsMigrated(tableName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.migrated[tableName]
}

// NextPendingTable returns the lowest-named table that still has rows to
// move, or "" when every registered table is done.
func (m *Migration) NextPendingTable() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []string
	for tableName := range m.userInfos {
		if !m.migrated[tableName] {
			pending = append(pending, tableName)
		}
	}
	if len(pending) == 0 {
		return ""
	}
	sort.Strings(pending)
	return pending[0]
}

// attachDatabase attaches the source file of a cross-database migration,
// applies the cipher and reads back the raw key when requested. The
// statement is finalized regardless of intermediate errors.
func attachDatabase(ctx context.Context, h *dbconn.Handle, user *MigrationUserInfo) error {
	stmt := dbconn.NewStmt(h)
	err := stmt.Prepare(ctx, user.StatementForAttachingSchema())
	if err == nil {
		err = stmt.Step(ctx, user.SourcePath())
	}
	stmt.Finalize()
	if err != nil {
		return err
	}
	if len(user.SourceCipher()) > 0 {
		if err := h.Exec(ctx, user.StatementForSettingCipher()); err != nil {
			return err
		}
	}
	if user.NeedRawSourceCipher() {
		raw, err := h.RawCipherKey(ctx, user.SchemaForSourceDatabase())
		if err != nil {
			return err
		}
		user.setRawSourceCipher(raw)
	}
	return nil
}

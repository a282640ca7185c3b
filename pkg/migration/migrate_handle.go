package migration

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/ezhangle/wcdb/pkg/dbconn"
)

const (
	numberOfSamples = 10

	// MigrateMaxExpectingDuration bounds the wall time of one migration
	// transaction; MigrateMaxInitializeDuration is the budget used until
	// the sample ring has data.
	MigrateMaxExpectingDuration  = 10 * time.Millisecond
	MigrateMaxInitializeDuration = 5 * time.Millisecond
)

// sample records the timing of one committed migration transaction.
// Inner is the time spent inside the per-row loop, outer the wall time
// from BEGIN through COMMIT. Every stored sample satisfies
// 0 < inner < outer.
type sample struct {
	timeIntervalWithinTransaction time.Duration
	timeIntervalWholeTransaction  time.Duration
}

// MigrateHandle is the background worker handle. It moves rows one at a
// time inside short transactions, pacing itself from the sample ring so
// each transaction's wall time stays near MigrateMaxExpectingDuration.
type MigrateHandle struct {
	*dbconn.Handle

	attachedSchema     string
	migratingInfo      *MigrationInfo
	migrateStmt        *dbconn.Stmt
	removeMigratedStmt *dbconn.Stmt

	samples        [numberOfSamples]sample
	samplePointing int

	rowsMigrated int64

	maxExpectingDuration time.Duration
	initializeDuration   time.Duration
}

func NewMigrateHandle(ctx context.Context, db *sql.DB, path string) (*MigrateHandle, error) {
	h, err := dbconn.NewHandle(ctx, db, path)
	if err != nil {
		return nil, err
	}
	mh := &MigrateHandle{
		Handle:               h,
		attachedSchema:       MainSchema,
		maxExpectingDuration: MigrateMaxExpectingDuration,
		initializeDuration:   MigrateMaxInitializeDuration,
	}
	mh.migrateStmt = dbconn.NewStmt(h)
	mh.removeMigratedStmt = dbconn.NewStmt(h)
	return mh, nil
}

// Close finalizes the per-row statements before returning the
// connection to the pool.
func (h *MigrateHandle) Close() error {
	h.finalizeMigrationStatements()
	return h.Handle.Close()
}

// AttachedSchema returns the source schema currently attached through
// this handle, or main.
func (h *MigrateHandle) AttachedSchema() string {
	return h.attachedSchema
}

// RowsMigrated returns the number of rows moved through this handle.
func (h *MigrateHandle) RowsMigrated() int64 {
	return h.rowsMigrated
}

// ReAttach makes the handle target info's source schema, detaching any
// previously attached one. Per-row statements reference the old schema,
// so they are finalized and the effective info cleared either way.
func (h *MigrateHandle) ReAttach(ctx context.Context, user *MigrationUserInfo) error {
	if h.InTransaction() {
		return dbconn.ErrInTransaction
	}
	var err error
	if h.attachedSchema != user.SchemaForSourceDatabase() {
		if err = h.detach(ctx); err == nil {
			err = h.attach(ctx, user)
		}
	}
	h.migratingInfo = nil
	h.finalizeMigrationStatements()
	return err
}

func (h *MigrateHandle) attach(ctx context.Context, user *MigrationUserInfo) error {
	if h.InTransaction() {
		return dbconn.ErrInTransaction
	}
	schema := user.SchemaForSourceDatabase()
	if schema == MainSchema {
		h.attachedSchema = MainSchema
		return nil
	}
	if err := attachDatabase(ctx, h.Handle, user); err != nil {
		return err
	}
	h.attachedSchema = schema
	return nil
}

func (h *MigrateHandle) detach(ctx context.Context) error {
	if h.InTransaction() {
		return dbconn.ErrInTransaction
	}
	if h.attachedSchema == MainSchema {
		return nil
	}
	if err := h.Exec(ctx, "DETACH DATABASE "+dbconn.QuoteIdentifier(h.attachedSchema)); err != nil {
		return err
	}
	h.attachedSchema = MainSchema
	return nil
}

// GetAllTables lists user tables in the main database, excluding the
// engine's and the migration core's reserved prefixes.
func (h *MigrateHandle) GetAllTables(ctx context.Context) ([]string, error) {
	return h.GetValues(ctx, fmt.Sprintf(
		"SELECT name FROM main.sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%%' AND name NOT LIKE '%s%%'",
		ReservedTablePrefix), 0)
}

// DropSourceTable drops info's source table. Called by the registry
// after MigrateRows reported completion.
func (h *MigrateHandle) DropSourceTable(ctx context.Context, info *MigrationInfo) error {
	if err := h.ReAttach(ctx, info.UserInfo()); err != nil {
		return err
	}
	h.migratingInfo = info
	return h.Exec(ctx, info.StatementForDroppingSourceTable())
}

// MigrateRows performs one bounded transaction of row migration for
// info. It returns done=true when the source holds no more un-migrated
// rows, done=false when rows remain, and a non-nil error on transient
// failure (the caller retries next tick).
//
// A missing destination short-circuits to done: the destination is only
// dropped after the source is, so its absence means the whole migration
// was already cleaned up. An external actor dropping the destination
// while source rows remain is therefore silently treated as completion.
// A missing source likewise reports done without touching the ring.
func (h *MigrateHandle) MigrateRows(ctx context.Context, info *MigrationInfo) (bool, error) {
	exists, err := h.TableExists(ctx, MainSchema, info.Table())
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}

	if h.migratingInfo != info {
		if err := h.ReAttach(ctx, info.UserInfo()); err != nil {
			return false, err
		}
		h.migratingInfo = info
	}

	sourceExists, err := h.TableExists(ctx, info.SchemaForSourceDatabase(), info.SourceTable())
	if err != nil {
		return false, err
	}
	if !sourceExists {
		return true, nil
	}

	if !h.migrateStmt.IsPrepared() {
		if err := h.migrateStmt.Prepare(ctx, h.migratingInfo.StatementForMigratingOneRow()); err != nil {
			return false, err
		}
	}
	if !h.removeMigratedStmt.IsPrepared() {
		if err := h.removeMigratedStmt.Prepare(ctx, h.migratingInfo.StatementForDeletingMigratedOneRow()); err != nil {
			return false, err
		}
	}

	budget := h.calculateTimeIntervalWithinTransaction()
	beforeTransaction := time.Now()
	var done bool
	var withinTransaction time.Duration
	err = h.RunTransaction(ctx, func(ctx context.Context, _ *dbconn.Handle) error {
		for {
			var stepErr error
			done, stepErr = h.migrateRow(ctx)
			withinTransaction = time.Since(beforeTransaction)
			if stepErr != nil {
				return stepErr
			}
			if done || withinTransaction >= budget {
				return nil
			}
		}
	})
	if err != nil {
		return false, err
	}
	// update only if succeed
	h.addSample(withinTransaction, time.Since(beforeTransaction))
	return done, nil
}

// migrateRow moves exactly one row inside the current transaction: copy
// the highest-rowid source row into the destination, then delete it from
// the source. The pair is atomic together. Returns done=true when the
// migrate statement affected no rows.
func (h *MigrateHandle) migrateRow(ctx context.Context) (bool, error) {
	h.migrateStmt.Reset()
	h.removeMigratedStmt.Reset()
	if err := h.migrateStmt.Step(ctx); err != nil {
		return false, err
	}
	if h.Changes() == 0 {
		return true, nil
	}
	if err := h.removeMigratedStmt.Step(ctx); err != nil {
		return false, err
	}
	h.rowsMigrated++
	return false, nil
}

func (h *MigrateHandle) finalizeMigrationStatements() {
	h.migrateStmt.Finalize()
	h.removeMigratedStmt.Finalize()
}

// addSample stores one transaction timing in the ring. Samples that do
// not satisfy 0 < inner < outer carry no pacing signal and are dropped.
func (h *MigrateHandle) addSample(withinTransaction, wholeTransaction time.Duration) {
	if withinTransaction <= 0 || wholeTransaction <= withinTransaction {
		return
	}
	h.samples[h.samplePointing] = sample{
		timeIntervalWithinTransaction: withinTransaction,
		timeIntervalWholeTransaction:  wholeTransaction,
	}
	h.samplePointing++
	if h.samplePointing >= numberOfSamples {
		h.samplePointing = 0
	}
}

// calculateTimeIntervalWithinTransaction derives the next transaction's
// time budget. Σinner/Σouter estimates the fraction of wall time spent
// on useful row movement versus transaction overhead; scaling the
// maximum expected duration by it keeps total wall time per transaction
// bounded. An empty ring (division by zero) or an out-of-range result
// falls back to the initial duration.
func (h *MigrateHandle) calculateTimeIntervalWithinTransaction() time.Duration {
	var totalWithin, totalWhole float64
	for _, s := range h.samples {
		if s.timeIntervalWithinTransaction > 0 && s.timeIntervalWholeTransaction > 0 {
			totalWithin += s.timeIntervalWithinTransaction.Seconds()
			totalWhole += s.timeIntervalWholeTransaction.Seconds()
		}
	}
	budget := h.maxExpectingDuration.Seconds() * (totalWithin / totalWhole)
	if budget > h.maxExpectingDuration.Seconds() || budget <= 0 || math.IsNaN(budget) {
		return h.initializeDuration
	}
	return time.Duration(budget * float64(time.Second))
}

// AttachSourceDatabase implements InfoInitializer.
func (h *MigrateHandle) AttachSourceDatabase(ctx context.Context, user *MigrationUserInfo) error {
	return h.ReAttach(ctx, user)
}

// CurrentHandle implements InfoInitializer.
func (h *MigrateHandle) CurrentHandle() *dbconn.Handle {
	return h.Handle
}

// DatabasePath implements InfoInitializer.
func (h *MigrateHandle) DatabasePath() string {
	return h.Path()
}

var _ InfoInitializer = (*MigrateHandle)(nil)

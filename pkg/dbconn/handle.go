package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrInTransaction is returned when an operation that requires no
	// open transaction (attach, detach) is invoked inside one.
	ErrInTransaction = errors.New("operation not permitted inside a transaction")
)

// Handle is a single database connection pinned out of the pool.
// Attached schemas and temp-schema views are per-connection state in
// SQLite, so anything that relies on them must run through a Handle
// rather than a pooled *sql.DB.
//
// A Handle is owned by exactly one goroutine at a time; it has no
// internal locking.
type Handle struct {
	conn     *sql.Conn
	path     string
	txnDepth int
	changes  int64
	lastErr  error
}

// NewHandle pins a connection from db. The caller must Close the handle
// to return the connection to the pool.
func NewHandle(ctx context.Context, db *sql.DB, path string) (*Handle, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &Handle{conn: conn, path: path}, nil
}

func (h *Handle) Close() error {
	return h.conn.Close()
}

// Path returns the file path of the main database.
func (h *Handle) Path() string {
	return h.path
}

// Exec runs a statement on the handle's connection and records the
// affected-row count and last error.
func (h *Handle) Exec(ctx context.Context, query string, args ...any) error {
	res, err := h.conn.ExecContext(ctx, query, args...)
	h.lastErr = err
	if err != nil {
		return err
	}
	if n, errC := res.RowsAffected(); errC == nil {
		h.changes = n
	}
	return nil
}

// Query runs a query on the handle's connection.
func (h *Handle) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := h.conn.QueryContext(ctx, query, args...)
	h.lastErr = err
	return rows, err
}

// Changes returns the affected-row count of the most recent Exec or
// statement step on this handle.
func (h *Handle) Changes() int64 {
	return h.changes
}

// LastError returns the error of the most recent engine call.
func (h *Handle) LastError() error {
	return h.lastErr
}

// InTransaction reports whether the handle has an open transaction.
func (h *Handle) InTransaction() bool {
	return h.txnDepth > 0
}

// Begin opens a transaction. Nested calls open savepoints so that an
// inner rollback does not abort the outer transaction.
func (h *Handle) Begin(ctx context.Context) error {
	var err error
	if h.txnDepth == 0 {
		err = h.Exec(ctx, "BEGIN")
	} else {
		err = h.Exec(ctx, fmt.Sprintf("SAVEPOINT wcdb_%d", h.txnDepth))
	}
	if err != nil {
		return err
	}
	h.txnDepth++
	return nil
}

// Commit commits the innermost transaction or savepoint.
func (h *Handle) Commit(ctx context.Context) error {
	if h.txnDepth == 0 {
		return errors.New("commit outside of transaction")
	}
	var err error
	if h.txnDepth == 1 {
		err = h.Exec(ctx, "COMMIT")
	} else {
		err = h.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT wcdb_%d", h.txnDepth-1))
	}
	if err != nil {
		return err
	}
	h.txnDepth--
	return nil
}

// Rollback rolls back the innermost transaction or savepoint. Errors
// are recorded on the handle but not returned: rollback is a recovery
// path and the original failure is what the caller reports.
func (h *Handle) Rollback(ctx context.Context) {
	if h.txnDepth == 0 {
		return
	}
	if h.txnDepth == 1 {
		_ = h.Exec(ctx, "ROLLBACK")
	} else {
		sp := fmt.Sprintf("wcdb_%d", h.txnDepth-1)
		_ = h.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp)
		_ = h.Exec(ctx, "RELEASE SAVEPOINT "+sp)
	}
	h.txnDepth--
}

// RunTransaction runs fn inside a transaction, committing on nil and
// rolling back on error.
func (h *Handle) RunTransaction(ctx context.Context, fn func(ctx context.Context, h *Handle) error) error {
	if err := h.Begin(ctx); err != nil {
		return err
	}
	if err := fn(ctx, h); err != nil {
		h.Rollback(ctx)
		return err
	}
	return h.Commit(ctx)
}

// RunTransactionIfNotInTransaction runs fn inside a new transaction only
// when none is open; otherwise fn joins the current one.
func (h *Handle) RunTransactionIfNotInTransaction(ctx context.Context, fn func(ctx context.Context, h *Handle) error) error {
	if h.InTransaction() {
		return fn(ctx, h)
	}
	return h.RunTransaction(ctx, fn)
}

// TrySynchronousTransaction attempts to promote the current transaction
// to an immediate one after a schema was attached mid-transaction. The
// engine cannot change locking mode inside a transaction, so the BEGIN
// IMMEDIATE is expected to fail; that failure is ignorable and treated
// as success. It forces the engine to upgrade locks where it can and
// silently no-ops where it cannot.
func (h *Handle) TrySynchronousTransaction(ctx context.Context) error {
	if !h.InTransaction() {
		return nil
	}
	err := h.Exec(ctx, "BEGIN IMMEDIATE")
	if err == nil || isNestedTransactionError(err) {
		return nil
	}
	return err
}

package dbconn

import (
	"context"
	"database/sql"
	"errors"
)

// Stmt is a prepared statement with explicit prepare/step/reset/finalize
// lifetime, bound to a Handle's pinned connection. Per-row migration
// statements are prepared once per MigrationInfo and stepped many times.
type Stmt struct {
	h             *Handle
	query         string
	stmt          *sql.Stmt
	autoAddColumn bool
}

// NewStmt returns an unprepared statement owned by h.
func NewStmt(h *Handle) *Stmt {
	return &Stmt{h: h}
}

// EnableAutoAddColumn marks the statement as allowed to have its text
// re-prepared after the owning handle widens a unioned view.
func (s *Stmt) EnableAutoAddColumn() {
	s.autoAddColumn = true
}

// AutoAddColumn reports whether the auto-add-column retry applies.
func (s *Stmt) AutoAddColumn() bool {
	return s.autoAddColumn
}

// IsPrepared reports whether the statement currently holds a prepared
// engine statement.
func (s *Stmt) IsPrepared() bool {
	return s.stmt != nil
}

// Query returns the statement text of the last Prepare.
func (s *Stmt) Query() string {
	return s.query
}

// Prepare compiles query on the owning handle's connection.
func (s *Stmt) Prepare(ctx context.Context, query string) error {
	if s.stmt != nil {
		return errors.New("statement already prepared")
	}
	stmt, err := s.h.conn.PrepareContext(ctx, query)
	s.h.lastErr = err
	if err != nil {
		return err
	}
	s.query = query
	s.stmt = stmt
	return nil
}

// Step executes the prepared statement once and records the affected-row
// count on the owning handle.
func (s *Stmt) Step(ctx context.Context, args ...any) error {
	if s.stmt == nil {
		return errors.New("statement not prepared")
	}
	res, err := s.stmt.ExecContext(ctx, args...)
	s.h.lastErr = err
	if err != nil {
		return err
	}
	if n, errC := res.RowsAffected(); errC == nil {
		s.h.changes = n
	}
	return nil
}

// Reset returns the statement to its pre-step state. The database/sql
// layer resets cursors implicitly after Exec, so this only clears the
// handle's change counter; it is kept so callers can treat statement
// reuse uniformly.
func (s *Stmt) Reset() {
	s.h.changes = 0
}

// Finalize releases the prepared statement. Safe to call when not
// prepared, and always leaves the statement reusable via Prepare.
func (s *Stmt) Finalize() {
	if s.stmt != nil {
		_ = s.stmt.Close()
		s.stmt = nil
	}
}

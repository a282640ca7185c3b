// Package dbconn contains a series of database-related utility functions.
package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type DBConfig struct {
	BusyTimeout        time.Duration
	MaxRetries         int
	MaxOpenConnections int
}

func NewDBConfig() *DBConfig {
	return &DBConfig{
		BusyTimeout:        5 * time.Second,
		MaxRetries:         3,
		MaxOpenConnections: 8,
	}
}

// New opens a SQLite database at path with WAL mode, a busy timeout
// and foreign keys enabled. Handles are pinned connections taken from
// the returned pool, see NewHandle.
func New(path string, config *DBConfig) (*sql.DB, error) {
	if config == nil {
		config = NewDBConfig()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(on)",
		path, config.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConnections)
	return db, nil
}

// canRetryError looks at the SQLite error and decides if it is considered
// a permanent failure or not. For simplicity a "retryable" error means
// rollback the transaction and start the transaction again, because
// another connection held a conflicting lock at the time.
func canRetryError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}

// Exec is like db.Exec but retries on lock contention and only returns
// an error. This makes it a little bit easier to use in error handling.
func Exec(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	config := NewDBConfig()
	var err error
	for i := 0; i < config.MaxRetries; i++ {
		_, err = db.ExecContext(ctx, stmt, args...)
		if err == nil || !canRetryError(err) {
			return err
		}
		backoff(i)
	}
	return err
}

// backoff sleeps a few milliseconds before retrying.
func backoff(i int) {
	randFactor := i * rand.Intn(10) * int(time.Millisecond)
	time.Sleep(time.Duration(randFactor))
}

// QuoteIdentifier quotes a schema, table or column name so it can be
// safely interpolated into a statement.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteSchemaTable quotes a schema-qualified table name.
func QuoteSchemaTable(schema, table string) string {
	return QuoteIdentifier(schema) + "." + QuoteIdentifier(table)
}

var missingColumnRegexp = regexp.MustCompile(`(?:no such column:? |has no column named )(\S+)`)

// MissingColumn reports whether err is the engine complaining about a
// column that does not exist, and returns the column name if so. This is
// the signal for the auto-add-column retry: the caller widens the
// unioned view and retries the prepare once.
func MissingColumn(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	m := missingColumnRegexp.FindStringSubmatch(err.Error())
	if m == nil {
		return "", false
	}
	return m[1], true
}

// isNestedTransactionError reports whether err is the engine refusing to
// start a transaction because one is already open. The BEGIN IMMEDIATE
// probe issued after an in-transaction attach expects exactly this.
func isNestedTransactionError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "within a transaction")
}

package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// TableExists checks for a table in the given schema.
func (h *Handle) TableExists(ctx context.Context, schema, table string) (bool, error) {
	master := QuoteIdentifier(schema) + ".sqlite_master"
	rows, err := h.Query(ctx,
		"SELECT 1 FROM "+master+" WHERE type = 'table' AND name = ?", table)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	exists := rows.Next()
	return exists, rows.Err()
}

// GetColumns returns the column names of a table in declaration order.
func (h *Handle) GetColumns(ctx context.Context, schema, table string) ([]string, error) {
	query := fmt.Sprintf("PRAGMA %s.table_info(%s)", QuoteIdentifier(schema), QuoteIdentifier(table))
	rows, err := h.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var columns []string
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, ctype      string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

// AddColumn adds a column to a table. columnDef is the full column
// definition, e.g. `"note" TEXT DEFAULT ''`.
func (h *Handle) AddColumn(ctx context.Context, schema, table, columnDef string) error {
	return h.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
		QuoteSchemaTable(schema, table), columnDef))
}

// GetValues runs query and collects column col of every row as a string.
// A statement that yields no result columns yields no values.
func (h *Handle) GetValues(ctx context.Context, query string, col int, args ...any) ([]string, error) {
	rows, err := h.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, rows.Err()
	}
	if col < 0 || col >= len(names) {
		return nil, fmt.Errorf("column index %d out of range for %d result columns", col, len(names))
	}
	var values []string
	dest := make([]any, len(names))
	for i := range dest {
		dest[i] = new(sql.NullString)
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		values = append(values, dest[col].(*sql.NullString).String)
	}
	return values, rows.Err()
}

// AttachedSchemas returns the names of all databases attached to this
// connection, including main and temp.
func (h *Handle) AttachedSchemas(ctx context.Context) ([]string, error) {
	return h.GetValues(ctx, "PRAGMA database_list", 1)
}

// RawCipherKey reads back the post-KDF cipher key of an attached schema.
// Builds without an encryption extension return no rows, so an empty key
// with a nil error means the engine has nothing to report.
func (h *Handle) RawCipherKey(ctx context.Context, schema string) ([]byte, error) {
	values, err := h.GetValues(ctx, fmt.Sprintf("PRAGMA %s.key", QuoteIdentifier(schema)), 0)
	if err != nil || len(values) == 0 {
		return nil, err
	}
	return []byte(values[0]), nil
}

// CreateTableLike creates destTable in main with the same definition as
// srcSchema.srcTable, by rewriting the source's stored CREATE statement.
// Used when a migration binds a destination that does not exist yet.
func (h *Handle) CreateTableLike(ctx context.Context, srcSchema, srcTable, destTable string) error {
	master := QuoteIdentifier(srcSchema) + ".sqlite_master"
	values, err := h.GetValues(ctx,
		"SELECT sql FROM "+master+" WHERE type = 'table' AND name = ?", 0, srcTable)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return fmt.Errorf("table %s.%s does not exist", srcSchema, srcTable)
	}
	createSQL := values[0]
	// The stored statement names the source table immediately after
	// CREATE TABLE, quoted or not. Swap in the destination name once.
	for _, from := range []string{QuoteIdentifier(srcTable), srcTable} {
		if strings.Contains(createSQL, from) {
			createSQL = strings.Replace(createSQL, from, QuoteIdentifier(destTable), 1)
			break
		}
	}
	return h.Exec(ctx, createSQL)
}

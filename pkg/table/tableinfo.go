// Package table contains some common utilities for working with tables,
// such as a 'Table' struct that contains the discovered schema of a
// table in an attached database.
package table

import (
	"context"
	"fmt"

	"github.com/ezhangle/wcdb/pkg/dbconn"
)

// TableInfo describes a table in a specific schema of the connection.
type TableInfo struct {
	SchemaName string
	TableName  string
	Columns    []string
}

func NewTableInfo(schema, table string) *TableInfo {
	return &TableInfo{
		SchemaName: schema,
		TableName:  table,
	}
}

// QuotedName returns the schema-qualified quoted name of the table.
func (t *TableInfo) QuotedName() string {
	return dbconn.QuoteSchemaTable(t.SchemaName, t.TableName)
}

// SetInfo reads the table's column set through the handle.
func (t *TableInfo) SetInfo(ctx context.Context, h *dbconn.Handle) error {
	exists, err := h.TableExists(ctx, t.SchemaName, t.TableName)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("table %s.%s does not exist", t.SchemaName, t.TableName)
	}
	t.Columns, err = h.GetColumns(ctx, t.SchemaName, t.TableName)
	return err
}

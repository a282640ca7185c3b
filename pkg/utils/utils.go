// Package utils contains some common utilities used by all other packages.
package utils

import (
	"strings"

	"github.com/ezhangle/wcdb/pkg/dbconn"
	"github.com/ezhangle/wcdb/pkg/table"
)

// IntersectColumns returns a string of columns that are in both tables.
// The column names are quoted and comma separated.
func IntersectColumns(t1, t2 *table.TableInfo) string {
	var intersection []string
	for _, col := range t1.Columns {
		for _, col2 := range t2.Columns {
			if col == col2 {
				intersection = append(intersection, dbconn.QuoteIdentifier(col))
			}
		}
	}
	return strings.Join(intersection, ", ")
}

// IntersectColumnsAsSlice returns a slice of column names that are in
// both tables, in t1's declaration order.
func IntersectColumnsAsSlice(t1, t2 *table.TableInfo) []string {
	var intersection []string
	for _, col := range t1.Columns {
		for _, col2 := range t2.Columns {
			if col == col2 {
				intersection = append(intersection, col)
			}
		}
	}
	return intersection
}

// IntersectStrings returns the members of a that also appear in b,
// preserving a's order.
func IntersectStrings(a, b []string) []string {
	var intersection []string
	for _, col := range a {
		for _, col2 := range b {
			if col == col2 {
				intersection = append(intersection, col)
			}
		}
	}
	return intersection
}

// Package checksum verifies that a finished migration conserved rows:
// everything that left the source arrived in the destination.
package checksum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ezhangle/wcdb/pkg/dbconn"
)

var ErrRowCountMismatch = errors.New("row count mismatch between source and destination")

type Checker struct {
	h      *dbconn.Handle
	logger *slog.Logger
}

func NewChecker(h *dbconn.Handle, logger *slog.Logger) *Checker {
	return &Checker{h: h, logger: logger}
}

// CountRows returns the row count of a table, or zero when the table
// does not exist (a dropped source counts as empty).
func (c *Checker) CountRows(ctx context.Context, schema, table string) (int64, error) {
	exists, err := c.h.TableExists(ctx, schema, table)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	values, err := c.h.GetValues(ctx,
		"SELECT COUNT(*) FROM "+dbconn.QuoteSchemaTable(schema, table), 0)
	if err != nil {
		return 0, err
	}
	var count int64
	if len(values) > 0 {
		if _, err := fmt.Sscanf(values[0], "%d", &count); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// VerifyConservation checks that the destination plus whatever remains
// in the source still sum to the baseline captured before migration.
func (c *Checker) VerifyConservation(ctx context.Context, destTable, sourceSchema, sourceTable string, baseline int64) error {
	destCount, err := c.CountRows(ctx, "main", destTable)
	if err != nil {
		return err
	}
	sourceCount, err := c.CountRows(ctx, sourceSchema, sourceTable)
	if err != nil {
		return err
	}
	if destCount+sourceCount != baseline {
		return fmt.Errorf("%w: destination %d + source %d, expected %d",
			ErrRowCountMismatch, destCount, sourceCount, baseline)
	}
	c.logger.Info("row conservation verified",
		"table", destTable, "rows", destCount, "remaining_in_source", sourceCount)
	return nil
}

package checksum

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezhangle/wcdb/pkg/dbconn"
	"github.com/ezhangle/wcdb/pkg/testutils"
)

func newTestChecker(t *testing.T) *Checker {
	t.Helper()
	path := testutils.CreateUniqueTestDatabase(t)
	db := testutils.OpenTestDB(t, path)
	testutils.RunSQL(t, db, "CREATE TABLE dest (id INTEGER PRIMARY KEY, val TEXT)")
	testutils.RunSQL(t, db, "CREATE TABLE src (id INTEGER PRIMARY KEY, val TEXT)")
	testutils.RunSQL(t, db, "INSERT INTO dest (id) VALUES (1), (2), (3)")
	testutils.RunSQL(t, db, "INSERT INTO src (id) VALUES (4), (5)")

	h, err := dbconn.NewHandle(context.Background(), db, path)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, h.Close())
	})
	return NewChecker(h, slog.Default())
}

func TestCountRows(t *testing.T) {
	c := newTestChecker(t)
	ctx := context.Background()

	count, err := c.CountRows(ctx, "main", "dest")
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	// a missing table counts as empty
	count, err = c.CountRows(ctx, "main", "long_gone")
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestVerifyConservation(t *testing.T) {
	c := newTestChecker(t)
	ctx := context.Background()

	require.NoError(t, c.VerifyConservation(ctx, "dest", "main", "src", 5))

	err := c.VerifyConservation(ctx, "dest", "main", "src", 6)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRowCountMismatch)
}

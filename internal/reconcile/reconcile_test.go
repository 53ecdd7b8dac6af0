package reconcile

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/database"
	"extract-sync-service/internal/identity"
	"extract-sync-service/internal/store"
)

func setup(t *testing.T) (*store.SQLStore, *database.Database) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	_, err = db.DB.Exec(`CREATE TABLE source_table (id INTEGER, name TEXT, email TEXT)`)
	require.NoError(t, err)
	_, err = db.DB.Exec(`INSERT INTO source_table VALUES (1, 'Ann', 'ann@example.com'), (2, 'Bob', 'bob@old.example.com')`)
	require.NoError(t, err)
	st, err := store.NewSQLStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, db
}

func emails(t *testing.T, db *database.Database, table string) map[int64]string {
	t.Helper()
	rows, err := db.DB.Query(`SELECT id, email FROM "` + table + `"`)
	require.NoError(t, err)
	defer rows.Close()
	out := map[int64]string{}
	for rows.Next() {
		var id int64
		var email string
		require.NoError(t, rows.Scan(&id, &email))
		out[id] = email
	}
	require.NoError(t, rows.Err())
	return out
}

func TestReconcile_AppliesCorrection(t *testing.T) {
	st, db := setup(t)
	ctx := context.Background()
	require.NoError(t, st.CreateCorrection(ctx, &store.Correction{
		TableName:     "source_table",
		RowIdentifier: "2",
		ColumnName:    "email",
		NewValue:      sql.NullString{String: "bob@example.com", Valid: true},
		Reason:        sql.NullString{String: "bounced", Valid: true},
	}))

	n, err := NewService(st).Reconcile(ctx, "source_table", "reconciled_table", []string{"id"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got := emails(t, db, "reconciled_table")
	assert.Equal(t, map[int64]string{1: "ann@example.com", 2: "bob@example.com"}, got)

	// The source is never modified.
	assert.Equal(t, "bob@old.example.com", emails(t, db, "source_table")[2])

	// Re-running gives the same result.
	n, err = NewService(st).Reconcile(ctx, "source_table", "reconciled_table", []string{"id"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, got, emails(t, db, "reconciled_table"))
}

func TestReconcile_IgnoresUnknownRowsAndColumns(t *testing.T) {
	st, db := setup(t)
	ctx := context.Background()
	require.NoError(t, st.CreateCorrection(ctx, &store.Correction{TableName: "source_table", RowIdentifier: "42", ColumnName: "email",
		NewValue: sql.NullString{String: "x", Valid: true}}))
	require.NoError(t, st.CreateCorrection(ctx, &store.Correction{TableName: "source_table", RowIdentifier: "1", ColumnName: "phone",
		NewValue: sql.NullString{String: "x", Valid: true}}))

	n, err := NewService(st).Reconcile(ctx, "source_table", "reconciled_table", []string{"id"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, "ann@example.com", emails(t, db, "reconciled_table")[1])
}

func TestReconcile_CompositeIdentity(t *testing.T) {
	st, db := setup(t)
	ctx := context.Background()

	var id string
	require.NoError(t, st.Tables().ScanRows(ctx, "source_table", func(row map[string]any) error {
		if row["id"] == int64(1) {
			id = identity.FromRow([]string{"id", "name"}, row)
		}
		return nil
	}))
	require.NoError(t, st.CreateCorrection(ctx, &store.Correction{TableName: "source_table", RowIdentifier: id, ColumnName: "email",
		NewValue: sql.NullString{String: "ann@new.example.com", Valid: true}}))

	_, err := NewService(st).Reconcile(ctx, "source_table", "reconciled_table", []string{"id", "name"})
	require.NoError(t, err)
	assert.Equal(t, "ann@new.example.com", emails(t, db, "reconciled_table")[1])
}

func TestReconcile_MissingSourceTouchesNothing(t *testing.T) {
	st, _ := setup(t)
	ctx := context.Background()

	_, err := NewService(st).Reconcile(ctx, "nope", "reconciled_table", []string{"id"})
	require.ErrorIs(t, err, ErrSourceTableMissing)

	exists, err := st.Tables().TableExists(ctx, "reconciled_table")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReconcile_RefusesDestructiveDestinations(t *testing.T) {
	st, db := setup(t)
	ctx := context.Background()
	require.NoError(t, st.CreateCorrection(ctx, &store.Correction{
		TableName:     "source_table",
		RowIdentifier: "2",
		ColumnName:    "email",
		NewValue:      sql.NullString{String: "bob@example.com", Valid: true},
	}))

	for _, dest := range []string{"source_table", "SOURCE_TABLE", "corrections", "sync_runs", ""} {
		_, err := NewService(st).Reconcile(ctx, "source_table", dest, []string{"id"})
		require.Error(t, err, dest)
		assert.True(t, connector.IsConfigError(err), dest)
	}

	assert.Equal(t, map[int64]string{1: "ann@example.com", 2: "bob@old.example.com"}, emails(t, db, "source_table"))
	corrections, err := st.ListCorrections(ctx, "source_table")
	require.NoError(t, err)
	assert.Len(t, corrections, 1)
}

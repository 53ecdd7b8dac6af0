package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureTable_CreatesAndEvolves(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tables := s.Tables()

	exists, err := tables.TableExists(ctx, "companies")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, tables.EnsureTable(ctx, "companies", []Column{
		{Name: "number", LocalType: "string"},
		{Name: "employees", LocalType: "integer"},
	}))
	cols, err := tables.Columns(ctx, "companies")
	require.NoError(t, err)
	assert.Equal(t, []string{IdentityColumn, HashColumn, SyncedAtColumn, "number", "employees"}, cols)

	require.NoError(t, tables.EnsureTable(ctx, "companies", []Column{
		{Name: "number"}, {Name: "status", LocalType: "string"},
	}))
	cols, err = tables.Columns(ctx, "companies")
	require.NoError(t, err)
	assert.Contains(t, cols, "status")
}

func TestUpsertRow_OverwritesByIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tables := s.Tables()
	require.NoError(t, tables.EnsureTable(ctx, "people", []Column{{Name: "name"}, {Name: "tags", LocalType: "json"}}))

	require.NoError(t, tables.UpsertRow(ctx, "people", "1", "h1", map[string]any{"name": "Ann", "tags": []any{"a"}}))
	require.NoError(t, tables.UpsertRow(ctx, "people", "1", "h2", map[string]any{"name": "Anne", "tags": []any{"a"}}))

	var rows []map[string]any
	require.NoError(t, tables.ScanRows(ctx, "people", func(row map[string]any) error {
		rows = append(rows, row)
		return nil
	}))
	require.Len(t, rows, 1)
	assert.Equal(t, "Anne", rows[0]["name"])
	assert.Equal(t, "h2", rows[0][HashColumn])
	assert.Equal(t, `["a"]`, rows[0]["tags"])
}

func TestMissingIdentities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.db.DB.Exec(`CREATE TABLE src (company_number TEXT)`)
	require.NoError(t, err)
	_, err = s.db.DB.Exec(`INSERT INTO src VALUES ('A1'), ('A1'), (' 42 '), (NULL), (''), ('B2')`)
	require.NoError(t, err)

	tables := s.Tables()
	require.NoError(t, tables.EnsureTable(ctx, "cache", nil))
	require.NoError(t, tables.UpsertRow(ctx, "cache", "B2", "h", map[string]any{}))

	missing, err := tables.MissingIdentities(ctx, "src", "company_number", "cache")
	require.NoError(t, err)
	assert.Equal(t, []string{" 42 ", "A1"}, missing)

	n, err := tables.CountDistinct(ctx, "src", "company_number")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestMirrorAndUpdateWhere(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.db.DB.Exec(`CREATE TABLE src (id INTEGER, email TEXT)`)
	require.NoError(t, err)
	_, err = s.db.DB.Exec(`INSERT INTO src VALUES (1, 'a@x'), (2, 'b@x')`)
	require.NoError(t, err)

	tables := s.Tables()
	n, err := tables.Mirror(ctx, "src", "dst")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Mirroring again replaces rather than appends.
	n, err = tables.Mirror(ctx, "src", "dst")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	affected, err := tables.UpdateWhere(ctx, "dst", map[string]any{"id": int64(2)}, "email", "fixed@x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	var email string
	require.NoError(t, s.db.DB.QueryRow(`SELECT email FROM dst WHERE id = 2`).Scan(&email))
	assert.Equal(t, "fixed@x", email)

	_, err = tables.Mirror(ctx, "nope", "dst2")
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestMirror_RefusesSelfAndStateTables(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createProfile(t, s)
	_, err := s.db.DB.Exec(`CREATE TABLE src (id INTEGER, email TEXT)`)
	require.NoError(t, err)
	_, err = s.db.DB.Exec(`INSERT INTO src VALUES (1, 'a@x')`)
	require.NoError(t, err)

	_, err = s.Tables().Mirror(ctx, "src", "src")
	require.Error(t, err)
	var n int
	require.NoError(t, s.db.DB.QueryRow(`SELECT COUNT(*) FROM src`).Scan(&n))
	assert.Equal(t, 1, n)

	_, err = s.Tables().Mirror(ctx, "src", "sync_profiles")
	require.ErrorIs(t, err, ErrProtectedTable)
	_, err = s.GetProfile(ctx, p.ID)
	require.NoError(t, err)

	assert.True(t, IsStateTable("Sync_Runs"))
	assert.False(t, IsStateTable("contacts"))
}

func TestCreateProfile_RefusesStateTableAsLocalTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	src := &ExtractSource{Name: "crm", ConnectorKey: "csv", Config: map[string]string{"directory": "/tmp"}}
	require.NoError(t, s.CreateSource(ctx, src))

	err := s.CreateProfile(ctx, &SyncProfile{SourceID: src.ID, DatasetIdentifier: "a.csv", Strategy: StrategyFullRefresh, LocalTable: "corrections"})
	require.ErrorIs(t, err, ErrProtectedTable)
}

package sqlsource

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/database"
)

func seed(t *testing.T) connector.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	for _, stmt := range []string{
		`CREATE TABLE companies (id INTEGER PRIMARY KEY, name TEXT NOT NULL, revenue REAL, updated_at DATETIME)`,
		`CREATE TABLE deals (id INTEGER, company_id INTEGER)`,
		`INSERT INTO companies VALUES (1, 'Acme', 10.5, '2024-01-01'), (2, 'Globex', NULL, '2024-01-02'), (3, 'Initech', 3, '2024-01-03')`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return connector.Config{"driver": "sqlite3", "dsn": path, "cursor_column": "id"}
}

func TestDatasets(t *testing.T) {
	cfg := seed(t)
	ds, err := New().Datasets(context.Background(), cfg)
	require.NoError(t, err)

	var ids []string
	for _, d := range ds {
		ids = append(ids, d.Identifier)
	}
	assert.Equal(t, []string{"companies", "deals"}, ids)
}

func TestTest_UnsupportedDriver(t *testing.T) {
	err := New().Test(context.Background(), connector.Config{"driver": "oracle", "dsn": "x"})
	require.Error(t, err)
	assert.True(t, connector.IsConfigError(err))
}

func TestStreamRows(t *testing.T) {
	cfg := seed(t)
	var names []string
	for row, err := range New().StreamRows(context.Background(), connector.RemoteDataset{Identifier: "companies"}, cfg) {
		require.NoError(t, err)
		names = append(names, row["name"].(string))
	}
	assert.ElementsMatch(t, []string{"Acme", "Globex", "Initech"}, names)
}

func TestStreamRowsWithCheckpoint_Watermark(t *testing.T) {
	cfg := seed(t)
	c := New()
	ctx := context.Background()
	ds := connector.RemoteDataset{Identifier: "companies"}

	first := c.StreamRowsWithCheckpoint(ctx, ds, cfg, nil)
	var ids []int64
	for row, err := range first.Rows() {
		require.NoError(t, err)
		ids = append(ids, row["id"].(int64))
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)
	cp, err := first.Checkpoint()
	require.NoError(t, err)
	assert.JSONEq(t, `{"cursor":3}`, string(cp))

	again := c.StreamRowsWithCheckpoint(ctx, ds, cfg, cp)
	for range again.Rows() {
		t.Fatal("no rows expected past the watermark")
	}
	same, err := again.Checkpoint()
	require.NoError(t, err)
	assert.JSONEq(t, string(cp), string(same))

	db, err := sql.Open("sqlite3", cfg["dsn"])
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO companies VALUES (4, 'Umbrella', 1, '2024-02-01')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	next := c.StreamRowsWithCheckpoint(ctx, ds, cfg, cp)
	var names []string
	for row, err := range next.Rows() {
		require.NoError(t, err)
		names = append(names, row["name"].(string))
	}
	assert.Equal(t, []string{"Umbrella"}, names)
}

func TestStreamRowsWithCheckpoint_DatetimeCursor(t *testing.T) {
	cfg := seed(t)
	cfg["cursor_column"] = "updated_at"
	c := New()
	ctx := context.Background()
	ds := connector.RemoteDataset{Identifier: "events"}

	db, err := sql.Open("sqlite3", cfg["dsn"])
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE events (id INTEGER, updated_at DATETIME)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO events VALUES (1, '2024-01-01 09:00:00'), (2, '2024-01-01 10:00:00')`)
	require.NoError(t, err)

	drain := func(cp []byte) ([]int64, []byte) {
		stream := c.StreamRowsWithCheckpoint(ctx, ds, cfg, cp)
		var ids []int64
		for row, err := range stream.Rows() {
			require.NoError(t, err)
			ids = append(ids, row["id"].(int64))
		}
		next, err := stream.Checkpoint()
		require.NoError(t, err)
		return ids, next
	}

	ids, cp := drain(nil)
	assert.Equal(t, []int64{1, 2}, ids)
	assert.JSONEq(t, `{"cursor":"2024-01-01T10:00:00Z","kind":"time"}`, string(cp))

	ids, cp = drain(cp)
	assert.Empty(t, ids)

	_, err = db.Exec(`INSERT INTO events VALUES (3, '2024-01-01 11:00:00'), (4, '2024-01-01 10:00:00.5')`)
	require.NoError(t, err)
	ids, cp = drain(cp)
	assert.Equal(t, []int64{4, 3}, ids)
	assert.JSONEq(t, `{"cursor":"2024-01-01T11:00:00Z","kind":"time"}`, string(cp))
}

func TestBindValue(t *testing.T) {
	cp := checkpoint{Cursor: "2024-01-01T10:00:00Z", Kind: kindTime}

	v, err := bindValue(cp, database.SQLite)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01 10:00:00", v)

	v, err = bindValue(cp, database.Postgres)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), v)

	_, err = bindValue(checkpoint{Cursor: "yesterday", Kind: kindTime}, database.MySQL)
	assert.Error(t, err)

	v, err = bindValue(checkpoint{Cursor: json.Number("7")}, database.SQLite)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

func TestStreamRowsWithCheckpoint_RequiresCursorColumn(t *testing.T) {
	cfg := seed(t)
	delete(cfg, "cursor_column")
	stream := New().StreamRowsWithCheckpoint(context.Background(), connector.RemoteDataset{Identifier: "companies"}, cfg, nil)
	for _, err := range stream.Rows() {
		assert.True(t, connector.IsConfigError(err))
	}
	_, err := stream.Checkpoint()
	assert.ErrorIs(t, err, connector.ErrStreamNotDrained)
}

func TestInferSchema(t *testing.T) {
	cfg := seed(t)
	schema, err := New().InferSchema(context.Background(), connector.RemoteDataset{Identifier: "companies"}, cfg)
	require.NoError(t, err)
	require.Len(t, schema.Fields, 4)

	name, ok := schema.Field("name")
	require.True(t, ok)
	assert.False(t, name.Nullable)
	assert.Equal(t, connector.TypeString, name.SuggestedType)

	revenue, _ := schema.Field("revenue")
	assert.Equal(t, connector.TypeDecimal, revenue.SuggestedType)
	assert.True(t, revenue.Nullable)

	updated, _ := schema.Field("updated_at")
	assert.Equal(t, connector.TypeDatetime, updated.SuggestedType)

	_, err = New().InferSchema(context.Background(), connector.RemoteDataset{Identifier: "missing"}, cfg)
	assert.Error(t, err)
}

func TestListIdentities(t *testing.T) {
	cfg := seed(t)
	var ids []string
	for id, err := range New().ListIdentities(context.Background(), connector.RemoteDataset{Identifier: "companies"}, cfg, []string{"id"}) {
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.ElementsMatch(t, []string{"1", "2", "3"}, ids)
}

func TestSuggestType(t *testing.T) {
	cases := map[string]string{
		"bigint":                      connector.TypeInteger,
		"character varying":           connector.TypeString,
		"numeric":                     connector.TypeDecimal,
		"timestamp without time zone": connector.TypeDatetime,
		"jsonb":                       connector.TypeJSON,
		"boolean":                     connector.TypeBoolean,
	}
	for remote, want := range cases {
		assert.Equal(t, want, suggestType(remote), remote)
	}
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialect_Quote(t *testing.T) {
	assert.Equal(t, `"name"`, SQLite.Quote("name"))
	assert.Equal(t, "`na``me`", MySQL.Quote("na`me"))
	assert.Equal(t, `"a""b"`, Postgres.Quote(`a"b`))
}

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", Postgres.Rebind(q))
}

func TestDialect_UpsertClause(t *testing.T) {
	cols := []string{"_identity", "name"}
	assert.Equal(t, ` ON CONFLICT ("_identity") DO UPDATE SET "name" = excluded."name"`,
		SQLite.UpsertClause("_identity", cols))
	assert.Equal(t, " ON DUPLICATE KEY UPDATE `name` = VALUES(`name`)",
		MySQL.UpsertClause("_identity", cols))
	assert.Equal(t, ` ON CONFLICT ("_identity") DO NOTHING`,
		SQLite.UpsertClause("_identity", []string{"_identity"}))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?, ?, ?", Placeholders(3))
	assert.Equal(t, "", Placeholders(0))
}

func TestExecTx_RollsBackOnError(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.DB.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.ExecTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO items (id) VALUES (1)`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.DB.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&count))
	assert.Zero(t, count)
}

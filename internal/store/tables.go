package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"extract-sync-service/internal/database"
	"extract-sync-service/internal/identity"
)

// Reserved columns of managed tables.
const (
	IdentityColumn = "_identity"
	HashColumn     = "_row_hash"
	SyncedAtColumn = "_synced_at"
)

var ErrTableNotFound = errors.New("table not found")

// ErrProtectedTable is returned for table-level writes aimed at one of the
// store's own entity tables.
var ErrProtectedTable = errors.New("table is managed by the state store")

var stateTables = map[string]bool{
	"extract_sources":     true,
	"sync_profiles":       true,
	"sync_runs":           true,
	"schema_versions":     true,
	"enrichment_profiles": true,
	"corrections":         true,
	"audit_runs":          true,
	"audit_violations":    true,
}

// IsStateTable reports whether name is one of the entity tables created by
// NewSQLStore.
func IsStateTable(name string) bool {
	return stateTables[strings.ToLower(name)]
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqlTables struct {
	db *database.Database
}

func (t *sqlTables) TableExists(ctx context.Context, table string) (bool, error) {
	cols, err := t.Columns(ctx, table)
	if err != nil {
		return false, err
	}
	return len(cols) > 0, nil
}

func (t *sqlTables) Columns(ctx context.Context, table string) ([]string, error) {
	return columns(ctx, t.db.DB, t.db.Dialect, table)
}

func columns(ctx context.Context, q execQuerier, d database.Dialect, table string) ([]string, error) {
	var query string
	switch d.Name {
	case "mysql":
		query = `SELECT column_name FROM information_schema.columns
			WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`
	case "postgres":
		query = `SELECT column_name FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = ? ORDER BY ordinal_position`
	default:
		query = `SELECT name FROM pragma_table_info(?) ORDER BY cid`
	}
	rows, err := q.QueryContext(ctx, d.Rebind(query), table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func (t *sqlTables) EnsureTable(ctx context.Context, table string, cols []Column) error {
	d := t.db.Dialect
	existing, err := t.Columns(ctx, table)
	if err != nil {
		return err
	}

	if len(existing) == 0 {
		defs := []string{
			fmt.Sprintf("%s %s PRIMARY KEY", d.Quote(IdentityColumn), d.KeyType()),
			fmt.Sprintf("%s VARCHAR(64) NOT NULL", d.Quote(HashColumn)),
			fmt.Sprintf("%s %s NULL", d.Quote(SyncedAtColumn), d.TimestampType()),
		}
		seen := map[string]bool{}
		for _, c := range cols {
			if isReserved(c.Name) || seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			defs = append(defs, fmt.Sprintf("%s %s NULL", d.Quote(c.Name), d.ColumnType(c.LocalType)))
		}
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.Quote(table), strings.Join(defs, ", "))
		if _, err := t.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		return nil
	}

	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c] = true
	}
	for _, c := range cols {
		if have[c.Name] || isReserved(c.Name) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s NULL", d.Quote(table), d.Quote(c.Name), d.ColumnType(c.LocalType))
		if _, err := t.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.Name, err)
		}
		have[c.Name] = true
	}
	return nil
}

func isReserved(name string) bool {
	return name == IdentityColumn || name == HashColumn || name == SyncedAtColumn
}

func (t *sqlTables) ScanRows(ctx context.Context, table string, fn func(row map[string]any) error) error {
	rows, err := t.db.DB.QueryContext(ctx, "SELECT * FROM "+t.db.Dialect.Quote(table))
	if err != nil {
		return fmt.Errorf("scan %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	for rows.Next() {
		row, err := scanMap(rows, cols)
		if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanMap(rows *sql.Rows, cols []string) (map[string]any, error) {
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(map[string]any, len(cols))
	for i, c := range cols {
		if b, ok := values[i].([]byte); ok {
			row[c] = string(b)
			continue
		}
		row[c] = values[i]
	}
	return row, nil
}

func (t *sqlTables) MissingIdentities(ctx context.Context, sourceTable, sourceColumn, dest string) ([]string, error) {
	d := t.db.Dialect
	castType := "TEXT"
	if d.Name == "mysql" {
		castType = "CHAR"
	}
	src := fmt.Sprintf("CAST(s.%s AS %s)", d.Quote(sourceColumn), castType)
	query := fmt.Sprintf(`SELECT DISTINCT %s FROM %s s
		WHERE s.%s IS NOT NULL AND %s <> ''
		AND NOT EXISTS (SELECT 1 FROM %s d WHERE d.%s = %s)`,
		src, d.Quote(sourceTable), d.Quote(sourceColumn), src, d.Quote(dest), d.Quote(IdentityColumn), src)

	rows, err := t.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("missing identities %s.%s: %w", sourceTable, sourceColumn, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (t *sqlTables) CountDistinct(ctx context.Context, table, column string) (int64, error) {
	d := t.db.Dialect
	castType := "TEXT"
	if d.Name == "mysql" {
		castType = "CHAR"
	}
	val := fmt.Sprintf("CAST(%s AS %s)", d.Quote(column), castType)
	query := fmt.Sprintf("SELECT COUNT(DISTINCT %s) FROM %s WHERE %s IS NOT NULL AND %s <> ''",
		val, d.Quote(table), d.Quote(column), val)

	var n int64
	if err := t.db.DB.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count distinct %s.%s: %w", table, column, err)
	}
	return n, nil
}

func (t *sqlTables) UpsertRow(ctx context.Context, table, id, rowHash string, row map[string]any) error {
	return upsertRow(ctx, t.db.DB, t.db.Dialect, table, id, rowHash, row)
}

func upsertRow(ctx context.Context, q execQuerier, d database.Dialect, table, id, rowHash string, row map[string]any) error {
	keys := make([]string, 0, len(row))
	for k := range row {
		if !isReserved(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	cols := append([]string{IdentityColumn, HashColumn, SyncedAtColumn}, keys...)
	args := make([]any, 0, len(cols))
	args = append(args, id, rowHash, database.Now())
	for _, k := range keys {
		args = append(args, dbValue(row[k]))
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.Quote(c)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)%s",
		d.Quote(table), strings.Join(quoted, ", "), database.Placeholders(len(cols)), d.UpsertClause(IdentityColumn, cols))

	if _, err := q.ExecContext(ctx, d.Rebind(stmt), args...); err != nil {
		return fmt.Errorf("upsert into %s: %w", table, err)
	}
	return nil
}

func storedHashes(ctx context.Context, q execQuerier, d database.Dialect, table string, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s)",
		d.Quote(IdentityColumn), d.Quote(HashColumn), d.Quote(table), d.Quote(IdentityColumn), database.Placeholders(len(ids)))
	rows, err := q.QueryContext(ctx, d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("stored hashes of %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out[id] = hash
	}
	return out, rows.Err()
}

func (t *sqlTables) Mirror(ctx context.Context, source, dest string) (int64, error) {
	if strings.EqualFold(source, dest) {
		return 0, fmt.Errorf("mirror %s: destination is the source table", source)
	}
	if IsStateTable(dest) {
		return 0, fmt.Errorf("mirror into %s: %w", dest, ErrProtectedTable)
	}
	d := t.db.Dialect
	srcCols, err := t.Columns(ctx, source)
	if err != nil {
		return 0, err
	}
	if len(srcCols) == 0 {
		return 0, fmt.Errorf("%s: %w", source, ErrTableNotFound)
	}

	destCols, err := t.Columns(ctx, dest)
	if err != nil {
		return 0, err
	}
	if len(destCols) == 0 {
		stmt := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s WHERE 1 = 0", d.Quote(dest), d.Quote(source))
		if _, err := t.db.DB.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("create %s like %s: %w", dest, source, err)
		}
	} else {
		have := map[string]bool{}
		for _, c := range destCols {
			have[c] = true
		}
		for _, c := range srcCols {
			if have[c] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT NULL", d.Quote(dest), d.Quote(c))
			if _, err := t.db.DB.ExecContext(ctx, stmt); err != nil {
				return 0, fmt.Errorf("add column %s.%s: %w", dest, c, err)
			}
		}
	}

	quoted := make([]string, len(srcCols))
	for i, c := range srcCols {
		quoted[i] = d.Quote(c)
	}
	list := strings.Join(quoted, ", ")

	var copied int64
	err = t.db.ExecTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+d.Quote(dest)); err != nil {
			return fmt.Errorf("clear %s: %w", dest, err)
		}
		res, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", d.Quote(dest), list, list, d.Quote(source)))
		if err != nil {
			return fmt.Errorf("copy %s into %s: %w", source, dest, err)
		}
		copied, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return copied, nil
}

func (t *sqlTables) UpdateWhere(ctx context.Context, table string, keys map[string]any, column string, value any) (int64, error) {
	d := t.db.Dialect
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	args := []any{dbValue(value)}
	conds := make([]string, 0, len(names))
	for _, k := range names {
		if keys[k] == nil {
			conds = append(conds, d.Quote(k)+" IS NULL")
			continue
		}
		conds = append(conds, d.Quote(k)+" = ?")
		args = append(args, dbValue(keys[k]))
	}
	if len(conds) == 0 {
		return 0, fmt.Errorf("update %s: no key columns", table)
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s", d.Quote(table), d.Quote(column), strings.Join(conds, " AND "))
	res, err := t.db.DB.ExecContext(ctx, d.Rebind(stmt), args...)
	if err != nil {
		return 0, fmt.Errorf("update %s.%s: %w", table, column, err)
	}
	return res.RowsAffected()
}

// dbValue converts a row value into something every driver accepts.
func dbValue(v any) any {
	switch val := identity.Normalize(v).(type) {
	case nil, string, bool, int, int32, int64, uint32, float32, float64:
		return val
	case json.Number:
		return val.String()
	default:
		return identity.Scalar(val)
	}
}

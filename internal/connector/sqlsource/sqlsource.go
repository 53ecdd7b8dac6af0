// Package sqlsource reads tables from a relational database reachable
// through database/sql.
package sqlsource

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/database"
	"extract-sync-service/internal/identity"
	"extract-sync-service/internal/logger"
)

const Key = "sql"

type Connector struct{}

func New() *Connector {
	return &Connector{}
}

func (c *Connector) Key() string   { return Key }
func (c *Connector) Label() string { return "SQL database" }

func (c *Connector) Fields() []connector.Field {
	return []connector.Field{
		{Name: "driver", Label: "Driver (mysql, pgx, sqlite3)", Required: true},
		{Name: "dsn", Label: "Connection string", Required: true, Secret: true},
		{Name: "cursor_column", Label: "Watermark column"},
	}
}

func dialect(driver string) (database.Dialect, error) {
	switch driver {
	case "mysql":
		return database.MySQL, nil
	case "pgx", "postgres":
		return database.Postgres, nil
	case "sqlite3":
		return database.SQLite, nil
	default:
		return database.Dialect{}, &connector.ConfigError{Connector: Key, Field: "driver", Reason: fmt.Sprintf("unsupported driver %q", driver)}
	}
}

func open(ctx context.Context, cfg connector.Config) (*sql.DB, database.Dialect, error) {
	d, err := dialect(cfg["driver"])
	if err != nil {
		return nil, d, err
	}
	driver := cfg["driver"]
	if driver == "postgres" {
		driver = "pgx"
	}
	db, err := sql.Open(driver, cfg["dsn"])
	if err != nil {
		return nil, d, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, d, &connector.TransportError{Op: "connect", Err: err}
	}
	return db, d, nil
}

func (c *Connector) Test(ctx context.Context, cfg connector.Config) error {
	db, _, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	return db.Close()
}

func (c *Connector) Datasets(ctx context.Context, cfg connector.Config) ([]connector.RemoteDataset, error) {
	db, d, err := open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var query string
	switch d.Name {
	case "mysql":
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name`
	case "postgres":
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`
	default:
		query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var datasets []connector.RemoteDataset
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		datasets = append(datasets, connector.RemoteDataset{
			Identifier: name,
			Label:      connector.DatasetLabel(name),
			Metadata:   map[string]any{"driver": cfg["driver"]},
		})
	}
	return datasets, rows.Err()
}

// driverRow is a scanned row before normalization. It is only valid during
// the yield call that receives it.
type driverRow struct {
	cols   []string
	values []any
}

func (r driverRow) get(column string) any {
	for i, c := range r.cols {
		if c == column {
			return r.values[i]
		}
	}
	return nil
}

// query streams the result of one SELECT, one row at a time.
func query(ctx context.Context, cfg connector.Config, build func(d database.Dialect) (string, []any), yield func(row connector.Row, raw driverRow) bool) (bool, error) {
	db, d, err := open(ctx, cfg)
	if err != nil {
		return false, err
	}
	defer db.Close()

	q, args := build(d)
	rows, err := db.QueryContext(ctx, d.Rebind(q), args...)
	if err != nil {
		return false, fmt.Errorf("query source: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return false, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return false, err
		}
		row := make(connector.Row, len(cols))
		for i, col := range cols {
			row[col] = identity.Normalize(values[i])
		}
		if !yield(row, driverRow{cols: cols, values: values}) {
			return false, nil
		}
	}
	return true, rows.Err()
}

func (c *Connector) StreamRows(ctx context.Context, ds connector.RemoteDataset, cfg connector.Config) iter.Seq2[connector.Row, error] {
	return connector.Seq(func(yield func(connector.Row) bool) (json.RawMessage, error) {
		_, err := query(ctx, cfg, func(d database.Dialect) (string, []any) {
			return "SELECT * FROM " + d.Quote(ds.Identifier), nil
		}, func(row connector.Row, _ driverRow) bool {
			return yield(row)
		})
		return nil, err
	})
}

const kindTime = "time"

type checkpoint struct {
	Cursor any `json:"cursor"`
	// Kind is "time" when Cursor is an RFC3339 timestamp read from a
	// date/time column.
	Kind string `json:"kind,omitempty"`
}

// StreamRowsWithCheckpoint reads rows whose cursor column is strictly greater
// than the stored watermark, in cursor order. The cursor column must be
// monotonically increasing for rows to be picked up exactly once.
func (c *Connector) StreamRowsWithCheckpoint(ctx context.Context, ds connector.RemoteDataset, cfg connector.Config, raw json.RawMessage) *connector.CheckpointStream {
	cursor := cfg["cursor_column"]
	if cursor == "" {
		return connector.FailedStream(&connector.ConfigError{Connector: Key, Field: "cursor_column", Reason: "required for watermark syncs"})
	}

	var cp checkpoint
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&cp); err != nil {
			return connector.FailedStream(fmt.Errorf("decode sql checkpoint: %w", err))
		}
	}
	d, err := dialect(cfg["driver"])
	if err != nil {
		return connector.FailedStream(err)
	}
	var last any
	if cp.Cursor != nil {
		if last, err = bindValue(cp, d); err != nil {
			return connector.FailedStream(err)
		}
	}

	return connector.NewCheckpointStream(func(yield func(connector.Row) bool) (json.RawMessage, error) {
		var high *checkpoint
		done, err := query(ctx, cfg, func(d database.Dialect) (string, []any) {
			col := d.Quote(cursor)
			q := fmt.Sprintf("SELECT * FROM %s WHERE %s IS NOT NULL", d.Quote(ds.Identifier), col)
			var args []any
			if last != nil {
				q += fmt.Sprintf(" AND %s > ?", col)
				args = append(args, last)
			}
			return q + " ORDER BY " + col, args
		}, func(row connector.Row, r driverRow) bool {
			high = cursorOf(row, r, cursor)
			return yield(row)
		})
		if err != nil || !done {
			return nil, err
		}
		if high == nil {
			return raw, nil
		}
		logger.Log.Debug("Advanced sql watermark",
			zap.String("dataset", ds.Identifier),
			zap.Any("cursor", high.Cursor),
		)
		return json.Marshal(high)
	})
}

// cursorOf captures the cursor of a row, keeping track of date/time columns
// so the watermark can be bound back with its native type.
func cursorOf(row connector.Row, r driverRow, column string) *checkpoint {
	if t, ok := r.get(column).(time.Time); ok {
		return &checkpoint{Cursor: t.UTC().Format(time.RFC3339Nano), Kind: kindTime}
	}
	return &checkpoint{Cursor: row[column]}
}

// sqliteTimeLayout matches how SQLite stores DATETIME text, so watermarks
// compare correctly as strings.
const sqliteTimeLayout = "2006-01-02 15:04:05.999999999"

// bindValue turns a decoded checkpoint back into a driver argument.
func bindValue(cp checkpoint, d database.Dialect) (any, error) {
	if cp.Kind == kindTime {
		s, _ := cp.Cursor.(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("decode sql checkpoint time %q: %w", s, err)
		}
		if d.Name == database.SQLite.Name {
			return t.UTC().Format(sqliteTimeLayout), nil
		}
		return t, nil
	}
	n, ok := cp.Cursor.(json.Number)
	if !ok {
		return cp.Cursor, nil
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	if f, err := n.Float64(); err == nil {
		return f, nil
	}
	return n.String(), nil
}

func (c *Connector) InferSchema(ctx context.Context, ds connector.RemoteDataset, cfg connector.Config) (connector.RemoteSchema, error) {
	db, d, err := open(ctx, cfg)
	if err != nil {
		return connector.RemoteSchema{}, err
	}
	defer db.Close()

	var q string
	switch d.Name {
	case "mysql":
		q = `SELECT column_name, data_type, is_nullable = 'YES' FROM information_schema.columns
			WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`
	case "postgres":
		q = `SELECT column_name, data_type, is_nullable = 'YES' FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = ? ORDER BY ordinal_position`
	default:
		q = `SELECT name, type, "notnull" = 0 FROM pragma_table_info(?) ORDER BY cid`
	}

	rows, err := db.QueryContext(ctx, d.Rebind(q), ds.Identifier)
	if err != nil {
		return connector.RemoteSchema{}, fmt.Errorf("describe %s: %w", ds.Identifier, err)
	}
	defer rows.Close()

	var fields []connector.RemoteField
	for rows.Next() {
		var f connector.RemoteField
		if err := rows.Scan(&f.Name, &f.RemoteType, &f.Nullable); err != nil {
			return connector.RemoteSchema{}, err
		}
		f.SuggestedType = suggestType(f.RemoteType)
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return connector.RemoteSchema{}, err
	}
	if len(fields) == 0 {
		return connector.RemoteSchema{}, fmt.Errorf("table %s not found", ds.Identifier)
	}
	return connector.NewRemoteSchema(fields...)
}

func suggestType(remote string) string {
	t := strings.ToLower(remote)
	switch {
	case strings.Contains(t, "bool"), t == "tinyint(1)":
		return connector.TypeBoolean
	case strings.Contains(t, "int"):
		return connector.TypeInteger
	case strings.Contains(t, "dec"), strings.Contains(t, "numeric"), strings.Contains(t, "real"),
		strings.Contains(t, "floa"), strings.Contains(t, "doub"):
		return connector.TypeDecimal
	case strings.Contains(t, "date"), strings.Contains(t, "time"):
		return connector.TypeDatetime
	case strings.Contains(t, "json"):
		return connector.TypeJSON
	default:
		return connector.TypeString
	}
}

func (c *Connector) ListIdentities(ctx context.Context, ds connector.RemoteDataset, cfg connector.Config, columns []string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if len(columns) == 0 {
			yield("", &connector.ConfigError{Connector: Key, Reason: "identity columns required"})
			return
		}
		stopped := false
		_, err := query(ctx, cfg, func(d database.Dialect) (string, []any) {
			quoted := make([]string, len(columns))
			for i, col := range columns {
				quoted[i] = d.Quote(col)
			}
			return fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), d.Quote(ds.Identifier)), nil
		}, func(row connector.Row, _ driverRow) bool {
			if !yield(identity.FromRow(columns, row), nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield("", err)
		}
	}
}

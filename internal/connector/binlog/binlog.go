// Package binlog streams row changes from a MySQL binary log.
package binlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/mysql"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/identity"
	"extract-sync-service/internal/logger"
)

const Key = "mysql_binlog"

// errStopped is returned from OnRow to interrupt canal when the stream stops.
var errStopped = errors.New("binlog stream stopped")

// Connector replays inserts and updates recorded in the binlog. Datasets are
// "schema.table". A run starts at the stored position and stops once the
// master position observed at the start of the run has been reached.
type Connector struct{}

func New() *Connector {
	return &Connector{}
}

func (c *Connector) Key() string   { return Key }
func (c *Connector) Label() string { return "MySQL binlog" }

func (c *Connector) Fields() []connector.Field {
	return []connector.Field{
		{Name: "host", Label: "Host", Required: true},
		{Name: "port", Label: "Port", Default: "3306"},
		{Name: "user", Label: "Replication user", Required: true},
		{Name: "password", Label: "Password", Secret: true},
		{Name: "server_id", Label: "Replica server id", Default: "1001"},
		{Name: "flavor", Label: "Flavor (mysql, mariadb)", Default: "mysql"},
		{Name: "wait_timeout", Label: "Catch-up timeout", Default: "5m"},
	}
}

func dsn(cfg connector.Config) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/?parseTime=true", cfg["user"], cfg["password"], cfg["host"], cfg["port"])
}

func (c *Connector) Test(ctx context.Context, cfg connector.Config) error {
	db, err := sql.Open("mysql", dsn(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	var format, value string
	if err := db.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'binlog_format'").Scan(&format, &value); err != nil {
		return &connector.TransportError{Op: "connect", Err: err}
	}
	if !strings.EqualFold(value, "ROW") {
		return &connector.ConfigError{Connector: Key, Reason: "binlog_format must be ROW, got " + value}
	}
	return nil
}

func (c *Connector) Datasets(ctx context.Context, cfg connector.Config) ([]connector.RemoteDataset, error) {
	db, err := sql.Open("mysql", dsn(cfg))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT table_schema, table_name FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		AND table_schema NOT IN ('mysql', 'information_schema', 'performance_schema', 'sys')
		ORDER BY table_schema, table_name`)
	if err != nil {
		return nil, &connector.TransportError{Op: "list tables", Err: err}
	}
	defer rows.Close()

	var datasets []connector.RemoteDataset
	for rows.Next() {
		var schema, table string
		if err := rows.Scan(&schema, &table); err != nil {
			return nil, err
		}
		datasets = append(datasets, connector.RemoteDataset{
			Identifier: schema + "." + table,
			Label:      connector.DatasetLabel(table),
			Metadata:   map[string]any{"schema": schema},
		})
	}
	return datasets, rows.Err()
}

func splitDataset(identifier string) (string, string, error) {
	schema, table, ok := strings.Cut(identifier, ".")
	if !ok || schema == "" || table == "" {
		return "", "", &connector.ConfigError{Connector: Key, Reason: "dataset must be schema.table, got " + identifier}
	}
	return schema, table, nil
}

// Position is the stored checkpoint.
type Position struct {
	File string `json:"file"`
	Pos  uint32 `json:"pos"`
}

func decodePosition(raw json.RawMessage) (*mysql.Position, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p Position
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode binlog checkpoint: %w", err)
	}
	if p.File == "" {
		return nil, nil
	}
	return &mysql.Position{Name: p.File, Pos: p.Pos}, nil
}

func encodePosition(p mysql.Position) (json.RawMessage, error) {
	return json.Marshal(Position{File: p.Name, Pos: p.Pos})
}

func newCanal(cfg connector.Config, schema, table string) (*canal.Canal, error) {
	serverID, err := strconv.ParseUint(cfg["server_id"], 10, 32)
	if err != nil {
		return nil, &connector.ConfigError{Connector: Key, Field: "server_id", Reason: err.Error()}
	}
	cc := canal.NewDefaultConfig()
	cc.Addr = cfg["host"] + ":" + cfg["port"]
	cc.User = cfg["user"]
	cc.Password = cfg["password"]
	cc.Flavor = cfg["flavor"]
	cc.ServerID = uint32(serverID)
	cc.Dump.ExecutionPath = ""
	cc.IncludeTableRegex = []string{fmt.Sprintf(`^%s\.%s$`, regexp.QuoteMeta(schema), regexp.QuoteMeta(table))}
	return canal.NewCanal(cc)
}

// StreamRowsWithCheckpoint replays changes from the stored position. With no
// checkpoint the run starts at the current master position, so the first
// run only records where to start from.
func (c *Connector) StreamRowsWithCheckpoint(ctx context.Context, ds connector.RemoteDataset, cfg connector.Config, raw json.RawMessage) *connector.CheckpointStream {
	schema, table, err := splitDataset(ds.Identifier)
	if err != nil {
		return connector.FailedStream(err)
	}
	start, err := decodePosition(raw)
	if err != nil {
		return connector.FailedStream(err)
	}
	timeout, err := time.ParseDuration(cfg["wait_timeout"])
	if err != nil {
		return connector.FailedStream(&connector.ConfigError{Connector: Key, Field: "wait_timeout", Reason: err.Error()})
	}

	return connector.NewCheckpointStream(func(yield func(connector.Row) bool) (json.RawMessage, error) {
		cn, err := newCanal(cfg, schema, table)
		if err != nil {
			return nil, err
		}
		var once sync.Once
		closeCanal := func() { once.Do(cn.Close) }
		defer closeCanal()

		target, err := cn.GetMasterPos()
		if err != nil {
			return nil, &connector.TransportError{Op: "master position", Err: err}
		}
		if start == nil {
			logger.Log.Info("No binlog checkpoint, starting at master position",
				zap.String("dataset", ds.Identifier),
				zap.String("file", target.Name),
				zap.Uint32("pos", target.Pos),
			)
			return encodePosition(target)
		}
		if start.Compare(target) >= 0 {
			return raw, nil
		}
		return replay(ctx, cn, closeCanal, *start, target, timeout, yield)
	})
}

// replay runs the canal between start and target, handing rows to yield on
// the calling goroutine.
func replay(ctx context.Context, cn *canal.Canal, closeCanal func(), start, target mysql.Position, timeout time.Duration, yield func(connector.Row) bool) (json.RawMessage, error) {
	stop := make(chan struct{})
	rows := make(chan connector.Row, 256)
	cn.SetEventHandler(&rowHandler{rows: rows, stop: stop})

	runErr := make(chan error, 1)
	go func() { runErr <- cn.RunFrom(start) }()

	caughtUp := make(chan error, 1)
	go func() { caughtUp <- cn.WaitUntilPos(target, timeout) }()

	finish := func() {
		close(stop)
		closeCanal()
	}

	for {
		select {
		case <-ctx.Done():
			finish()
			return nil, ctx.Err()
		case err := <-runErr:
			finish()
			if err == nil || errors.Is(err, context.Canceled) {
				err = errors.New("binlog stream closed before reaching target position")
			}
			return nil, &connector.TransportError{Op: "binlog replay", Err: err}
		case row := <-rows:
			if !yield(row) {
				finish()
				return nil, nil
			}
		case err := <-caughtUp:
			if err != nil {
				finish()
				return nil, &connector.TransportError{Op: "wait for binlog position", Err: err}
			}
			synced := cn.SyncedPosition()
			// Rows buffered before the target was reached still belong to
			// this run.
		drain:
			for {
				select {
				case row := <-rows:
					if !yield(row) {
						finish()
						return nil, nil
					}
				default:
					break drain
				}
			}
			finish()
			return encodePosition(synced)
		}
	}
}

type rowHandler struct {
	canal.DummyEventHandler
	rows chan<- connector.Row
	stop <-chan struct{}
}

func (h *rowHandler) OnRow(e *canal.RowsEvent) error {
	for _, row := range changedRows(e) {
		select {
		case h.rows <- row:
		case <-h.stop:
			return errStopped
		}
	}
	return nil
}

func (h *rowHandler) String() string {
	return "BinlogRowHandler"
}

// changedRows returns the after-images of inserted and updated rows. Update
// events carry before and after images in alternating order.
func changedRows(e *canal.RowsEvent) []connector.Row {
	var images [][]interface{}
	switch e.Action {
	case canal.InsertAction:
		images = e.Rows
	case canal.UpdateAction:
		for i := 1; i < len(e.Rows); i += 2 {
			images = append(images, e.Rows[i])
		}
	default:
		logger.Log.Debug("Ignoring binlog event",
			zap.String("action", e.Action),
			zap.String("table", e.Table.Name),
		)
		return nil
	}

	out := make([]connector.Row, 0, len(images))
	for _, values := range images {
		row := make(connector.Row, len(e.Table.Columns))
		for i, col := range e.Table.Columns {
			if i < len(values) {
				row[col.Name] = identity.Normalize(values[i])
			} else {
				row[col.Name] = nil
			}
		}
		out = append(out, row)
	}
	return out
}

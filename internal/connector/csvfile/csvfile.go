// Package csvfile reads datasets from CSV files in a local directory.
package csvfile

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/identity"
)

const Key = "csv"

type Connector struct{}

func New() *Connector {
	return &Connector{}
}

func (c *Connector) Key() string   { return Key }
func (c *Connector) Label() string { return "CSV files" }

func (c *Connector) Fields() []connector.Field {
	return []connector.Field{
		{Name: "directory", Label: "Directory", Required: true},
		{Name: "delimiter", Label: "Delimiter", Default: ","},
		{Name: "sample_size", Label: "Schema sample size", Default: "100"},
	}
}

func (c *Connector) Test(ctx context.Context, cfg connector.Config) error {
	info, err := os.Stat(cfg["directory"])
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", cfg["directory"])
	}
	return nil
}

func (c *Connector) Datasets(ctx context.Context, cfg connector.Config) ([]connector.RemoteDataset, error) {
	matches, err := filepath.Glob(filepath.Join(cfg["directory"], "*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	datasets := make([]connector.RemoteDataset, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(m)
		datasets = append(datasets, connector.RemoteDataset{
			Identifier: name,
			Label:      connector.DatasetLabel(name),
			Metadata:   map[string]any{"path": m, "size_bytes": info.Size()},
		})
	}
	return datasets, nil
}

func (c *Connector) path(ds connector.RemoteDataset, cfg connector.Config) (string, error) {
	if ds.Identifier == "" || filepath.Base(ds.Identifier) != ds.Identifier {
		return "", &connector.ConfigError{Connector: Key, Reason: "invalid dataset " + ds.Identifier}
	}
	return filepath.Join(cfg["directory"], ds.Identifier), nil
}

func delimiter(cfg connector.Config) (rune, error) {
	d := cfg["delimiter"]
	if d == "" {
		return ',', nil
	}
	if d == `\t` {
		return '\t', nil
	}
	r := []rune(d)
	if len(r) != 1 {
		return 0, &connector.ConfigError{Connector: Key, Field: "delimiter", Reason: "must be a single character"}
	}
	return r[0], nil
}

// read emits rows in file order, skipping the first skip data rows, and
// returns the number of data rows in the file.
func (c *Connector) read(ctx context.Context, ds connector.RemoteDataset, cfg connector.Config, skip int, yield func(connector.Row) bool) (int, bool, error) {
	p, err := c.path(ds, cfg)
	if err != nil {
		return 0, false, err
	}
	delim, err := delimiter(cfg)
	if err != nil {
		return 0, false, err
	}

	f, err := os.Open(p)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = delim
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read header of %s: %w", ds.Identifier, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, false, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return n, true, nil
		}
		if err != nil {
			return n, false, fmt.Errorf("read %s line %d: %w", ds.Identifier, n+2, err)
		}
		n++
		if n <= skip {
			continue
		}
		// Blank cells are nulls, matching how InferSchema types the column.
		row := make(connector.Row, len(header))
		for i, h := range header {
			if i < len(rec) && strings.TrimSpace(rec[i]) != "" {
				row[h] = rec[i]
			} else {
				row[h] = nil
			}
		}
		if !yield(row) {
			return n, false, nil
		}
	}
}

func (c *Connector) StreamRows(ctx context.Context, ds connector.RemoteDataset, cfg connector.Config) iter.Seq2[connector.Row, error] {
	return connector.Seq(func(yield func(connector.Row) bool) (json.RawMessage, error) {
		_, _, err := c.read(ctx, ds, cfg, 0, yield)
		return nil, err
	})
}

type checkpoint struct {
	Offset int `json:"offset"`
}

// StreamRowsWithCheckpoint treats the file as append-only: the checkpoint is
// the number of data rows already delivered. A file that shrank below the
// checkpoint is read again from the start.
func (c *Connector) StreamRowsWithCheckpoint(ctx context.Context, ds connector.RemoteDataset, cfg connector.Config, raw json.RawMessage) *connector.CheckpointStream {
	var cp checkpoint
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cp); err != nil {
			return connector.FailedStream(fmt.Errorf("decode csv checkpoint: %w", err))
		}
	}
	return connector.NewCheckpointStream(func(yield func(connector.Row) bool) (json.RawMessage, error) {
		total, done, err := c.read(ctx, ds, cfg, cp.Offset, yield)
		if err != nil || !done {
			return nil, err
		}
		if total < cp.Offset {
			if _, _, err := c.read(ctx, ds, cfg, 0, yield); err != nil {
				return nil, err
			}
		}
		return json.Marshal(checkpoint{Offset: total})
	})
}

func (c *Connector) InferSchema(ctx context.Context, ds connector.RemoteDataset, cfg connector.Config) (connector.RemoteSchema, error) {
	sample, err := strconv.Atoi(cfg["sample_size"])
	if err != nil || sample <= 0 {
		sample = 100
	}

	p, err := c.path(ds, cfg)
	if err != nil {
		return connector.RemoteSchema{}, err
	}
	delim, err := delimiter(cfg)
	if err != nil {
		return connector.RemoteSchema{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		return connector.RemoteSchema{}, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = delim
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return connector.RemoteSchema{}, fmt.Errorf("read header of %s: %w", ds.Identifier, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	columns := make([][]string, len(header))
	for i := 0; i < sample; i++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return connector.RemoteSchema{}, err
		}
		for j := range header {
			v := ""
			if j < len(rec) {
				v = rec[j]
			}
			columns[j] = append(columns[j], v)
		}
	}

	fields := make([]connector.RemoteField, len(header))
	for i, h := range header {
		suggested, nullable := inferType(columns[i])
		fields[i] = connector.RemoteField{Name: h, RemoteType: "csv", Nullable: nullable, SuggestedType: suggested}
	}
	return connector.NewRemoteSchema(fields...)
}

// inferType picks the narrowest type that every non-empty value parses as.
func inferType(values []string) (string, bool) {
	nullable := false
	isInt, isFloat, isBool, isTime := true, true, true, true
	seen := 0
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			nullable = true
			continue
		}
		seen++
		padded := len(v) > 1 && v[0] == '0' && v[1] != '.'
		if _, err := strconv.ParseInt(v, 10, 64); err != nil || padded {
			isInt = false
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil || padded {
			isFloat = false
		}
		if _, err := strconv.ParseBool(v); err != nil || isNumeric(v) {
			isBool = false
		}
		if !parsesAsTime(v) {
			isTime = false
		}
	}
	switch {
	case seen == 0:
		return connector.TypeString, true
	case isInt:
		return connector.TypeInteger, nullable
	case isFloat:
		return connector.TypeDecimal, nullable
	case isBool:
		return connector.TypeBoolean, nullable
	case isTime:
		return connector.TypeDatetime, nullable
	default:
		return connector.TypeString, nullable
	}
}

func isNumeric(v string) bool {
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

func parsesAsTime(v string) bool {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}

func (c *Connector) ListIdentities(ctx context.Context, ds connector.RemoteDataset, cfg connector.Config, columns []string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for row, err := range c.StreamRows(ctx, ds, cfg) {
			if err != nil {
				yield("", err)
				return
			}
			if !yield(identity.FromRow(columns, row), nil) {
				return
			}
		}
	}
}

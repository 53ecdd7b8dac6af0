// Package sync runs sync profiles: it streams a connector's rows into the
// profile's local table and records the outcome as a SyncRun.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"extract-sync-service/internal/config"
	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/identity"
	"extract-sync-service/internal/logger"
	"extract-sync-service/internal/store"
)

// ErrRunInProgress is returned when the profile already has a running sync.
var ErrRunInProgress = store.ErrRunInProgress

type Engine struct {
	store       store.Store
	connectors  *connector.Registry
	cfg         config.SyncConfig
	credentials map[string]map[string]string
	sink        Sink

	mu      sync.Mutex
	running map[int64]bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithSink sets the receiver of lifecycle events.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithCredentials sets per-connector configuration merged under each
// source's own configuration.
func WithCredentials(creds map[string]map[string]string) Option {
	return func(e *Engine) { e.credentials = creds }
}

func NewEngine(st store.Store, connectors *connector.Registry, cfg config.SyncConfig, opts ...Option) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = config.DefaultChunkSize
	}
	e := &Engine{
		store:      st,
		connectors: connectors,
		cfg:        cfg,
		sink:       SinkFunc(func(Event) {}),
		running:    make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) lock(profileID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[profileID] {
		return false
	}
	e.running[profileID] = true
	return true
}

func (e *Engine) unlock(profileID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, profileID)
}

func (e *Engine) emit(t EventType, profile *store.SyncProfile, run *store.SyncRun, err error) {
	var snapshot *store.SyncRun
	if run != nil {
		cp := *run
		snapshot = &cp
	}
	e.sink.Handle(Event{Type: t, Profile: profile, Run: snapshot, Err: err, OccurredAt: time.Now()})
}

// RunSync executes one sync of the profile and returns its finished run. A
// run that fails after starting is returned together with the error. A
// second trigger while a run is active fails with ErrRunInProgress, creates
// no run and emits no event.
func (e *Engine) RunSync(ctx context.Context, profileID int64) (*store.SyncRun, error) {
	if !e.lock(profileID) {
		return nil, fmt.Errorf("profile %d: %w", profileID, ErrRunInProgress)
	}
	defer e.unlock(profileID)

	profile, err := e.store.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}

	run, err := e.store.StartRun(ctx, profileID)
	if err != nil {
		return nil, err
	}
	e.emit(SyncStarting, profile, run, nil)
	logger.Log.Info("Started sync run",
		zap.Int64("profile_id", profileID),
		zap.String("run_id", run.ID),
		zap.String("strategy", string(profile.Strategy)),
	)

	runErr := e.execute(ctx, profile, run)

	// The run must reach a terminal state even when ctx was cancelled.
	finishCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		run.Status = store.RunFailed
		run.ErrorMessage = sql.NullString{String: runErr.Error(), Valid: true}
	} else {
		run.Status = store.RunSuccess
	}
	if err := e.store.FinishRun(finishCtx, run); err != nil {
		logger.Log.Error("Failed to finish sync run", zap.String("run_id", run.ID), zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		e.emit(SyncFailed, profile, run, runErr)
		return run, runErr
	}
	e.emit(SyncSucceeded, profile, run, nil)
	return run, nil
}

func (e *Engine) connectorConfig(source *store.ExtractSource) connector.Config {
	cfg := connector.Config{}
	for k, v := range e.credentials[source.ConnectorKey] {
		cfg[k] = v
	}
	for k, v := range source.Config {
		cfg[k] = v
	}
	return cfg
}

func (e *Engine) execute(ctx context.Context, profile *store.SyncProfile, run *store.SyncRun) error {
	conn, cfg, err := e.openSource(ctx, profile.SourceID)
	if err != nil {
		return err
	}
	ds, err := connector.FindDataset(ctx, conn, cfg, profile.DatasetIdentifier)
	if err != nil {
		return err
	}

	tgt, err := e.resolveTarget(ctx, conn, ds, cfg, profile)
	if err != nil {
		return err
	}

	w := &batchWriter{engine: e, profile: profile, run: run, target: tgt}

	switch profile.Strategy {
	case store.StrategyWatermark:
		s, err := connector.CheckpointStreamer(conn)
		if err != nil {
			return err
		}
		checkpoint := profile.Checkpoint
		if tgt.fresh && checkpoint != nil {
			// A new schema version starts with an empty table.
			logger.Log.Info("Resetting checkpoint for new schema version", zap.Int64("profile_id", profile.ID))
			checkpoint = nil
		}
		stream := s.StreamRowsWithCheckpoint(ctx, ds, cfg, checkpoint)
		if err := w.consume(ctx, stream.Rows()); err != nil {
			return err
		}
		next, err := stream.Checkpoint()
		if err != nil {
			return err
		}
		return w.flush(ctx, true, next)

	case store.StrategyFullRefresh:
		s, err := connector.Streamer(conn)
		if err != nil {
			return err
		}
		if err := w.consume(ctx, s.StreamRows(ctx, ds, cfg)); err != nil {
			return err
		}
		return w.flush(ctx, false, nil)

	default:
		return fmt.Errorf("profile %d: unknown strategy %q", profile.ID, profile.Strategy)
	}
}

type pendingRow struct {
	identity string
	hash     string
	row      connector.Row
	// keyed is false for rows without a usable identity.
	keyed bool
}

// batchWriter groups rows into chunk-sized transactions. The run's counters
// only ever reflect committed batches.
type batchWriter struct {
	engine  *Engine
	profile *store.SyncProfile
	run     *store.SyncRun
	target  *target
	pending []pendingRow
}

func (w *batchWriter) consume(ctx context.Context, rows iter.Seq2[connector.Row, error]) error {
	for row, err := range rows {
		if err != nil {
			return err
		}
		id := identity.FromRow(w.profile.IdentityColumns, row)
		p := pendingRow{identity: id, hash: identity.RowHash(row), row: row, keyed: id != ""}
		if !p.keyed {
			p.identity = uuid.NewString()
		}
		w.pending = append(w.pending, p)

		if len(w.pending) >= w.engine.cfg.ChunkSize {
			if err := w.flush(ctx, false, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush commits pending rows in one transaction. When saveCheckpoint is set
// the checkpoint is written in the same transaction, after every earlier
// batch has already committed.
func (w *batchWriter) flush(ctx context.Context, saveCheckpoint bool, checkpoint json.RawMessage) error {
	if len(w.pending) == 0 && !saveCheckpoint {
		return nil
	}
	tables := w.engine.store.Tables()
	if err := tables.EnsureTable(ctx, w.target.table, w.columns()); err != nil {
		return err
	}

	progress := *w.run
	err := w.engine.store.WriteBatch(ctx, func(bw store.BatchWriter) error {
		ids := make([]string, 0, len(w.pending))
		for _, p := range w.pending {
			if p.keyed {
				ids = append(ids, p.identity)
			}
		}
		stored, err := bw.StoredHashes(w.target.table, ids)
		if err != nil {
			return err
		}

		for _, p := range w.pending {
			progress.RowsProcessed++
			prev, exists := stored[p.identity]
			switch {
			case exists && prev == p.hash:
				progress.RowsUnchanged++
				continue
			case exists:
				progress.RowsUpdated++
			default:
				progress.RowsAdded++
			}
			if err := bw.UpsertRow(w.target.table, p.identity, p.hash, p.row); err != nil {
				return err
			}
			if p.keyed {
				stored[p.identity] = p.hash
			}
		}

		if saveCheckpoint {
			if err := bw.SaveCheckpoint(w.profile.ID, checkpoint); err != nil {
				return err
			}
		}
		return bw.SaveRunProgress(&progress)
	})
	if err != nil {
		return fmt.Errorf("write batch to %s: %w", w.target.table, err)
	}

	logger.Log.Debug("Committed batch",
		zap.String("run_id", w.run.ID),
		zap.String("table", w.target.table),
		zap.Int("rows", len(w.pending)),
	)
	w.run.RowsProcessed = progress.RowsProcessed
	w.run.RowsAdded = progress.RowsAdded
	w.run.RowsUpdated = progress.RowsUpdated
	w.run.RowsUnchanged = progress.RowsUnchanged
	w.pending = w.pending[:0]
	return nil
}

// columns lists the columns the pending rows need, typed from the inferred
// schema when there is one.
func (w *batchWriter) columns() []store.Column {
	if w.target.schema != nil {
		cols := schemaColumns(*w.target.schema)
		known := make(map[string]bool, len(cols))
		for _, c := range cols {
			known[c.Name] = true
		}
		var extra []string
		for _, p := range w.pending {
			for k := range p.row {
				if !known[k] {
					known[k] = true
					extra = append(extra, k)
				}
			}
		}
		sort.Strings(extra)
		for _, k := range extra {
			cols = append(cols, store.Column{Name: k, LocalType: connector.TypeString})
		}
		return cols
	}

	// The first non-null value of a column decides its type.
	types := map[string]string{}
	typed := map[string]bool{}
	for _, p := range w.pending {
		for k, v := range p.row {
			if typed[k] {
				continue
			}
			if v == nil {
				types[k] = connector.TypeString
				continue
			}
			types[k] = localType(v)
			typed[k] = true
		}
	}
	names := make([]string, 0, len(types))
	for k := range types {
		names = append(names, k)
	}
	sort.Strings(names)

	cols := make([]store.Column, len(names))
	for i, k := range names {
		cols[i] = store.Column{Name: k, LocalType: types[k]}
	}
	return cols
}

// IsRunInProgress reports whether err is a concurrency conflict.
func IsRunInProgress(err error) bool {
	return errors.Is(err, ErrRunInProgress)
}

package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrRunInProgress is returned when a profile already has a running SyncRun.
	ErrRunInProgress = errors.New("run already in progress")
)

type Store interface {
	// Sources
	CreateSource(ctx context.Context, source *ExtractSource) error
	GetSource(ctx context.Context, id int64) (*ExtractSource, error)
	ListSources(ctx context.Context) ([]*ExtractSource, error)

	// Sync profiles
	CreateProfile(ctx context.Context, profile *SyncProfile) error
	GetProfile(ctx context.Context, id int64) (*SyncProfile, error)
	ListProfiles(ctx context.Context, sourceID int64) ([]*SyncProfile, error)

	// Runs
	StartRun(ctx context.Context, profileID int64) (*SyncRun, error)
	FinishRun(ctx context.Context, run *SyncRun) error
	FailInterruptedRuns(ctx context.Context) (int64, error)
	GetRun(ctx context.Context, id string) (*SyncRun, error)
	ListRuns(ctx context.Context, profileID int64, limit int) ([]*SyncRun, error)

	// Schema versions
	LatestSchemaVersion(ctx context.Context, profileID int64) (*SchemaVersion, error)
	CreateSchemaVersion(ctx context.Context, version *SchemaVersion) error

	// Enrichment
	CreateEnrichmentProfile(ctx context.Context, profile *EnrichmentProfile) error
	GetEnrichmentProfile(ctx context.Context, id int64) (*EnrichmentProfile, error)

	// Corrections
	CreateCorrection(ctx context.Context, c *Correction) error
	ListCorrections(ctx context.Context, tableName string) ([]*Correction, error)

	// Audits
	SaveAudit(ctx context.Context, run *AuditRun, violations []*Violation) error
	ListViolations(ctx context.Context, auditRunID string) ([]*Violation, error)

	// Local tables
	Tables() Tables

	// WriteBatch runs fn in a single transaction, so rows, counters and
	// checkpoint either all commit or none do.
	WriteBatch(ctx context.Context, fn func(w BatchWriter) error) error

	// General
	Close() error
}

// Column describes a column of a managed local table.
type Column struct {
	Name      string
	LocalType string
}

// Tables exposes the table-level primitives used by the engine.
type Tables interface {
	TableExists(ctx context.Context, table string) (bool, error)
	Columns(ctx context.Context, table string) ([]string, error)
	// EnsureTable creates a managed table (identity key, row hash, columns)
	// if absent and adds any missing columns.
	EnsureTable(ctx context.Context, table string, columns []Column) error
	// ScanRows streams every row of table to fn. fn must not write to the store.
	ScanRows(ctx context.Context, table string, fn func(row map[string]any) error) error
	// MissingIdentities returns distinct non-null values of sourceColumn that
	// are not present as identities in the managed table dest.
	MissingIdentities(ctx context.Context, sourceTable, sourceColumn, dest string) ([]string, error)
	// CountDistinct counts distinct non-null, non-empty values of column.
	CountDistinct(ctx context.Context, table, column string) (int64, error)
	UpsertRow(ctx context.Context, table, identity, rowHash string, row map[string]any) error
	// Mirror replaces the contents of dest with a copy of source, creating
	// dest with source's columns if absent. Returns the rows copied.
	Mirror(ctx context.Context, source, dest string) (int64, error)
	// UpdateWhere sets column = value on rows of table matching every key value.
	UpdateWhere(ctx context.Context, table string, keys map[string]any, column string, value any) (int64, error)
}

// BatchWriter is the transactional view handed to WriteBatch callbacks.
type BatchWriter interface {
	StoredHashes(table string, identities []string) (map[string]string, error)
	UpsertRow(table, identity, rowHash string, row map[string]any) error
	SaveCheckpoint(profileID int64, checkpoint json.RawMessage) error
	SaveRunProgress(run *SyncRun) error
}

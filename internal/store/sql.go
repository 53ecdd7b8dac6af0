package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"extract-sync-service/internal/database"
)

type SQLStore struct {
	db     *database.Database
	tables *sqlTables
}

// NewSQLStore applies the entity schema and returns a store over db.
func NewSQLStore(db *database.Database) (*SQLStore, error) {
	for _, stmt := range schemaStatements(db.Dialect) {
		if _, err := db.DB.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return &SQLStore{db: db, tables: &sqlTables{db: db}}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Tables() Tables {
	return s.tables
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

// insertID runs an INSERT and returns the generated id.
func (s *SQLStore) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	if s.db.Dialect.Name == "postgres" {
		var id int64
		err := s.db.DB.QueryRowContext(ctx, s.q(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := s.db.DB.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func encodeMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func decodeMap(raw string) (map[string]string, error) {
	m := map[string]string{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLStore) CreateSource(ctx context.Context, source *ExtractSource) error {
	cfg, err := encodeMap(source.Config)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	source.CreatedAt = database.Now()
	id, err := s.insertID(ctx, `INSERT INTO extract_sources (name, connector_key, config, created_at) VALUES (?, ?, ?, ?)`,
		source.Name, source.ConnectorKey, cfg, source.CreatedAt)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	source.ID = id
	return nil
}

func (s *SQLStore) GetSource(ctx context.Context, id int64) (*ExtractSource, error) {
	row := s.db.DB.QueryRowContext(ctx, s.q(`SELECT id, name, connector_key, config, created_at FROM extract_sources WHERE id = ?`), id)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("extract source %d: %w", id, ErrNotFound)
	}
	return src, err
}

func (s *SQLStore) ListSources(ctx context.Context) ([]*ExtractSource, error) {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT id, name, connector_key, config, created_at FROM extract_sources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*ExtractSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (*ExtractSource, error) {
	var src ExtractSource
	var cfg string
	if err := row.Scan(&src.ID, &src.Name, &src.ConnectorKey, &cfg, &src.CreatedAt); err != nil {
		return nil, err
	}
	m, err := decodeMap(cfg)
	if err != nil {
		return nil, fmt.Errorf("decode source config: %w", err)
	}
	src.Config = m
	return &src, nil
}

func (s *SQLStore) CreateProfile(ctx context.Context, p *SyncProfile) error {
	if !p.Strategy.Valid() {
		return fmt.Errorf("create profile: invalid strategy %q", p.Strategy)
	}
	if IsStateTable(p.LocalTable) {
		return fmt.Errorf("create profile: local table %s: %w", p.LocalTable, ErrProtectedTable)
	}
	cols, err := json.Marshal(p.IdentityColumns)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	p.CreatedAt = database.Now()
	id, err := s.insertID(ctx, `INSERT INTO sync_profiles (source_id, dataset_identifier, strategy, local_table, identity_columns, checkpoint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.SourceID, p.DatasetIdentifier, string(p.Strategy), p.LocalTable, string(cols), nullJSON(p.Checkpoint), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	p.ID = id
	return nil
}

const profileColumns = `id, source_id, dataset_identifier, strategy, local_table, identity_columns, checkpoint, created_at`

func (s *SQLStore) GetProfile(ctx context.Context, id int64) (*SyncProfile, error) {
	row := s.db.DB.QueryRowContext(ctx, s.q(`SELECT `+profileColumns+` FROM sync_profiles WHERE id = ?`), id)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sync profile %d: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *SQLStore) ListProfiles(ctx context.Context, sourceID int64) ([]*SyncProfile, error) {
	rows, err := s.db.DB.QueryContext(ctx, s.q(`SELECT `+profileColumns+` FROM sync_profiles WHERE source_id = ? ORDER BY id`), sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*SyncProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func scanProfile(row scanner) (*SyncProfile, error) {
	var p SyncProfile
	var strategy, cols string
	var checkpoint sql.NullString
	if err := row.Scan(&p.ID, &p.SourceID, &p.DatasetIdentifier, &strategy, &p.LocalTable, &cols, &checkpoint, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Strategy = Strategy(strategy)
	if err := json.Unmarshal([]byte(cols), &p.IdentityColumns); err != nil {
		return nil, fmt.Errorf("decode identity columns: %w", err)
	}
	if checkpoint.Valid {
		p.Checkpoint = json.RawMessage(checkpoint.String)
	}
	return &p, nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// StartRun records a running SyncRun. The check for an existing running run
// and the insert happen in one transaction; on MySQL and Postgres the profile
// row is locked for the duration.
func (s *SQLStore) StartRun(ctx context.Context, profileID int64) (*SyncRun, error) {
	run := &SyncRun{
		ID:        uuid.New().String(),
		ProfileID: profileID,
		Status:    RunRunning,
		StartedAt: database.Now(),
	}

	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		lock := `SELECT id FROM sync_profiles WHERE id = ?`
		if s.db.Dialect.Name != "sqlite3" {
			lock += " FOR UPDATE"
		}
		var id int64
		if err := tx.QueryRowContext(ctx, s.q(lock), profileID).Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("sync profile %d: %w", profileID, ErrNotFound)
			}
			return err
		}

		var running int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM sync_runs WHERE profile_id = ? AND status = ?`),
			profileID, string(RunRunning)).Scan(&running); err != nil {
			return err
		}
		if running > 0 {
			return ErrRunInProgress
		}

		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO sync_runs (id, profile_id, status, started_at) VALUES (?, ?, ?, ?)`),
			run.ID, run.ProfileID, string(run.Status), run.StartedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// FinishRun moves a running run into its terminal state. A run that already
// left the running state is not touched again.
func (s *SQLStore) FinishRun(ctx context.Context, run *SyncRun) error {
	if run.Status == RunRunning {
		return fmt.Errorf("finish run %s: status must be terminal", run.ID)
	}
	if !run.FinishedAt.Valid {
		run.FinishedAt = sql.NullTime{Time: database.Now(), Valid: true}
	}
	res, err := s.db.DB.ExecContext(ctx, s.q(`UPDATE sync_runs SET status = ?, finished_at = ?, rows_processed = ?, rows_added = ?,
		rows_updated = ?, rows_unchanged = ?, error_message = ? WHERE id = ? AND status = ?`),
		string(run.Status), run.FinishedAt, run.RowsProcessed, run.RowsAdded, run.RowsUpdated, run.RowsUnchanged,
		run.ErrorMessage, run.ID, string(RunRunning))
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// InterruptedMessage is recorded on runs that were still running when the
// process that owned them went away.
const InterruptedMessage = "interrupted"

// FailInterruptedRuns fails every run left in the running state. Only call it
// when no other process can be executing syncs against this store.
func (s *SQLStore) FailInterruptedRuns(ctx context.Context) (int64, error) {
	res, err := s.db.DB.ExecContext(ctx, s.q(`UPDATE sync_runs SET status = ?, finished_at = ?, error_message = ? WHERE status = ?`),
		string(RunFailed), database.Now(), InterruptedMessage, string(RunRunning))
	if err != nil {
		return 0, fmt.Errorf("fail interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

const runColumns = `id, profile_id, status, started_at, finished_at, rows_processed, rows_added, rows_updated, rows_unchanged, error_message`

func (s *SQLStore) GetRun(ctx context.Context, id string) (*SyncRun, error) {
	row := s.db.DB.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM sync_runs WHERE id = ?`), id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sync run %s: %w", id, ErrNotFound)
	}
	return r, err
}

func (s *SQLStore) ListRuns(ctx context.Context, profileID int64, limit int) ([]*SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.DB.QueryContext(ctx, s.q(`SELECT `+runColumns+` FROM sync_runs WHERE profile_id = ? ORDER BY started_at DESC LIMIT ?`),
		profileID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*SyncRun, error) {
	var r SyncRun
	var status string
	err := row.Scan(&r.ID, &r.ProfileID, &status, &r.StartedAt, &r.FinishedAt,
		&r.RowsProcessed, &r.RowsAdded, &r.RowsUpdated, &r.RowsUnchanged, &r.ErrorMessage)
	if err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	return &r, nil
}

// LatestSchemaVersion returns nil when the profile has no recorded version.
func (s *SQLStore) LatestSchemaVersion(ctx context.Context, profileID int64) (*SchemaVersion, error) {
	var v SchemaVersion
	err := s.db.DB.QueryRowContext(ctx, s.q(`SELECT id, profile_id, version_number, local_table_name, source_schema_hash, created_at
		FROM schema_versions WHERE profile_id = ? ORDER BY version_number DESC LIMIT 1`), profileID).
		Scan(&v.ID, &v.ProfileID, &v.VersionNumber, &v.LocalTableName, &v.SourceSchemaHash, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLStore) CreateSchemaVersion(ctx context.Context, v *SchemaVersion) error {
	v.CreatedAt = database.Now()
	id, err := s.insertID(ctx, `INSERT INTO schema_versions (profile_id, version_number, local_table_name, source_schema_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`, v.ProfileID, v.VersionNumber, v.LocalTableName, v.SourceSchemaHash, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("create schema version: %w", err)
	}
	v.ID = id
	return nil
}

func (s *SQLStore) CreateEnrichmentProfile(ctx context.Context, p *EnrichmentProfile) error {
	cfg, err := encodeMap(p.Config)
	if err != nil {
		return fmt.Errorf("create enrichment profile: %w", err)
	}
	p.CreatedAt = database.Now()
	id, err := s.insertID(ctx, `INSERT INTO enrichment_profiles (name, provider_key, source_table, source_column, destination_table, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.ProviderKey, p.SourceTable, p.SourceColumn, p.DestinationTable, cfg, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create enrichment profile: %w", err)
	}
	p.ID = id
	return nil
}

func (s *SQLStore) GetEnrichmentProfile(ctx context.Context, id int64) (*EnrichmentProfile, error) {
	var p EnrichmentProfile
	var cfg string
	err := s.db.DB.QueryRowContext(ctx, s.q(`SELECT id, name, provider_key, source_table, source_column, destination_table, config, created_at
		FROM enrichment_profiles WHERE id = ?`), id).
		Scan(&p.ID, &p.Name, &p.ProviderKey, &p.SourceTable, &p.SourceColumn, &p.DestinationTable, &cfg, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("enrichment profile %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if p.Config, err = decodeMap(cfg); err != nil {
		return nil, fmt.Errorf("decode enrichment config: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) CreateCorrection(ctx context.Context, c *Correction) error {
	c.CreatedAt = database.Now()
	id, err := s.insertID(ctx, `INSERT INTO corrections (table_name, row_identifier, column_name, new_value, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, c.TableName, c.RowIdentifier, c.ColumnName, c.NewValue, c.Reason, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create correction: %w", err)
	}
	c.ID = id
	return nil
}

// ListCorrections returns corrections for a table in creation order, so a
// later correction of the same cell wins when applied in sequence.
func (s *SQLStore) ListCorrections(ctx context.Context, tableName string) ([]*Correction, error) {
	rows, err := s.db.DB.QueryContext(ctx, s.q(`SELECT id, table_name, row_identifier, column_name, new_value, reason, created_at
		FROM corrections WHERE table_name = ? ORDER BY id`), tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Correction
	for rows.Next() {
		var c Correction
		if err := rows.Scan(&c.ID, &c.TableName, &c.RowIdentifier, &c.ColumnName, &c.NewValue, &c.Reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveAudit(ctx context.Context, run *AuditRun, violations []*Violation) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.CreatedAt = database.Now()
	run.ViolationCount = len(violations)

	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO audit_runs (id, table_name, identifier_column, violation_count, created_at)
			VALUES (?, ?, ?, ?, ?)`), run.ID, run.TableName, run.IdentifierColumn, run.ViolationCount, run.CreatedAt)
		if err != nil {
			return fmt.Errorf("save audit run: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO audit_violations (id, audit_run_id, row_identifier, column_name, rule_type, message)
			VALUES (?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, v := range violations {
			if v.ID == "" {
				v.ID = uuid.New().String()
			}
			v.AuditRunID = run.ID
			if _, err := stmt.ExecContext(ctx, v.ID, v.AuditRunID, v.RowIdentifier, v.ColumnName, v.RuleType, v.Message); err != nil {
				return fmt.Errorf("save violation: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) ListViolations(ctx context.Context, auditRunID string) ([]*Violation, error) {
	rows, err := s.db.DB.QueryContext(ctx, s.q(`SELECT id, audit_run_id, row_identifier, column_name, rule_type, message
		FROM audit_violations WHERE audit_run_id = ? ORDER BY row_identifier, column_name`), auditRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Violation
	for rows.Next() {
		var v Violation
		if err := rows.Scan(&v.ID, &v.AuditRunID, &v.RowIdentifier, &v.ColumnName, &v.RuleType, &v.Message); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *SQLStore) WriteBatch(ctx context.Context, fn func(w BatchWriter) error) error {
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		return fn(&txWriter{ctx: ctx, tx: tx, db: s.db})
	})
}

type txWriter struct {
	ctx context.Context
	tx  *sql.Tx
	db  *database.Database
}

func (w *txWriter) StoredHashes(table string, identities []string) (map[string]string, error) {
	return storedHashes(w.ctx, w.tx, w.db.Dialect, table, identities)
}

func (w *txWriter) UpsertRow(table, identity, rowHash string, row map[string]any) error {
	return upsertRow(w.ctx, w.tx, w.db.Dialect, table, identity, rowHash, row)
}

func (w *txWriter) SaveCheckpoint(profileID int64, checkpoint json.RawMessage) error {
	_, err := w.tx.ExecContext(w.ctx, w.db.Rebind(`UPDATE sync_profiles SET checkpoint = ? WHERE id = ?`),
		nullJSON(checkpoint), profileID)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (w *txWriter) SaveRunProgress(run *SyncRun) error {
	_, err := w.tx.ExecContext(w.ctx, w.db.Rebind(`UPDATE sync_runs SET rows_processed = ?, rows_added = ?, rows_updated = ?, rows_unchanged = ?
		WHERE id = ?`), run.RowsProcessed, run.RowsAdded, run.RowsUpdated, run.RowsUnchanged, run.ID)
	if err != nil {
		return fmt.Errorf("save run progress: %w", err)
	}
	return nil
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

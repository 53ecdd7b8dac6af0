package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

type Strategy string

const (
	StrategyFullRefresh Strategy = "full_refresh"
	StrategyWatermark   Strategy = "watermark"
)

func (s Strategy) Valid() bool {
	return s == StrategyFullRefresh || s == StrategyWatermark
}

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

type ExtractSource struct {
	ID           int64             `db:"id" json:"id"`
	Name         string            `db:"name" json:"name"`
	ConnectorKey string            `db:"connector_key" json:"connector_key"`
	Config       map[string]string `db:"config" json:"config"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
}

type SyncProfile struct {
	ID                int64    `db:"id" json:"id"`
	SourceID          int64    `db:"source_id" json:"source_id"`
	DatasetIdentifier string   `db:"dataset_identifier" json:"dataset_identifier"`
	Strategy          Strategy `db:"strategy" json:"strategy"`
	LocalTable        string   `db:"local_table" json:"local_table"`
	IdentityColumns   []string `db:"identity_columns" json:"identity_columns"`
	// Checkpoint is owned by the connector; nil means start from scratch.
	Checkpoint json.RawMessage `db:"checkpoint" json:"checkpoint,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

type SyncRun struct {
	ID            string         `db:"id" json:"id"`
	ProfileID     int64          `db:"profile_id" json:"profile_id"`
	Status        RunStatus      `db:"status" json:"status"`
	StartedAt     time.Time      `db:"started_at" json:"started_at"`
	FinishedAt    sql.NullTime   `db:"finished_at" json:"-"`
	RowsProcessed int64          `db:"rows_processed" json:"rows_processed"`
	RowsAdded     int64          `db:"rows_added" json:"rows_added"`
	RowsUpdated   int64          `db:"rows_updated" json:"rows_updated"`
	RowsUnchanged int64          `db:"rows_unchanged" json:"rows_unchanged"`
	ErrorMessage  sql.NullString `db:"error_message" json:"-"`
}

// MarshalJSON flattens the nullable columns for API responses.
func (r SyncRun) MarshalJSON() ([]byte, error) {
	type alias SyncRun
	out := struct {
		alias
		FinishedAt *time.Time `json:"finished_at,omitempty"`
		Error      string     `json:"error,omitempty"`
	}{alias: alias(r)}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		out.FinishedAt = &t
	}
	out.Error = r.ErrorMessage.String
	return json.Marshal(out)
}

type SchemaVersion struct {
	ID               int64     `db:"id" json:"id"`
	ProfileID        int64     `db:"profile_id" json:"profile_id"`
	VersionNumber    int       `db:"version_number" json:"version_number"`
	LocalTableName   string    `db:"local_table_name" json:"local_table_name"`
	SourceSchemaHash string    `db:"source_schema_hash" json:"source_schema_hash"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

type EnrichmentProfile struct {
	ID               int64             `db:"id" json:"id"`
	Name             string            `db:"name" json:"name"`
	ProviderKey      string            `db:"provider_key" json:"provider_key"`
	SourceTable      string            `db:"source_table" json:"source_table"`
	SourceColumn     string            `db:"source_column" json:"source_column"`
	DestinationTable string            `db:"destination_table" json:"destination_table"`
	Config           map[string]string `db:"config" json:"config"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
}

type Correction struct {
	ID            int64          `db:"id" json:"id"`
	TableName     string         `db:"table_name" json:"table_name"`
	RowIdentifier string         `db:"row_identifier" json:"row_identifier"`
	ColumnName    string         `db:"column_name" json:"column_name"`
	NewValue      sql.NullString `db:"new_value" json:"-"`
	Reason        sql.NullString `db:"reason" json:"-"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

type AuditRun struct {
	ID               string    `db:"id" json:"id"`
	TableName        string    `db:"table_name" json:"table_name"`
	IdentifierColumn string    `db:"identifier_column" json:"identifier_column"`
	ViolationCount   int       `db:"violation_count" json:"violation_count"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

type Violation struct {
	ID            string `db:"id" json:"id"`
	AuditRunID    string `db:"audit_run_id" json:"audit_run_id"`
	RowIdentifier string `db:"row_identifier" json:"row_identifier"`
	ColumnName    string `db:"column_name" json:"column_name"`
	RuleType      string `db:"rule_type" json:"rule_type"`
	Message       string `db:"message" json:"message"`
}

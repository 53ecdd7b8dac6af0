package store

import (
	"fmt"

	"extract-sync-service/internal/database"
)

// schemaStatements returns the DDL for the entity tables. Every statement is
// idempotent.
func schemaStatements(d database.Dialect) []string {
	pk := d.AutoIncrementPK()
	key := d.KeyType()
	ts := d.TimestampType()

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS extract_sources (
			id %s,
			name %s NOT NULL UNIQUE,
			connector_key %s NOT NULL,
			config TEXT NOT NULL,
			created_at %s NOT NULL
		)`, pk, key, key, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sync_profiles (
			id %s,
			source_id BIGINT NOT NULL,
			dataset_identifier TEXT NOT NULL,
			strategy VARCHAR(32) NOT NULL,
			local_table %s NOT NULL,
			identity_columns TEXT NOT NULL,
			checkpoint TEXT NULL,
			created_at %s NOT NULL
		)`, pk, key, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sync_runs (
			id %s PRIMARY KEY,
			profile_id BIGINT NOT NULL,
			status VARCHAR(16) NOT NULL,
			started_at %s NOT NULL,
			finished_at %s NULL,
			rows_processed BIGINT NOT NULL DEFAULT 0,
			rows_added BIGINT NOT NULL DEFAULT 0,
			rows_updated BIGINT NOT NULL DEFAULT 0,
			rows_unchanged BIGINT NOT NULL DEFAULT 0,
			error_message TEXT NULL
		)`, key, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schema_versions (
			id %s,
			profile_id BIGINT NOT NULL,
			version_number INT NOT NULL,
			local_table_name %s NOT NULL,
			source_schema_hash VARCHAR(64) NOT NULL,
			created_at %s NOT NULL,
			UNIQUE (profile_id, version_number)
		)`, pk, key, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS enrichment_profiles (
			id %s,
			name %s NOT NULL UNIQUE,
			provider_key %s NOT NULL,
			source_table %s NOT NULL,
			source_column %s NOT NULL,
			destination_table %s NOT NULL,
			config TEXT NOT NULL,
			created_at %s NOT NULL
		)`, pk, key, key, key, key, key, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS corrections (
			id %s,
			table_name %s NOT NULL,
			row_identifier TEXT NOT NULL,
			column_name %s NOT NULL,
			new_value TEXT NULL,
			reason TEXT NULL,
			created_at %s NOT NULL
		)`, pk, key, key, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_runs (
			id %s PRIMARY KEY,
			table_name %s NOT NULL,
			identifier_column %s NOT NULL,
			violation_count INT NOT NULL,
			created_at %s NOT NULL
		)`, key, key, key, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_violations (
			id %s PRIMARY KEY,
			audit_run_id %s NOT NULL,
			row_identifier TEXT NOT NULL,
			column_name %s NOT NULL,
			rule_type VARCHAR(32) NOT NULL,
			message TEXT NOT NULL
		)`, key, key, key),
	}
}

package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/logger"
	"extract-sync-service/internal/store"
)

// target is the local table a run writes to, fixed before the first row is
// read so a run never spans two schema versions.
type target struct {
	table   string
	schema  *connector.RemoteSchema
	version *store.SchemaVersion
	// fresh is set when this run created the schema version.
	fresh bool
}

// resolveTarget compares the remote schema with the latest recorded version
// and appends a new version, with its own table, when they differ. Without
// schema inference rows go to the profile's table unversioned.
func (e *Engine) resolveTarget(ctx context.Context, conn connector.Connector, ds connector.RemoteDataset, cfg connector.Config, profile *store.SyncProfile) (*target, error) {
	base := e.cfg.TablePrefix + profile.LocalTable

	inferrer := connector.SchemaInferrer(conn)
	if inferrer == nil || !e.cfg.SchemaDrift {
		return &target{table: base}, nil
	}

	schema, err := inferrer.InferSchema(ctx, ds, cfg)
	if err != nil {
		return nil, fmt.Errorf("infer schema of %s: %w", ds.Identifier, err)
	}
	hash := schema.Hash()

	latest, err := e.store.LatestSchemaVersion(ctx, profile.ID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.SourceSchemaHash == hash {
		return &target{table: latest.LocalTableName, schema: &schema, version: latest}, nil
	}

	next := 1
	if latest != nil {
		next = latest.VersionNumber + 1
	}
	version := &store.SchemaVersion{
		ProfileID:        profile.ID,
		VersionNumber:    next,
		LocalTableName:   fmt.Sprintf("%s_v%d", base, next),
		SourceSchemaHash: hash,
	}
	if err := e.store.Tables().EnsureTable(ctx, version.LocalTableName, schemaColumns(schema)); err != nil {
		return nil, err
	}
	if err := e.store.CreateSchemaVersion(ctx, version); err != nil {
		return nil, err
	}

	if latest != nil {
		logger.Log.Info("Schema drift detected",
			zap.Int64("profile_id", profile.ID),
			zap.Int("from_version", latest.VersionNumber),
			zap.Int("to_version", next),
			zap.String("table", version.LocalTableName),
		)
	}
	return &target{table: version.LocalTableName, schema: &schema, version: version, fresh: true}, nil
}

func schemaColumns(s connector.RemoteSchema) []store.Column {
	cols := make([]store.Column, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = store.Column{Name: f.Name, LocalType: f.SuggestedType}
	}
	return cols
}

// localType guesses a column type from a value when no schema is known.
func localType(v any) string {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return connector.TypeInteger
	case float32, float64:
		return connector.TypeDecimal
	case bool:
		return connector.TypeBoolean
	case map[string]any, []any:
		return connector.TypeJSON
	default:
		return connector.TypeString
	}
}

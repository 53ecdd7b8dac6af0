package sync

import (
	"context"

	"extract-sync-service/internal/connector"
)

// openSource resolves a source's connector and its validated configuration.
func (e *Engine) openSource(ctx context.Context, sourceID int64) (connector.Connector, connector.Config, error) {
	source, err := e.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, nil, err
	}
	conn, err := e.connectors.Get(source.ConnectorKey)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := connector.ValidateConfig(conn, e.connectorConfig(source))
	if err != nil {
		return nil, nil, err
	}
	return conn, cfg, nil
}

// TestSource checks the source's connectivity and credentials.
func (e *Engine) TestSource(ctx context.Context, sourceID int64) error {
	conn, cfg, err := e.openSource(ctx, sourceID)
	if err != nil {
		return err
	}
	return conn.Test(ctx, cfg)
}

// Datasets lists what the source exposes.
func (e *Engine) Datasets(ctx context.Context, sourceID int64) ([]connector.RemoteDataset, error) {
	conn, cfg, err := e.openSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return conn.Datasets(ctx, cfg)
}

// InferSchema returns the inferred field set of one dataset, or a
// CapabilityError when the connector cannot infer schemas.
func (e *Engine) InferSchema(ctx context.Context, sourceID int64, dataset string) (connector.RemoteSchema, error) {
	conn, cfg, err := e.openSource(ctx, sourceID)
	if err != nil {
		return connector.RemoteSchema{}, err
	}
	inferrer := connector.SchemaInferrer(conn)
	if inferrer == nil {
		return connector.RemoteSchema{}, connector.NotImplemented(conn.Key(), connector.CapInferSchema)
	}
	ds, err := connector.FindDataset(ctx, conn, cfg, dataset)
	if err != nil {
		return connector.RemoteSchema{}, err
	}
	return inferrer.InferSchema(ctx, ds, cfg)
}

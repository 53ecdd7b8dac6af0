package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/store"
)

func TestDatasetsAndInferSchema(t *testing.T) {
	f := newFixture(t, store.StrategyFullRefresh, []string{"id"})
	ctx := context.Background()
	schema, err := connector.NewRemoteSchema(connector.RemoteField{Name: "id", SuggestedType: connector.TypeInteger})
	require.NoError(t, err)

	e := f.engine(&schemaConnector{fakeConnector: &fakeConnector{}, schema: schema}, 10)
	datasets, err := e.Datasets(ctx, f.profile.SourceID)
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	assert.Equal(t, "contacts", datasets[0].Identifier)

	got, err := e.InferSchema(ctx, f.profile.SourceID, "contacts")
	require.NoError(t, err)
	assert.Equal(t, schema.Hash(), got.Hash())

	_, err = e.InferSchema(ctx, f.profile.SourceID, "missing")
	assert.True(t, connector.IsConfigError(err))
	require.NoError(t, e.TestSource(ctx, f.profile.SourceID))
}

func TestInferSchema_Unsupported(t *testing.T) {
	f := newFixture(t, store.StrategyFullRefresh, []string{"id"})
	e := f.engine(&fakeConnector{}, 10)

	_, err := e.InferSchema(context.Background(), f.profile.SourceID, "contacts")
	assert.True(t, connector.IsNotImplemented(err))
}

func TestOpenSource_RequiredField(t *testing.T) {
	f := newFixture(t, store.StrategyFullRefresh, []string{"id"})
	e := f.engine(&fakeConnector{fields: []connector.Field{{Name: "token", Required: true}}}, 10)

	_, err := e.Datasets(context.Background(), f.profile.SourceID)
	assert.True(t, connector.IsConfigError(err))
}

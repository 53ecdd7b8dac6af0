package enrichment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"extract-sync-service/internal/config"
	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/database"
	"extract-sync-service/internal/enrichment/companieshouse"
	"extract-sync-service/internal/retry"
	"extract-sync-service/internal/store"
)

var _ CanPreprocessIdentifier = (*companieshouse.Provider)(nil)

func openStore(t *testing.T, values ...string) *store.SQLStore {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	_, err = db.DB.Exec(`CREATE TABLE companies (name TEXT, company_number TEXT)`)
	require.NoError(t, err)
	for _, v := range values {
		_, err = db.DB.Exec(`INSERT INTO companies VALUES ('x', ?)`, v)
		require.NoError(t, err)
	}
	st, err := store.NewSQLStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func createProfile(t *testing.T, st store.Store, provider string) *store.EnrichmentProfile {
	t.Helper()
	ep := &store.EnrichmentProfile{
		Name:             "companies house",
		ProviderKey:      provider,
		SourceTable:      "companies",
		SourceColumn:     "company_number",
		DestinationTable: "companies_house_cache",
		Config:           map[string]string{},
	}
	require.NoError(t, st.CreateEnrichmentProfile(context.Background(), ep))
	return ep
}

func cachedIdentities(t *testing.T, st store.Store, table string) map[string]map[string]any {
	t.Helper()
	out := map[string]map[string]any{}
	require.NoError(t, st.Tables().ScanRows(context.Background(), table, func(row map[string]any) error {
		out[row[store.IdentityColumn].(string)] = row
		return nil
	}))
	return out
}

func TestRunEnrichment_CompaniesHouseIsIdempotent(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		number := strings.TrimPrefix(r.URL.Path, "/company/")
		if number == "SC999999" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"company_number":"` + number + `","company_name":"CO ` + number + `","company_status":"active"}`))
	}))
	defer srv.Close()

	st := openStore(t, "09876543", " 12345 ", "SC999999")
	ep := createProfile(t, st, companieshouse.Key)
	ch := companieshouse.New(config.CompaniesHouseConfig{APIKey: "k", BaseURL: srv.URL}, retry.New(retry.DefaultPolicy).NoWait())
	runner := NewRunner(st, NewRegistry(ch), nil)
	ctx := context.Background()

	summary, err := runner.RunEnrichment(ctx, ep.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, summary.RowsAdded)
	assert.EqualValues(t, 0, summary.RowsSkipped)
	assert.EqualValues(t, 1, summary.RowsNotFound)
	assert.ElementsMatch(t, []string{"/company/09876543", "/company/00012345", "/company/SC999999"}, paths)

	cache := cachedIdentities(t, st, ep.DestinationTable)
	require.Len(t, cache, 3)
	require.Contains(t, cache, " 12345 ", "stored under the original identifier")
	assert.Equal(t, "CO 00012345", cache[" 12345 "]["company_name"])
	assert.Equal(t, " 12345 ", cache[" 12345 "]["company_number"])
	assert.EqualValues(t, 0, cache["SC999999"][MatchedColumn])
	assert.EqualValues(t, 1, cache["09876543"][MatchedColumn])

	summary, err = runner.RunEnrichment(ctx, ep.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, summary.RowsAdded)
	assert.EqualValues(t, 3, summary.RowsSkipped)
	assert.Len(t, paths, 3, "second run makes no remote calls")
}

// flakyProvider fails for the identifiers in failing.
type flakyProvider struct {
	failing map[string]bool
	calls   []string
}

func (f *flakyProvider) Key() string { return "flaky" }

func (f *flakyProvider) Enrich(ctx context.Context, id string, cfg map[string]string) (map[string]any, error) {
	f.calls = append(f.calls, id)
	if f.failing[id] {
		return nil, errors.New("lookup failed")
	}
	return map[string]any{"token": cfg["token"]}, nil
}

func TestRunEnrichment_ProviderErrorsAreIsolated(t *testing.T) {
	st := openStore(t, "a", "b", "c")
	ep := createProfile(t, st, "flaky")
	p := &flakyProvider{failing: map[string]bool{"b": true}}
	runner := NewRunner(st, NewRegistry(p), map[string]map[string]string{"flaky": {"token": "t1"}})
	ctx := context.Background()

	summary, err := runner.RunEnrichment(ctx, ep.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, summary.RowsAdded)
	assert.EqualValues(t, 1, summary.RowsFailed)

	cache := cachedIdentities(t, st, ep.DestinationTable)
	assert.Equal(t, "t1", cache["a"]["token"])
	assert.NotContains(t, cache, "b")

	p.failing = nil
	p.calls = nil
	summary, err = runner.RunEnrichment(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, p.calls)
	assert.EqualValues(t, 1, summary.RowsAdded)
	assert.EqualValues(t, 2, summary.RowsSkipped)
}

func TestRunEnrichment_ConfigErrorAbortsRun(t *testing.T) {
	st := openStore(t, "00012345", "09876543")
	ep := createProfile(t, st, companieshouse.Key)
	provider := companieshouse.New(config.CompaniesHouseConfig{BaseURL: "http://127.0.0.1:0"}, retry.New(retry.Policy{MaxAttempts: 1}))
	runner := NewRunner(st, NewRegistry(provider), nil)

	summary, err := runner.RunEnrichment(context.Background(), ep.ID)
	require.Error(t, err)
	assert.True(t, connector.IsConfigError(err))
	assert.Contains(t, err.Error(), "api_key")
	assert.Zero(t, summary.RowsFailed)
	assert.Empty(t, cachedIdentities(t, st, ep.DestinationTable))
}

func TestRunEnrichment_UnknownProvider(t *testing.T) {
	st := openStore(t, "a")
	ep := createProfile(t, st, "nobody")
	_, err := NewRunner(st, NewRegistry(), nil).RunEnrichment(context.Background(), ep.ID)
	assert.ErrorIs(t, err, ErrProviderNotRegistered)
}

func TestRunEnrichment_RefusesConcurrentRun(t *testing.T) {
	st := openStore(t, "a")
	ep := createProfile(t, st, "flaky")
	runner := NewRunner(st, NewRegistry(&flakyProvider{}), nil)

	require.True(t, runner.acquire(ep.ID))
	_, err := runner.RunEnrichment(context.Background(), ep.ID)
	assert.ErrorIs(t, err, ErrRunInProgress)
	runner.release(ep.ID)
}

func TestRegistry(t *testing.T) {
	first := &flakyProvider{}
	second := &flakyProvider{}
	r := NewRegistry(first)
	r.Register(second)

	got, err := r.Get("flaky")
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Len(t, r.All(), 1)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrProviderNotRegistered)
}

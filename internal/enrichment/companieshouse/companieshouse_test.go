package companieshouse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"extract-sync-service/internal/config"
	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/retry"
)

func newProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(config.CompaniesHouseConfig{APIKey: "key", BaseURL: srv.URL}, retry.New(retry.Policy{MaxAttempts: 3}).NoWait())
}

func TestPreprocessIdentifier(t *testing.T) {
	p := New(config.CompaniesHouseConfig{}, nil)
	cases := map[string]string{
		" 12345 ":  "00012345",
		"01234567": "01234567",
		"sc123456": "SC123456",
		"OC3001":   "OC3001",
	}
	for in, want := range cases {
		assert.Equal(t, want, p.PreprocessIdentifier(in), in)
	}
}

func TestEnrich_Found(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Empty(t, pass)
		assert.Equal(t, "/company/00012345", r.URL.Path)
		w.Write([]byte(`{"company_number":"00012345","company_name":"ACME LTD","company_status":"active",
			"registered_office_address":{"postal_code":"AB1 2CD"},"links":{"self":"/company/00012345"}}`))
	})

	got, err := p.Enrich(context.Background(), "00012345", nil)
	require.NoError(t, err)
	assert.Equal(t, "ACME LTD", got["company_name"])
	assert.NotContains(t, got, "links")
	assert.Equal(t, map[string]any{"postal_code": "AB1 2CD"}, got["registered_office_address"])
}

func TestEnrich_NotFoundIsNil(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"error":"company-profile-not-found"}]}`, http.StatusNotFound)
	})
	got, err := p.Enrich(context.Background(), "99999999", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEnrich_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"company_name":"LATE LTD"}`))
	})
	got, err := p.Enrich(context.Background(), "00000001", nil)
	require.NoError(t, err)
	assert.Equal(t, "LATE LTD", got["company_name"])
	assert.EqualValues(t, 3, calls.Load())
}

func TestEnrich_RequiresAPIKey(t *testing.T) {
	p := New(config.CompaniesHouseConfig{}, nil)
	_, err := p.Enrich(context.Background(), "1", nil)
	assert.True(t, connector.IsConfigError(err))
}

func TestEnrich_UnauthorizedFails(t *testing.T) {
	var calls atomic.Int32
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := p.Enrich(context.Background(), "1", map[string]string{"api_key": "other"})
	var te *connector.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusUnauthorized, te.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

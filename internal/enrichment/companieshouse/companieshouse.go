// Package companieshouse looks up UK companies in the Companies House
// public data API.
package companieshouse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"extract-sync-service/internal/config"
	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/retry"
)

const (
	Key            = "companies_house"
	DefaultBaseURL = "https://api.company-information.service.gov.uk"

	numberLength = 8
)

// fields are the profile attributes copied into the cache.
var fields = []string{
	"company_number",
	"company_name",
	"company_status",
	"type",
	"date_of_creation",
	"date_of_cessation",
	"jurisdiction",
	"sic_codes",
	"registered_office_address",
}

var api = sonic.Config{UseNumber: true, CopyString: true}.Froze()

type Provider struct {
	cfg    config.CompaniesHouseConfig
	client *http.Client
	retry  *retry.Service
}

func New(cfg config.CompaniesHouseConfig, r *retry.Service) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if r == nil {
		r = retry.New(retry.DefaultPolicy)
	}
	return &Provider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, retry: r}
}

func (p *Provider) Key() string { return Key }

// PreprocessIdentifier trims and upper-cases a company number and left-pads
// all-digit numbers with zeros to eight characters.
func (p *Provider) PreprocessIdentifier(identifier string) string {
	n := strings.ToUpper(strings.TrimSpace(identifier))
	if len(n) < numberLength && isDigits(n) {
		n = strings.Repeat("0", numberLength-len(n)) + n
	}
	return n
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Enrich fetches the company profile. A 404 is a definitive non-match.
func (p *Provider) Enrich(ctx context.Context, identifier string, cfg map[string]string) (map[string]any, error) {
	apiKey := cfg["api_key"]
	if apiKey == "" {
		apiKey = p.cfg.APIKey
	}
	if apiKey == "" {
		return nil, &connector.ConfigError{Connector: Key, Field: "api_key", Reason: "is required"}
	}
	base := cfg["base_url"]
	if base == "" {
		base = p.cfg.BaseURL
	}

	return retry.DoValue(ctx, p.retry, "companies house lookup", func(ctx context.Context) (map[string]any, error) {
		return p.fetch(ctx, strings.TrimRight(base, "/")+"/company/"+url.PathEscape(identifier), apiKey)
	})
}

func (p *Provider) fetch(ctx context.Context, u, apiKey string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(apiKey, "")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &connector.TransportError{Op: "GET company", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &connector.TransportError{Op: "GET company", Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &connector.TransportError{Op: "GET company", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var profile map[string]any
	if err := api.Unmarshal(body, &profile); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode company profile: %w", err))
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := profile[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

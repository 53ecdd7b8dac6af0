// Package hubspot streams CRM objects from the HubSpot v3 API.
package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/retry"
)

const (
	Key            = "hubspot"
	DefaultBaseURL = "https://api.hubapi.com"

	lastModified = "hs_lastmodifieddate"
)

// Objects are the CRM object types exposed as datasets.
var Objects = []string{"contacts", "companies", "deals", "tickets"}

var api = sonic.Config{UseNumber: true, CopyString: true}.Froze()

type Connector struct {
	connector.BaseConnector
	client *http.Client
}

func New(r *retry.Service) *Connector {
	c := &Connector{client: &http.Client{Timeout: 30 * time.Second}}
	c.BaseConnector = connector.BaseConnector{ConnectorKey: Key, Pager: c, Retry: r}
	return c
}

func (c *Connector) Key() string   { return Key }
func (c *Connector) Label() string { return "HubSpot" }

func (c *Connector) Fields() []connector.Field {
	return []connector.Field{
		{Name: "access_token", Label: "Private app token", Required: true, Secret: true},
		{Name: "base_url", Label: "API base URL", Default: DefaultBaseURL},
		{Name: "page_size", Label: "Page size", Default: "100"},
		{Name: "properties", Label: "Properties (comma separated)"},
	}
}

func (c *Connector) Test(ctx context.Context, cfg connector.Config) error {
	_, err := c.get(ctx, cfg, "/crm/v3/objects/contacts", url.Values{"limit": {"1"}})
	return err
}

func (c *Connector) Datasets(ctx context.Context, cfg connector.Config) ([]connector.RemoteDataset, error) {
	datasets := make([]connector.RemoteDataset, len(Objects))
	for i, o := range Objects {
		datasets[i] = connector.RemoteDataset{Identifier: o, Label: connector.DatasetLabel(o)}
	}
	return datasets, nil
}

func (c *Connector) InitialParameters(ds connector.RemoteDataset, cfg connector.Config) (connector.Params, error) {
	if !known(ds.Identifier) {
		return nil, &connector.ConfigError{Connector: Key, Reason: "unknown object type " + ds.Identifier}
	}
	return connector.Params{"object": ds.Identifier}, nil
}

// ResumeParameters switches to the search endpoint, filtered to objects
// modified after the watermark.
func (c *Connector) ResumeParameters(ds connector.RemoteDataset, cfg connector.Config, raw json.RawMessage) (connector.Params, error) {
	params, err := c.InitialParameters(ds, cfg)
	if err != nil || len(raw) == 0 {
		return params, err
	}
	var cp checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decode hubspot checkpoint: %w", err)
	}
	if !cp.UpdatedAt.IsZero() {
		params["since"] = cp.UpdatedAt
	}
	return params, nil
}

func (c *Connector) FetchPage(ctx context.Context, params connector.Params, cfg connector.Config) (connector.Response, error) {
	object := params["object"].(string)
	after, _ := params["after"].(string)

	since, ok := params["since"].(time.Time)
	if !ok {
		q := url.Values{"limit": {cfg["page_size"]}}
		if after != "" {
			q.Set("after", after)
		}
		if props := cfg["properties"]; props != "" {
			q.Set("properties", props)
		}
		return c.get(ctx, cfg, "/crm/v3/objects/"+object, q)
	}

	limit, _ := strconv.Atoi(cfg["page_size"])
	body := map[string]any{
		"filterGroups": []any{map[string]any{
			"filters": []any{map[string]any{
				"propertyName": lastModified,
				"operator":     "GT",
				"value":        strconv.FormatInt(since.UnixMilli(), 10),
			}},
		}},
		"sorts": []any{map[string]any{"propertyName": lastModified, "direction": "ASCENDING"}},
		"limit": limit,
	}
	if after != "" {
		body["after"] = after
	}
	if props := cfg["properties"]; props != "" {
		body["properties"] = strings.Split(props, ",")
	}
	return c.post(ctx, cfg, "/crm/v3/objects/"+object+"/search", body)
}

// ExtractRows flattens each result's properties next to its id and
// timestamps.
func (c *Connector) ExtractRows(resp connector.Response) ([]connector.Row, error) {
	results, _ := resp["results"].([]any)
	rows := make([]connector.Row, 0, len(results))
	for _, r := range results {
		obj, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected hubspot result %T", r)
		}
		row := connector.Row{}
		if props, ok := obj["properties"].(map[string]any); ok {
			for k, v := range props {
				row[k] = v
			}
		}
		row["id"] = obj["id"]
		row["created_at"] = obj["createdAt"]
		row["updated_at"] = obj["updatedAt"]
		row["archived"] = obj["archived"]
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *Connector) NextPageParameters(resp connector.Response, prev connector.Params, cfg connector.Config) (connector.Params, error) {
	paging, _ := resp["paging"].(map[string]any)
	next, _ := paging["next"].(map[string]any)
	after, _ := next["after"].(string)
	if after == "" {
		return nil, nil
	}
	params := connector.Params{}
	for k, v := range prev {
		params[k] = v
	}
	params["after"] = after
	return params, nil
}

type checkpoint struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// AdvanceCheckpoint keeps the latest updatedAt seen.
func (c *Connector) AdvanceCheckpoint(current json.RawMessage, row connector.Row) (json.RawMessage, error) {
	var cp checkpoint
	if len(current) > 0 {
		if err := json.Unmarshal(current, &cp); err != nil {
			return nil, err
		}
	}
	s, _ := row["updated_at"].(string)
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || !ts.After(cp.UpdatedAt) {
		return current, nil
	}
	return json.Marshal(checkpoint{UpdatedAt: ts.UTC()})
}

func known(object string) bool {
	for _, o := range Objects {
		if o == object {
			return true
		}
	}
	return false
}

func (c *Connector) get(ctx context.Context, cfg connector.Config, path string, q url.Values) (connector.Response, error) {
	u := strings.TrimRight(cfg["base_url"], "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, cfg)
}

func (c *Connector) post(ctx context.Context, cfg connector.Config, path string, body any) (connector.Response, error) {
	b, err := api.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg["base_url"], "/")+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, cfg)
}

func (c *Connector) do(req *http.Request, cfg connector.Config) (connector.Response, error) {
	op := req.Method + " " + req.URL.Path
	req.Header.Set("Authorization", "Bearer "+cfg["access_token"])
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &connector.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &connector.TransportError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &connector.TransportError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var out connector.Response
	if err := api.Unmarshal(body, &out); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%s: decode response: %w", op, err))
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Package connector defines the source adapter contract and its optional
// capabilities. Concrete connectors live in sub-packages.
package connector

import (
	"context"
	"encoding/json"
	"iter"
	"sort"
	"sync"
)

// Field describes one configuration key a connector accepts.
type Field struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	Secret   bool   `json:"secret,omitempty"`
	Default  string `json:"default,omitempty"`
}

// Connector is implemented by every source adapter.
type Connector interface {
	Key() string
	Label() string
	Fields() []Field
	// Test checks connectivity and credentials. The underlying error is
	// returned unchanged.
	Test(ctx context.Context, cfg Config) error
	Datasets(ctx context.Context, cfg Config) ([]RemoteDataset, error)
}

// CanStreamRows yields every row of a dataset, without resumability.
type CanStreamRows interface {
	StreamRows(ctx context.Context, ds RemoteDataset, cfg Config) iter.Seq2[Row, error]
}

// CanStreamRowsWithCheckpoint yields rows from a previous checkpoint. The
// next checkpoint is available from the stream once its rows are drained.
type CanStreamRowsWithCheckpoint interface {
	StreamRowsWithCheckpoint(ctx context.Context, ds RemoteDataset, cfg Config, checkpoint json.RawMessage) *CheckpointStream
}

type CanInferSchema interface {
	InferSchema(ctx context.Context, ds RemoteDataset, cfg Config) (RemoteSchema, error)
}

// CanListIdentities yields only the identities of a dataset's rows.
type CanListIdentities interface {
	ListIdentities(ctx context.Context, ds RemoteDataset, cfg Config, columns []string) iter.Seq2[string, error]
}

type Capability string

const (
	CapStreamRows               Capability = "stream_rows"
	CapStreamRowsWithCheckpoint Capability = "stream_rows_with_checkpoint"
	CapInferSchema              Capability = "infer_schema"
	CapListIdentities           Capability = "list_identities"
)

// CapabilityReporter lets a connector narrow what its method set suggests,
// e.g. when it embeds BaseConnector but only wires some hooks.
type CapabilityReporter interface {
	Capabilities() []Capability
}

// Capabilities returns the optional capabilities c supports.
func Capabilities(c Connector) []Capability {
	if r, ok := c.(CapabilityReporter); ok {
		return r.Capabilities()
	}
	var caps []Capability
	if _, ok := c.(CanStreamRows); ok {
		caps = append(caps, CapStreamRows)
	}
	if _, ok := c.(CanStreamRowsWithCheckpoint); ok {
		caps = append(caps, CapStreamRowsWithCheckpoint)
	}
	if _, ok := c.(CanInferSchema); ok {
		caps = append(caps, CapInferSchema)
	}
	if _, ok := c.(CanListIdentities); ok {
		caps = append(caps, CapListIdentities)
	}
	return caps
}

func Supports(c Connector, capability Capability) bool {
	for _, got := range Capabilities(c) {
		if got == capability {
			return true
		}
	}
	return false
}

// Streamer returns c's full-scan capability or a CapabilityError.
func Streamer(c Connector) (CanStreamRows, error) {
	s, ok := c.(CanStreamRows)
	if !ok || !Supports(c, CapStreamRows) {
		return nil, NotImplemented(c.Key(), CapStreamRows)
	}
	return s, nil
}

// CheckpointStreamer returns c's checkpointed streaming capability or a
// CapabilityError.
func CheckpointStreamer(c Connector) (CanStreamRowsWithCheckpoint, error) {
	s, ok := c.(CanStreamRowsWithCheckpoint)
	if !ok || !Supports(c, CapStreamRowsWithCheckpoint) {
		return nil, NotImplemented(c.Key(), CapStreamRowsWithCheckpoint)
	}
	return s, nil
}

// SchemaInferrer returns c's schema inference capability, or nil when absent.
func SchemaInferrer(c Connector) CanInferSchema {
	s, ok := c.(CanInferSchema)
	if !ok || !Supports(c, CapInferSchema) {
		return nil
	}
	return s
}

// ValidateConfig checks cfg against the connector's fields and returns a copy
// with defaults applied.
func ValidateConfig(c Connector, cfg Config) (Config, error) {
	out := make(Config, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	for _, f := range c.Fields() {
		if out[f.Name] == "" && f.Default != "" {
			out[f.Name] = f.Default
		}
		if f.Required && out[f.Name] == "" {
			return nil, &ConfigError{Connector: c.Key(), Field: f.Name, Reason: "is required"}
		}
	}
	return out, nil
}

// FindDataset looks up a dataset by identifier.
func FindDataset(ctx context.Context, c Connector, cfg Config, identifier string) (RemoteDataset, error) {
	datasets, err := c.Datasets(ctx, cfg)
	if err != nil {
		return RemoteDataset{}, err
	}
	for _, ds := range datasets {
		if ds.Identifier == identifier {
			return ds, nil
		}
	}
	return RemoteDataset{}, &ConfigError{Connector: c.Key(), Reason: "unknown dataset " + identifier}
}

// Registry maps connector keys to connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{connectors: make(map[string]Connector)}
	for _, c := range connectors {
		r.Register(c)
	}
	return r
}

// Register stores c under its key, replacing any previous connector.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Key()] = c
}

func (r *Registry) Get(key string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[key]
	if !ok {
		return nil, &unknownConnectorError{key: key}
	}
	return c, nil
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.connectors))
	for k := range r.connectors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type unknownConnectorError struct {
	key string
}

func (e *unknownConnectorError) Error() string   { return "connector " + e.key + ": " + ErrUnknownConnector.Error() }
func (e *unknownConnectorError) Unwrap() error   { return ErrUnknownConnector }
func (e *unknownConnectorError) Retryable() bool { return false }

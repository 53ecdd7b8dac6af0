package connector

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"extract-sync-service/internal/identity"
)

// Row is one associative record read from a remote dataset.
type Row = map[string]any

// Config is a connector's configuration: an open string map validated
// against the connector's declared Fields.
type Config = map[string]string

// RemoteDataset is one addressable remote collection: a table, file or API
// resource. Identifier is only meaningful to the connector that produced it.
type RemoteDataset struct {
	Identifier string         `json:"identifier"`
	Label      string         `json:"label"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Suggested local column types.
const (
	TypeString   = "string"
	TypeInteger  = "integer"
	TypeDecimal  = "decimal"
	TypeBoolean  = "boolean"
	TypeDatetime = "datetime"
	TypeJSON     = "json"
)

type RemoteField struct {
	Name          string `json:"name"`
	RemoteType    string `json:"remote_type,omitempty"`
	Nullable      bool   `json:"nullable"`
	SuggestedType string `json:"suggested_type"`
}

type RemoteSchema struct {
	Fields []RemoteField `json:"fields"`
}

// NewRemoteSchema builds a schema, rejecting duplicate field names.
func NewRemoteSchema(fields ...RemoteField) (RemoteSchema, error) {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return RemoteSchema{}, fmt.Errorf("schema field with empty name")
		}
		if seen[f.Name] {
			return RemoteSchema{}, fmt.Errorf("duplicate schema field %q", f.Name)
		}
		seen[f.Name] = true
	}
	return RemoteSchema{Fields: fields}, nil
}

// Hash identifies the schema's shape. Field order does not matter.
func (s RemoteSchema) Hash() string {
	shape := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		shape[f.Name] = map[string]any{
			"remote_type":    f.RemoteType,
			"nullable":       f.Nullable,
			"suggested_type": f.SuggestedType,
		}
	}
	return identity.RowHash(shape)
}

func (s RemoteSchema) Field(name string) (RemoteField, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return RemoteField{}, false
}

// DatasetLabel turns an identifier such as "companies_house.csv" into a
// display label ("Companies House"). A cases.Caser keeps state between
// calls, so each call builds its own.
func DatasetLabel(identifier string) string {
	base := path.Base(identifier)
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	return cases.Title(language.English).String(strings.Join(strings.Fields(base), " "))
}

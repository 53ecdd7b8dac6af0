package audit

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is the file form of an audit:
//
//	audits:
//	  - table: contacts
//	    identified_by: id
//	    columns:
//	      - name: email
//	        rules: [required, {regex: "^[^@]+@[^@]+$"}]
//	      - name: status
//	        rules: [{in: [active, churned]}]
type Definition struct {
	Table        string             `yaml:"table" json:"table"`
	IdentifiedBy string             `yaml:"identified_by" json:"identified_by"`
	Columns      []ColumnDefinition `yaml:"columns" json:"columns"`
}

type ColumnDefinition struct {
	Name  string           `yaml:"name" json:"name"`
	Rules []RuleDefinition `yaml:"rules" json:"rules"`
}

// RuleDefinition is one declared rule. In YAML it is either a bare rule name
// ("required", "numeric", "integer") or a single-key mapping carrying the
// rule argument ({regex: ...} or {in: [...]}).
type RuleDefinition struct {
	Type    string   `json:"type"`
	Pattern string   `json:"pattern,omitempty"`
	Values  []string `json:"values,omitempty"`
}

func (r *RuleDefinition) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		r.Type = node.Value
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: rule must have exactly one key", node.Line)
		}
		r.Type = node.Content[0].Value
		arg := node.Content[1]
		switch r.Type {
		case RuleRegex:
			if err := arg.Decode(&r.Pattern); err != nil {
				return fmt.Errorf("line %d: regex: %w", arg.Line, err)
			}
		case RuleIn:
			if err := arg.Decode(&r.Values); err != nil {
				return fmt.Errorf("line %d: in: %w", arg.Line, err)
			}
		default:
			return fmt.Errorf("line %d: rule %q takes no argument", node.Line, r.Type)
		}
	default:
		return fmt.Errorf("line %d: unexpected rule node", node.Line)
	}
	return nil
}

type definitionFile struct {
	Audits []Definition `yaml:"audits"`
}

// ParseDefinitions decodes a YAML rule file.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse audit definitions: %w", err)
	}
	return f.Audits, nil
}

func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit definitions: %w", err)
	}
	return ParseDefinitions(data)
}

// Builder turns the definition into a runnable builder. Unknown rule types
// surface as a configuration error from Run.
func (d Definition) Builder(a *Auditor) *Builder {
	b := NewBuilder(a).Table(d.Table).IdentifiedBy(d.IdentifiedBy)
	for _, col := range d.Columns {
		rules := Rules()
		for _, rd := range col.Rules {
			switch rd.Type {
			case RuleRequired:
				rules.Required()
			case RuleNumeric:
				rules.Numeric()
			case RuleInteger:
				rules.Integer()
			case RuleRegex:
				rules.Regex(rd.Pattern)
			case RuleIn:
				rules.In(rd.Values...)
			default:
				if rules.err == nil {
					rules.err = fmt.Errorf("unknown rule %q", rd.Type)
				}
			}
		}
		b.Column(col.Name, rules)
	}
	return b
}

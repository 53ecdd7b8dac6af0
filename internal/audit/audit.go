// Package audit validates the rows of a local table against per-column
// rules and records every failure as a violation.
package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/identity"
	"extract-sync-service/internal/logger"
	"extract-sync-service/internal/store"
)

// ErrIdentifierMissing is returned when an audit is run without an
// identifier column. It is a configuration error.
var ErrIdentifierMissing = fmt.Errorf("%w: audit identifier column not set", connector.ErrConfiguration)

// ColumnRules binds a rule list to a column.
type ColumnRules struct {
	Column string
	Rules  []Rule
}

// Auditor runs rule sets over tables and persists the results.
type Auditor struct {
	store store.Store
}

func NewAuditor(st store.Store) *Auditor {
	return &Auditor{store: st}
}

// RunAudit evaluates every rule of every column against every row. A row
// failing several rules on one column records one violation per rule.
func (a *Auditor) RunAudit(ctx context.Context, table, identifierColumn string, columns []ColumnRules) (*store.AuditRun, []*store.Violation, error) {
	if identifierColumn == "" {
		return nil, nil, ErrIdentifierMissing
	}
	tables := a.store.Tables()
	cols, err := tables.Columns(ctx, table)
	if err != nil {
		return nil, nil, err
	}
	if len(cols) == 0 {
		return nil, nil, fmt.Errorf("audit %s: %w", table, store.ErrTableNotFound)
	}
	if !contains(cols, identifierColumn) {
		return nil, nil, &connector.ConfigError{Connector: "audit", Field: identifierColumn, Reason: "identifier column not in " + table}
	}

	var violations []*store.Violation
	rows := 0
	err = tables.ScanRows(ctx, table, func(row map[string]any) error {
		rows++
		id := identity.Scalar(row[identifierColumn])
		for _, c := range columns {
			v := row[c.Column]
			for _, r := range c.Rules {
				if msg := r.check(c.Column, v); msg != "" {
					violations = append(violations, &store.Violation{
						RowIdentifier: id,
						ColumnName:    c.Column,
						RuleType:      r.Type,
						Message:       msg,
					})
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	run := &store.AuditRun{TableName: table, IdentifierColumn: identifierColumn}
	if err := a.store.SaveAudit(ctx, run, violations); err != nil {
		return nil, nil, err
	}
	logger.Log.Info("Audit finished",
		zap.String("audit_run_id", run.ID),
		zap.String("table", table),
		zap.Int("rows", rows),
		zap.Int("violations", run.ViolationCount),
	)
	return run, violations, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Builder declares an audit fluently:
//
//	audit.NewBuilder(a).Table("contacts").IdentifiedBy("id").
//		Column("email", audit.Rules().Required().Regex(`@`)).Run(ctx)
type Builder struct {
	auditor    *Auditor
	table      string
	identifier string
	columns    []ColumnRules
	err        error
}

func NewBuilder(a *Auditor) *Builder {
	return &Builder{auditor: a}
}

func (b *Builder) Table(name string) *Builder {
	b.table = name
	return b
}

func (b *Builder) IdentifiedBy(column string) *Builder {
	b.identifier = column
	return b
}

// Column appends rules to a column. Repeated calls for the same column
// append in order.
func (b *Builder) Column(name string, rules *RuleBuilder) *Builder {
	if rules.err != nil && b.err == nil {
		b.err = fmt.Errorf("column %s: %w", name, rules.err)
	}
	for i := range b.columns {
		if b.columns[i].Column == name {
			b.columns[i].Rules = append(b.columns[i].Rules, rules.rules...)
			return b
		}
	}
	b.columns = append(b.columns, ColumnRules{Column: name, Rules: rules.List()})
	return b
}

// Run validates the declaration, then audits the table.
func (b *Builder) Run(ctx context.Context) (*store.AuditRun, error) {
	if b.identifier == "" {
		return nil, ErrIdentifierMissing
	}
	if b.table == "" {
		return nil, &connector.ConfigError{Connector: "audit", Field: "table", Reason: "is required"}
	}
	if b.err != nil {
		return nil, &connector.ConfigError{Connector: "audit", Reason: b.err.Error()}
	}
	run, _, err := b.auditor.RunAudit(ctx, b.table, b.identifier, b.columns)
	return run, err
}

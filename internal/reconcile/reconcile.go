// Package reconcile overlays manually entered corrections onto a mirrored
// copy of a table.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/identity"
	"extract-sync-service/internal/logger"
	"extract-sync-service/internal/store"
)

// ErrSourceTableMissing is returned before the destination is touched.
var ErrSourceTableMissing = errors.New("reconcile source table not found")

type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Reconcile replaces dest with a copy of source, then applies every
// correction recorded for source to the row whose identity over
// identifierColumns matches. It returns the number of rows copied.
// Corrections for unknown rows or columns are skipped. A destination that
// is the source itself or a state store table is refused before anything is
// written.
func (s *Service) Reconcile(ctx context.Context, source, dest string, identifierColumns []string) (int64, error) {
	if err := validateTarget(source, dest); err != nil {
		return 0, err
	}
	if len(identifierColumns) == 0 {
		return 0, fmt.Errorf("reconcile %s: identifier columns are required", source)
	}
	tables := s.store.Tables()

	cols, err := tables.Columns(ctx, source)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("%s: %w", source, ErrSourceTableMissing)
	}
	known := make(map[string]bool, len(cols))
	for _, c := range cols {
		known[c] = true
	}
	for _, c := range identifierColumns {
		if !known[c] {
			return 0, fmt.Errorf("reconcile %s: identifier column %q not found", source, c)
		}
	}

	copied, err := tables.Mirror(ctx, source, dest)
	if err != nil {
		if errors.Is(err, store.ErrTableNotFound) {
			return 0, fmt.Errorf("%s: %w", source, ErrSourceTableMissing)
		}
		return 0, err
	}

	corrections, err := s.store.ListCorrections(ctx, source)
	if err != nil {
		return 0, err
	}
	if len(corrections) == 0 {
		return copied, nil
	}

	byIdentity := make(map[string][]*store.Correction, len(corrections))
	for _, c := range corrections {
		byIdentity[c.RowIdentifier] = append(byIdentity[c.RowIdentifier], c)
	}

	// Resolve identities first; updates run after the scan has closed.
	keys := make(map[string]map[string]any)
	err = tables.ScanRows(ctx, dest, func(row map[string]any) error {
		id := identity.FromRow(identifierColumns, row)
		if _, wanted := byIdentity[id]; !wanted {
			return nil
		}
		if _, seen := keys[id]; seen {
			return nil
		}
		k := make(map[string]any, len(identifierColumns))
		for _, c := range identifierColumns {
			k[c] = row[c]
		}
		keys[id] = k
		return nil
	})
	if err != nil {
		return 0, err
	}

	applied, skipped := 0, 0
	for _, c := range corrections {
		k, found := keys[c.RowIdentifier]
		if !found || !known[c.ColumnName] {
			skipped++
			logger.Log.Debug("Skipping correction",
				zap.Int64("correction_id", c.ID),
				zap.String("row", c.RowIdentifier),
				zap.String("column", c.ColumnName),
			)
			continue
		}
		var value any
		if c.NewValue.Valid {
			value = c.NewValue.String
		}
		if _, err := tables.UpdateWhere(ctx, dest, k, c.ColumnName, value); err != nil {
			return 0, fmt.Errorf("apply correction %d: %w", c.ID, err)
		}
		applied++
	}

	logger.Log.Info("Reconciled table",
		zap.String("source", source),
		zap.String("destination", dest),
		zap.Int64("rows", copied),
		zap.Int("corrections_applied", applied),
		zap.Int("corrections_skipped", skipped),
	)
	return copied, nil
}

func validateTarget(source, dest string) error {
	switch {
	case dest == "":
		return &connector.ConfigError{Connector: "reconcile", Field: "destination", Reason: "is required"}
	case strings.EqualFold(source, dest):
		return &connector.ConfigError{Connector: "reconcile", Field: "destination", Reason: "must differ from the source table"}
	case store.IsStateTable(dest):
		return &connector.ConfigError{Connector: "reconcile", Field: "destination", Reason: fmt.Sprintf("%s is a state store table", dest)}
	}
	return nil
}

package enrichment

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/identity"
	"extract-sync-service/internal/logger"
	"extract-sync-service/internal/store"
)

// MatchedColumn records whether the provider found the identifier.
const MatchedColumn = "_matched"

// Summary reports one enrichment run. RowsAdded counts every cache row
// written, including non-matches; RowsNotFound is the non-match subset.
type Summary struct {
	ProfileID    int64 `json:"profile_id"`
	RowsAdded    int64 `json:"rows_added"`
	RowsSkipped  int64 `json:"rows_skipped"`
	RowsNotFound int64 `json:"rows_not_found"`
	RowsFailed   int64 `json:"rows_failed"`
}

type Runner struct {
	store       store.Store
	registry    *Registry
	credentials map[string]map[string]string

	mu      sync.Mutex
	running map[int64]bool
}

// NewRunner builds a Runner. credentials, keyed by provider, are merged
// under each profile's own configuration.
func NewRunner(st store.Store, registry *Registry, credentials map[string]map[string]string) *Runner {
	return &Runner{
		store:       st,
		registry:    registry,
		credentials: credentials,
		running:     make(map[int64]bool),
	}
}

func (r *Runner) acquire(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[id] {
		return false
	}
	r.running[id] = true
	return true
}

func (r *Runner) release(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
}

// RunEnrichment looks up every source identifier not yet in the cache table.
// Provider errors fail only their identifier, which is retried on the next
// run; configuration errors and cache write errors abort the run.
func (r *Runner) RunEnrichment(ctx context.Context, profileID int64) (*Summary, error) {
	if !r.acquire(profileID) {
		return nil, fmt.Errorf("enrichment profile %d: %w", profileID, ErrRunInProgress)
	}
	defer r.release(profileID)

	ep, err := r.store.GetEnrichmentProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	provider, err := r.registry.Get(ep.ProviderKey)
	if err != nil {
		return nil, err
	}

	cfg := map[string]string{}
	for k, v := range r.credentials[ep.ProviderKey] {
		cfg[k] = v
	}
	for k, v := range ep.Config {
		cfg[k] = v
	}

	tables := r.store.Tables()
	if err := tables.EnsureTable(ctx, ep.DestinationTable, []store.Column{
		{Name: ep.SourceColumn, LocalType: connector.TypeString},
		{Name: MatchedColumn, LocalType: connector.TypeBoolean},
	}); err != nil {
		return nil, err
	}

	missing, err := tables.MissingIdentities(ctx, ep.SourceTable, ep.SourceColumn, ep.DestinationTable)
	if err != nil {
		return nil, err
	}
	total, err := tables.CountDistinct(ctx, ep.SourceTable, ep.SourceColumn)
	if err != nil {
		return nil, err
	}

	summary := &Summary{ProfileID: profileID, RowsSkipped: total - int64(len(missing))}
	logger.Log.Info("Starting enrichment",
		zap.Int64("profile_id", profileID),
		zap.String("provider", ep.ProviderKey),
		zap.Int("pending", len(missing)),
		zap.Int64("cached", summary.RowsSkipped),
	)

	pre, _ := provider.(CanPreprocessIdentifier)
	for _, id := range missing {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		lookup := id
		if pre != nil {
			lookup = pre.PreprocessIdentifier(id)
		}

		result, err := provider.Enrich(ctx, lookup, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			// A misconfigured provider fails every identifier alike.
			if connector.IsConfigError(err) || connector.IsNotImplemented(err) {
				return summary, fmt.Errorf("enrichment profile %d: %w", profileID, err)
			}
			summary.RowsFailed++
			logger.Log.Warn("Enrichment lookup failed",
				zap.Int64("profile_id", profileID),
				zap.String("identifier", id),
				zap.String("lookup", lookup),
				zap.Error(err),
			)
			continue
		}

		row := make(map[string]any, len(result)+2)
		for k, v := range result {
			row[k] = v
		}
		row[ep.SourceColumn] = id
		row[MatchedColumn] = result != nil
		if result == nil {
			summary.RowsNotFound++
		}

		if err := tables.EnsureTable(ctx, ep.DestinationTable, cacheColumns(row)); err != nil {
			return summary, err
		}
		if err := tables.UpsertRow(ctx, ep.DestinationTable, id, identity.RowHash(row), row); err != nil {
			return summary, fmt.Errorf("write enrichment cache: %w", err)
		}
		summary.RowsAdded++
	}

	logger.Log.Info("Finished enrichment",
		zap.Int64("profile_id", profileID),
		zap.Int64("rows_added", summary.RowsAdded),
		zap.Int64("rows_skipped", summary.RowsSkipped),
		zap.Int64("rows_not_found", summary.RowsNotFound),
		zap.Int64("rows_failed", summary.RowsFailed),
	)
	return summary, nil
}

func cacheColumns(row map[string]any) []store.Column {
	names := make([]string, 0, len(row))
	for k := range row {
		names = append(names, k)
	}
	sort.Strings(names)
	cols := make([]store.Column, len(names))
	for i, k := range names {
		t := connector.TypeString
		switch row[k].(type) {
		case bool:
			t = connector.TypeBoolean
		case map[string]any, []any:
			t = connector.TypeJSON
		}
		cols[i] = store.Column{Name: k, LocalType: t}
	}
	return cols
}

// Package app wires the configured services together for the server and
// the CLI.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"extract-sync-service/internal/audit"
	"extract-sync-service/internal/config"
	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/connector/binlog"
	"extract-sync-service/internal/connector/csvfile"
	"extract-sync-service/internal/connector/hubspot"
	"extract-sync-service/internal/connector/sqlsource"
	"extract-sync-service/internal/database"
	"extract-sync-service/internal/enrichment"
	"extract-sync-service/internal/enrichment/companieshouse"
	"extract-sync-service/internal/logger"
	"extract-sync-service/internal/reconcile"
	"extract-sync-service/internal/retry"
	"extract-sync-service/internal/store"
	"extract-sync-service/internal/sync"
)

const eventBuffer = 64

type App struct {
	Store      store.Store
	Connectors *connector.Registry
	Engine     *sync.Engine
	Enrichment *enrichment.Runner
	Reconcile  *reconcile.Service
	Auditor    *audit.Auditor

	events *sync.Dispatcher
}

type options struct {
	recoverRuns bool
}

type Option func(*options)

// WithRunRecovery fails runs left running by a previous process before any
// service starts. Only the long-running server owns the store exclusively
// enough to do this.
func WithRunRecovery() Option {
	return func(o *options) { o.recoverRuns = true }
}

// New opens the state store and builds every service on top of it. Close
// releases them.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}


	db, err := database.Open(cfg.StateStorage)
	if err != nil {
		return nil, fmt.Errorf("open state storage: %w", err)
	}
	st, err := store.NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init state store: %w", err)
	}
	if o.recoverRuns {
		n, err := st.FailInterruptedRuns(context.Background())
		if err != nil {
			st.Close()
			return nil, err
		}
		if n > 0 {
			logger.Log.Warn("Failed runs interrupted by a previous shutdown", zap.Int64("runs", n))
		}
	}

	retrier := retry.FromConfig(cfg.Retry)
	connectors := connector.NewRegistry(
		csvfile.New(),
		sqlsource.New(),
		hubspot.New(retrier),
		binlog.New(),
	)
	providers := enrichment.NewRegistry(
		companieshouse.New(cfg.Enrichment.CompaniesHouse, retrier),
	)

	events := sync.NewDispatcher(eventBuffer, sync.LogSink{})
	events.Start()

	return &App{
		Store:      st,
		Connectors: connectors,
		Engine:     sync.NewEngine(st, connectors, cfg.Sync, sync.WithSink(events), sync.WithCredentials(cfg.Connectors)),
		Enrichment: enrichment.NewRunner(st, providers, cfg.Connectors),
		Reconcile:  reconcile.NewService(st),
		Auditor:    audit.NewAuditor(st),
		events:     events,
	}, nil
}

func (a *App) Close() error {
	a.events.Stop()
	return a.Store.Close()
}

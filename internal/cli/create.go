package cli

import (
	"database/sql"
	"io"

	"github.com/spf13/cobra"

	"extract-sync-service/internal/store"
)

// created reports a new record: the record itself as JSON, otherwise a
// one-line confirmation.
func created(opts *RootOptions, out io.Writer, kind string, id int64, v any) error {
	if opts.Format == "json" {
		return printJSON(out, v)
	}
	printSuccess(out, "Created %s %d", kind, id)
	return nil
}

func NewSourceCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage extract sources",
	}

	var (
		name, key string
		settings  map[string]string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a source backed by a connector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Required fields may come from the connectors section of the
			// config at run time, so only the key is checked here.
			if _, err := opts.app.Connectors.Get(key); err != nil {
				return err
			}
			src := &store.ExtractSource{Name: name, ConnectorKey: key, Config: settings}
			if err := opts.app.Store.CreateSource(cmd.Context(), src); err != nil {
				return err
			}
			return created(opts, cmd.OutOrStdout(), "source", src.ID, src)
		},
	}
	create.Flags().StringVar(&name, "name", "", "unique source name")
	create.Flags().StringVar(&key, "connector", "", "connector key, e.g. csv or sql")
	create.Flags().StringToStringVar(&settings, "set", nil, "connector setting as key=value, repeatable")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("connector")

	cmd.AddCommand(create)
	return cmd
}

func NewProfileCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage sync profiles",
	}

	var (
		sourceID          int64
		dataset, strategy string
		localTable        string
		identity          []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Bind a source dataset to a local table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := opts.app.Store.GetSource(ctx, sourceID); err != nil {
				return err
			}
			p := &store.SyncProfile{
				SourceID:          sourceID,
				DatasetIdentifier: dataset,
				Strategy:          store.Strategy(strategy),
				LocalTable:        localTable,
				IdentityColumns:   identity,
			}
			if err := opts.app.Store.CreateProfile(ctx, p); err != nil {
				return err
			}
			return created(opts, cmd.OutOrStdout(), "profile", p.ID, p)
		},
	}
	create.Flags().Int64Var(&sourceID, "source", 0, "source id")
	create.Flags().StringVar(&dataset, "dataset", "", "dataset identifier within the source")
	create.Flags().StringVar(&strategy, "strategy", string(store.StrategyFullRefresh), "full_refresh or watermark")
	create.Flags().StringVar(&localTable, "table", "", "local table the rows are written to")
	create.Flags().StringSliceVar(&identity, "id", nil, "identity column(s)")
	for _, f := range []string{"source", "dataset", "table"} {
		_ = create.MarkFlagRequired(f)
	}

	cmd.AddCommand(create)
	return cmd
}

func NewEnrichmentCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enrichment",
		Short: "Manage enrichment profiles",
	}

	var (
		p        store.EnrichmentProfile
		settings map[string]string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Define a provider lookup from a source column into a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profile := p
			profile.Config = settings
			if err := opts.app.Store.CreateEnrichmentProfile(cmd.Context(), &profile); err != nil {
				return err
			}
			return created(opts, cmd.OutOrStdout(), "enrichment profile", profile.ID, profile)
		},
	}
	create.Flags().StringVar(&p.Name, "name", "", "unique profile name")
	create.Flags().StringVar(&p.ProviderKey, "provider", "", "provider key, e.g. companies_house")
	create.Flags().StringVar(&p.SourceTable, "source-table", "", "table holding the identifiers")
	create.Flags().StringVar(&p.SourceColumn, "source-column", "", "column holding the identifiers")
	create.Flags().StringVar(&p.DestinationTable, "destination", "", "table the provider results are written to")
	create.Flags().StringToStringVar(&settings, "set", nil, "provider setting as key=value, repeatable")
	for _, f := range []string{"name", "provider", "source-table", "source-column", "destination"} {
		_ = create.MarkFlagRequired(f)
	}

	cmd.AddCommand(create)
	return cmd
}

func NewCorrectionCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "correction",
		Short: "Manage manual corrections",
	}

	var table, row, column, value, reason string
	create := &cobra.Command{
		Use:   "create",
		Short: "Record a corrected cell value applied by reconcile",
		Long: "Record a corrected cell value applied by reconcile.\n" +
			"Omitting --value records a correction that sets the cell to NULL.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			c := &store.Correction{
				TableName:     table,
				RowIdentifier: row,
				ColumnName:    column,
				NewValue:      sql.NullString{String: value, Valid: flags.Changed("value")},
				Reason:        sql.NullString{String: reason, Valid: reason != ""},
			}
			if err := opts.app.Store.CreateCorrection(cmd.Context(), c); err != nil {
				return err
			}
			return created(opts, cmd.OutOrStdout(), "correction", c.ID, c)
		},
	}
	create.Flags().StringVar(&table, "table", "", "source table the correction belongs to")
	create.Flags().StringVar(&row, "row", "", "row identifier, as computed over the identifier columns")
	create.Flags().StringVar(&column, "column", "", "column to correct")
	create.Flags().StringVar(&value, "value", "", "corrected value")
	create.Flags().StringVar(&reason, "reason", "", "why the value was corrected")
	for _, f := range []string{"table", "row", "column"} {
		_ = create.MarkFlagRequired(f)
	}

	cmd.AddCommand(create)
	return cmd
}

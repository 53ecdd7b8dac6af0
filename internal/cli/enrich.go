package cli

import (
	"github.com/spf13/cobra"
)

func NewEnrichCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enrich <enrichment-profile-id>",
		Short: "Look up missing identifiers through an enrichment provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			summary, err := opts.app.Enrichment.RunEnrichment(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return printJSON(out, summary)
			}
			printSuccess(out, "Enrichment %d finished", id)
			return table(out, []string{"ADDED", "SKIPPED", "NOT FOUND", "FAILED"}, [][]string{{
				itoa(summary.RowsAdded), itoa(summary.RowsSkipped), itoa(summary.RowsNotFound), itoa(summary.RowsFailed),
			}})
		},
	}
}

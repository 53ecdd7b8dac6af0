package cli

import (
	"github.com/spf13/cobra"

	"extract-sync-service/internal/store"
)

func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <profile-id>",
		Short: "Run one sync of a profile",
		Long: `Run one sync of a profile and print the resulting run.

Example:
  extractctl sync 3
  extractctl --config config.yaml sync 3 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			run, err := opts.app.Engine.RunSync(cmd.Context(), id)
			if run == nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				if jerr := printJSON(out, run); jerr != nil {
					return jerr
				}
				return err
			}
			if run.Status == store.RunSuccess {
				printSuccess(out, "Run %s succeeded", run.ID)
			} else {
				printError(out, "Run %s failed: %s", run.ID, run.ErrorMessage.String)
			}
			if terr := table(out, []string{"PROCESSED", "ADDED", "UPDATED", "UNCHANGED"}, [][]string{{
				itoa(run.RowsProcessed), itoa(run.RowsAdded), itoa(run.RowsUpdated), itoa(run.RowsUnchanged),
			}}); terr != nil {
				return terr
			}
			return err
		},
	}
}

func NewRunsCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <profile-id>",
		Short: "List recent runs of a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if _, err := opts.app.Store.GetProfile(cmd.Context(), id); err != nil {
				return err
			}
			runs, err := opts.app.Store.ListRuns(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return printJSON(out, runs)
			}
			if len(runs) == 0 {
				printWarning(out, "No runs for profile %d", id)
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.ID,
					string(r.Status),
					r.StartedAt.Format("2006-01-02 15:04:05"),
					itoa(r.RowsProcessed),
					itoa(r.RowsAdded),
					itoa(r.RowsUpdated),
					r.ErrorMessage.String,
				})
			}
			return table(out, []string{"RUN", "STATUS", "STARTED", "PROCESSED", "ADDED", "UPDATED", "ERROR"}, rows)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}

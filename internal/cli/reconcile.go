package cli

import (
	"github.com/spf13/cobra"
)

func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "reconcile <source-table> <destination-table>",
		Short: "Copy a table and apply recorded corrections to the copy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := opts.app.Reconcile.Reconcile(cmd.Context(), args[0], args[1], ids)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return printJSON(out, map[string]int64{"rows": n})
			}
			printSuccess(out, "Reconciled %d rows into %s", n, args[1])
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&ids, "id", nil, "identifier column(s) of the source table")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

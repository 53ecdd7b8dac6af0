package cli

import (
	"github.com/spf13/cobra"

	"extract-sync-service/internal/audit"
	"extract-sync-service/internal/store"
)

type auditResult struct {
	Run        *store.AuditRun    `json:"run"`
	Violations []*store.Violation `json:"violations"`
}

func NewAuditCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <rules.yaml>",
		Short: "Audit local tables against a rule file",
		Long: `Audit local tables against the rules declared in a YAML file.

Example rule file:
  audits:
    - table: contacts
      identified_by: id
      columns:
        - name: email
          rules: [required, {regex: "^[^@]+@[^@]+$"}]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := audit.LoadFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var results []auditResult
			for _, def := range defs {
				run, err := def.Builder(opts.app.Auditor).Run(cmd.Context())
				if err != nil {
					return err
				}
				violations, err := opts.app.Store.ListViolations(cmd.Context(), run.ID)
				if err != nil {
					return err
				}
				results = append(results, auditResult{Run: run, Violations: violations})
			}
			if opts.Format == "json" {
				return printJSON(out, results)
			}
			for _, res := range results {
				if res.Run.ViolationCount == 0 {
					printSuccess(out, "%s: no violations", res.Run.TableName)
					continue
				}
				printWarning(out, "%s: %d violations (audit %s)", res.Run.TableName, res.Run.ViolationCount, res.Run.ID)
				rows := make([][]string, 0, len(res.Violations))
				for _, v := range res.Violations {
					rows = append(rows, []string{v.RowIdentifier, v.ColumnName, v.RuleType, v.Message})
				}
				if err := table(out, []string{"ROW", "COLUMN", "RULE", "MESSAGE"}, rows); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewDatasetsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "datasets <source-id>",
		Short: "List the datasets a source exposes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			datasets, err := opts.app.Engine.Datasets(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return printJSON(out, datasets)
			}
			rows := make([][]string, 0, len(datasets))
			for _, ds := range datasets {
				rows = append(rows, []string{ds.Identifier, ds.Label})
			}
			return table(out, []string{"IDENTIFIER", "LABEL"}, rows)
		},
	}
}

func NewSchemaCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <source-id> <dataset>",
		Short: "Show the inferred schema of a dataset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			schema, err := opts.app.Engine.InferSchema(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return printJSON(out, schema)
			}
			rows := make([][]string, 0, len(schema.Fields))
			for _, f := range schema.Fields {
				rows = append(rows, []string{f.Name, f.SuggestedType, fmt.Sprint(f.Nullable)})
			}
			if err := table(out, []string{"FIELD", "TYPE", "NULLABLE"}, rows); err != nil {
				return err
			}
			fmt.Fprintf(out, "hash %s\n", schema.Hash())
			return nil
		},
	}
}

package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newConsolidateCmd() *cobra.Command {
	var dryRun bool
	var limit int

	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Run the short-term-to-long-term memory promotion pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.Consolidate(cmd.Context(), dryRun, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report promotion candidates without writing them")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of promoted entries reported, 0 means unlimited; every candidate is still promoted")
	return cmd
}

func newReindexCmd() *cobra.Command {
	var vector, text, graph bool

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the vector/text indices and clean up dangling graph edges",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.Reindex(cmd.Context(), vector, text, graph)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().BoolVar(&vector, "vector", true, "rebuild the vector index")
	cmd.Flags().BoolVar(&text, "text", true, "rebuild the text index")
	cmd.Flags().BoolVar(&graph, "graph", true, "drop dangling graph edges")
	return cmd
}

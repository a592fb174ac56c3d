package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newBackupCmd() *cobra.Command {
	var destination string
	var includeIndices bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the primary store to a backup directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.Backup(cmd.Context(), destination, includeIndices)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVar(&destination, "destination", "", "backup directory, default is a timestamped dir under cold/")
	cmd.Flags().BoolVar(&includeIndices, "include-indices", true, "also snapshot the vector/text index files")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var includeIndices bool

	cmd := &cobra.Command{
		Use:   "restore <source>",
		Short: "Replace the live store with a prior backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.Restore(cmd.Context(), args[0], includeIndices)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().BoolVar(&includeIndices, "include-indices", true, "also restore the vector/text index files")
	return cmd
}

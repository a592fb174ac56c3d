// Package cmd provides the hybridmemoryd CLI commands.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/amanmcp/hybridmemory/internal/logging"
	"github.com/amanmcp/hybridmemory/pkg/version"
)

var (
	configPath string
	dataDir    string
	debugMode  bool

	loggingCleanup func()
)

// NewRootCmd creates the root command for the hybridmemoryd CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hybridmemoryd",
		Short: "Local-first hybrid memory engine for AI agents",
		Long: `hybridmemoryd stores and retrieves agent memories and documents using
fused vector, keyword, and knowledge-graph search.

Run 'hybridmemoryd serve' to expose the engine to MCP clients over stdio.`,
		Version:           version.Version,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if loggingCleanup != nil {
				loggingCleanup()
			}
			return nil
		},
	}
	cmd.SetVersionTemplate("hybridmemoryd version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the engine's data directory")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newBackupCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newConsolidateCmd())
	cmd.AddCommand(newReindexCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func setupLogging(_ *cobra.Command, _ []string) error {
	cfg := logging.DefaultConfig()
	if debugMode {
		cfg = logging.DebugConfig()
	}
	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	loggingCleanup = cleanup
	return nil
}

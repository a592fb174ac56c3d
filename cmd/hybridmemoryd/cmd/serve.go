package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amanmcp/hybridmemory/internal/mcpadapter"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server over stdio",
		Long: `Start the hybrid memory engine and expose its operations as MCP tools
over stdio, for use by Claude Code, Cursor, and other MCP clients.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	srv, err := mcpadapter.NewServer(eng, slog.Default())
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

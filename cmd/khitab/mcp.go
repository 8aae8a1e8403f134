package main

import (
	"os"

	"github.com/comigor/khitab/internal/logger"
	"github.com/comigor/khitab/internal/mcpserver"
	"github.com/spf13/cobra"
)

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the session tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE:  runMCPCmd,
	}
	cmd.Flags().Bool("standalone", false, "no HTTP workers share the store (allows the memory backend)")
	return cmd
}

func runMCPCmd(cmd *cobra.Command, _ []string) error {
	// stdout carries the protocol
	logger.SetOutput(os.Stderr)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// alongside the HTTP workers this process is one more
	workers := cfg.Server.Workers + 1
	if standalone, _ := cmd.Flags().GetBool("standalone"); standalone {
		workers = 1
	}
	backend, err := openBackend(cmd.Context(), cfg, workers)
	if err != nil {
		return err
	}
	defer backend.Close()

	tools := mcpserver.NewTools(backend.Store, newController(cfg, backend))
	return mcpserver.ServeStdio(mcpserver.NewServer(tools, version))
}

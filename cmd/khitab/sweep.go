package main

import (
	"fmt"

	"github.com/comigor/khitab/internal/session"
	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired sessions once and exit",
		Long: "Run a single expiry sweep against the configured shared store. " +
			"Useful from cron when no server process is running.",
		Args: cobra.NoArgs,
		RunE: runSweepCmd,
	}
}

func runSweepCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if session.StoreType(cfg.Session.Backend) == session.StoreTypeMemory {
		return fmt.Errorf("sweep needs a shared backend; the memory store lives only inside a server process")
	}

	backend, err := openBackend(cmd.Context(), cfg, 1)
	if err != nil {
		return err
	}
	defer backend.Close()

	removed := session.NewSweeper(backend.Store, cfg.Session.SweepInterval).SweepOnce(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired sessions\n", removed)
	return nil
}

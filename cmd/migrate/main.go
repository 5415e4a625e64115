package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"erpsplit/internal/app"
	"erpsplit/internal/platform/config"
	"erpsplit/internal/platform/logger"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Plan and run the decomposition of legacy collections into service-owned entities",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("registry", "", "Bounded-context registry file (overrides ERPSPLIT_REGISTRY_FILE)")
	rootCmd.PersistentFlags().Bool("json", false, "Print results as JSON")

	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(plansCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var errNoLegacyStore = errors.New("no legacy store configured: set MIGRATION_LEGACY_STORE to a store listed in ERPSPLIT_STORES")

// openApp wires the runtime the commands need. The caller closes it.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if path, _ := cmd.Flags().GetString("registry"); path != "" {
		cfg.Registry.File = path
	}
	a, err := app.New(cmd.Context(), cfg, logger.NewWithWriter(os.Stderr, cfg.LogLevel))
	if err != nil {
		return nil, err
	}
	if a.Normalizer == nil {
		a.Close()
		return nil, errNoLegacyStore
	}
	return a, nil
}

func jsonOutput(cmd *cobra.Command) bool {
	on, _ := cmd.Flags().GetBool("json")
	return on
}

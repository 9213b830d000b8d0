// Package cmd defines the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/benchharvest/harvester/internal/app"
	"github.com/benchharvest/harvester/internal/scheduler"
)

var cfgFile string

// appKeyType keys the App in the command context.
type appKeyType struct{}

var appKey appKeyType

// newApp is the application factory; tests replace it with a stub.
var newApp = func(ctx context.Context) (*app.App, error) {
	return app.New(ctx, cfgFile)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Benchmark result harvester",
		Long: `harvester collects benchmark result payloads from the public browser,
caches the raw documents on disk, and reconciles a relational table of
parsed fields against the remote corpus.`,

		// Build services after flags and config resolve, before any RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default uses environment variables)")

	cmd.AddCommand(newHarvestCmd())
	cmd.AddCommand(newCompactCmd())
	cmd.AddCommand(newOrganizeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command under a signal-cancelled context. The
// process exits 2 on authentication exhaustion and 1 on any other fatal
// error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrAuthExhausted):
		os.Exit(2)
	default:
		os.Exit(1)
	}
}

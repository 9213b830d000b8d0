package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/benchharvest/harvester/internal/api"
	"github.com/benchharvest/harvester/internal/fetcher"
	"github.com/benchharvest/harvester/internal/planner"
	"github.com/benchharvest/harvester/internal/progress"
	"github.com/benchharvest/harvester/internal/scheduler"
)

func newHarvestCmd() *cobra.Command {
	var (
		nullRetry  bool
		continuous bool
		ids        []int64
	)

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Run the harvest phases against the remote corpus",
		Long: `Runs the reconciliation phases in order: trim the null frontier, fill
gaps below the stored maximum, optionally retry all-null rows and fetch
specific IDs, then catch up to the remote frontier. With --continuous the
run stays alive, polling for newly published records.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, nullRetry, continuous, ids)
		},
	}

	cmd.Flags().BoolVar(&nullRetry, "null-retry", false, "retry rows whose fields are all null")
	cmd.Flags().BoolVar(&continuous, "continuous", false, "keep polling the frontier after catch-up")
	cmd.Flags().Int64SliceVar(&ids, "ids", nil, "specific record IDs to fetch")

	return cmd
}

func runHarvest(cmd *cobra.Command, nullRetry, continuous bool, ids []int64) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	runID := progress.UUIDToBytes(uuid.New())
	f := fetcher.New(
		appInstance.Remote(),
		appInstance.Cache(),
		appInstance.Store(),
		appInstance.Schema(),
		appInstance.Publisher(),
		appInstance.Hub(),
		runID,
		logger,
	)
	pl := planner.New(appInstance.Store(), appInstance.Remote(), logger)
	sched := scheduler.New(scheduler.Config{
		Workers:         cfg.Scheduler.Workers,
		BatchSize:       cfg.Scheduler.BatchSize,
		MaxAuthAttempts: cfg.Session.MaxAttempts,
		SyncInterval:    cfg.SyncInterval(),
		SyncDelay:       cfg.SyncDelay(),
		NullRetry:       nullRetry,
		SpecificIDs:     ids,
		Continuous:      continuous,
	}, pl, f, appInstance.Sessions(), stdinPrompter{}, appInstance.Hub(), runID, logger)

	g, ctx := errgroup.WithContext(cmd.Context())
	if cfg.API.Enabled {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.API.Port),
			Handler:           api.NewServer(sched, appInstance.Registry(), logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("status server listening", zap.Int("port", cfg.API.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx) //nolint:wrapcheck
		})
	}

	var runErr error
	g.Go(func() error {
		runErr = sched.Run(ctx)
		if runErr != nil && !errors.Is(runErr, scheduler.ErrAuthExhausted) {
			return runErr
		}
		// Stop the api server once the run finishes.
		return context.Canceled
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logSummary(logger, sched.Status())
	return runErr
}

func logSummary(logger *zap.Logger, status scheduler.Status) {
	for phase, sum := range status.Phases {
		logger.Info("phase summary",
			zap.String("phase", string(phase)),
			zap.Int64("attempted", sum.Attempted),
			zap.Int64("succeeded", sum.Succeeded),
			zap.Int64("not_found", sum.NotFound),
			zap.Int64("transient", sum.Transient),
			zap.Int64("auth_errors", sum.AuthErrors),
		)
	}
	logger.Info("harvest finished",
		zap.String("run_id", status.RunID),
		zap.String("state", string(status.State)),
		zap.Int64("watermark", status.Watermark),
		zap.Int64("attempted", status.Totals.Attempted),
		zap.Int64("succeeded", status.Totals.Succeeded),
	)
}

// stdinPrompter reads credentials interactively when a session refresh is
// needed mid-run.
type stdinPrompter struct{}

func (stdinPrompter) Prompt() (string, string, error) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Fprint(os.Stderr, "username: ")
	username, err := reader.ReadString('\n')
	if err != nil {
		return "", "", fmt.Errorf("read username: %w", err)
	}
	fmt.Fprint(os.Stderr, "password: ")
	password, err := reader.ReadString('\n')
	if err != nil {
		return "", "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(username), strings.TrimSpace(password), nil
}

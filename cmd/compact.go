package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/benchharvest/harvester/internal/archive"
)

func newCompactCmd() *cobra.Command {
	var watermark int64

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Zip finished payload shards and remove their directories",
		Long: `Archives every payload shard whose ID range lies entirely below the
watermark. By default the watermark is the highest stored record ID; pass
--watermark to override it. Finished archives are optionally uploaded via
the configured archive provider.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCompact(cmd, watermark)
		},
	}

	cmd.Flags().Int64Var(&watermark, "watermark", 0, "compact shards ending at or below this ID (default: stored maximum)")

	return cmd
}

func runCompact(cmd *cobra.Command, watermark int64) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	if watermark <= 0 {
		watermark, err = appInstance.Store().MaxID(cmd.Context())
		if err != nil {
			return fmt.Errorf("resolve watermark: %w", err)
		}
	}
	if watermark == 0 {
		logger.Info("nothing to compact, store is empty")
		return nil
	}

	provider, err := appInstance.ArchiveProvider(cmd.Context())
	if err != nil {
		return err
	}
	if provider != nil {
		defer func() {
			if cerr := provider.Close(); cerr != nil {
				logger.Warn("archive provider close failed", zap.Error(cerr))
			}
		}()
	}

	compactor := archive.NewCompactor(appInstance.Cache(), provider,
		appInstance.Config().Archive.Prefix, logger)
	compacted, err := compactor.Run(cmd.Context(), watermark)
	if err != nil {
		return fmt.Errorf("compact shards: %w", err)
	}
	logger.Info("compaction finished",
		zap.Int("shards", compacted),
		zap.Int64("watermark", watermark))
	return nil
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/benchharvest/harvester/internal/archive"
)

func newOrganizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "organize",
		Short: "File loose payloads into their shard directories",
		Long: `Moves payload files sitting at the cache root into the shard
directory their record ID belongs to. Useful after unpacking an archive or
dropping payloads in by hand.`,
		RunE: runOrganize,
	}
}

func runOrganize(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	organizer := archive.NewOrganizer(appInstance.Cache(), appInstance.Logger())
	moved, err := organizer.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("organize payloads: %w", err)
	}
	appInstance.Logger().Info("organize finished", zap.Int("moved", moved))
	return nil
}

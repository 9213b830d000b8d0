package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Organizer files loose payload files at the cache root into their shard
// directories. Loose files appear when payloads are dropped in by hand or
// recovered from an unpacked archive.
type Organizer struct {
	layout Layout
	logger *zap.Logger
}

// NewOrganizer builds an Organizer.
func NewOrganizer(layout Layout, logger *zap.Logger) *Organizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Organizer{layout: layout, logger: logger}
}

// Run moves every loose {id}.{ext} file into its shard directory and
// returns how many were moved. Files that do not parse as record IDs are
// left alone.
func (o *Organizer) Run(ctx context.Context) (int, error) {
	suffix := "." + o.layout.Extension()
	entries, err := os.ReadDir(o.layout.BaseDir())
	if err != nil {
		return 0, fmt.Errorf("read cache directory: %w", err)
	}

	moved := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return moved, fmt.Errorf("organize canceled: %w", err)
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(entry.Name(), suffix), 10, 64)
		if err != nil || id <= 0 {
			continue
		}

		shardDir := filepath.Join(o.layout.BaseDir(), o.layout.ShardDir(id))
		if err := os.MkdirAll(shardDir, 0o750); err != nil {
			return moved, fmt.Errorf("create shard directory: %w", err)
		}
		src := filepath.Join(o.layout.BaseDir(), entry.Name())
		dest := filepath.Join(shardDir, entry.Name())
		if err := os.Rename(src, dest); err != nil {
			return moved, fmt.Errorf("move payload %s: %w", entry.Name(), err)
		}
		moved++
	}
	if moved > 0 {
		o.logger.Info("organized loose payloads", zap.Int("moved", moved))
	}
	return moved, nil
}

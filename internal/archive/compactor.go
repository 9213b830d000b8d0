// Package archive maintains the payload cache on disk: zipping finished
// shards and filing loose payloads into their shard directories.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/benchharvest/harvester/internal/storage"
)

var shardDirPattern = regexp.MustCompile(`^(\d+)-(\d+)$`)

// Layout exposes the cache geometry the archive jobs need.
type Layout interface {
	BaseDir() string
	ShardSize() int64
	Extension() string
	ShardDir(id int64) string
}

// Compactor zips shard directories that can no longer grow and removes
// them. A shard is finished once the remote watermark has passed its last
// ID; every payload in it is immutable from then on.
type Compactor struct {
	layout   Layout
	provider storage.Provider
	prefix   string
	logger   *zap.Logger
}

// NewCompactor builds a Compactor. The provider may be nil, in which case
// finished archives stay next to the cache.
func NewCompactor(layout Layout, provider storage.Provider, prefix string, logger *zap.Logger) *Compactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{layout: layout, provider: provider, prefix: prefix, logger: logger}
}

// Run compacts every shard whose ID range ends at or below watermark.
// Directories whose archive already exists are simply removed; interrupted
// archives never become visible because the zip is written to a temp file
// and renamed. Returns the number of shards compacted this pass.
func (c *Compactor) Run(ctx context.Context, watermark int64) (int, error) {
	shards, err := c.finishedShards(watermark)
	if err != nil {
		return 0, err
	}

	compacted := 0
	for _, shard := range shards {
		if err := ctx.Err(); err != nil {
			return compacted, fmt.Errorf("compaction canceled: %w", err)
		}
		if err := c.compactShard(ctx, shard); err != nil {
			return compacted, err
		}
		compacted++
	}
	return compacted, nil
}

// finishedShards lists shard directories with end <= watermark, ascending.
func (c *Compactor) finishedShards(watermark int64) ([]string, error) {
	entries, err := os.ReadDir(c.layout.BaseDir())
	if err != nil {
		return nil, fmt.Errorf("read cache directory: %w", err)
	}

	type shard struct {
		name  string
		start int64
	}
	var finished []shard
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m := shardDirPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		start, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			continue
		}
		if end-start+1 != c.layout.ShardSize() {
			c.logger.Warn("skipping shard directory with unexpected range",
				zap.String("dir", entry.Name()))
			continue
		}
		if end <= watermark {
			finished = append(finished, shard{name: entry.Name(), start: start})
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].start < finished[j].start })

	names := make([]string, len(finished))
	for i, s := range finished {
		names[i] = s.name
	}
	return names, nil
}

func (c *Compactor) compactShard(ctx context.Context, shard string) error {
	dir := filepath.Join(c.layout.BaseDir(), shard)
	zipPath := filepath.Join(c.layout.BaseDir(), shard+".zip")

	if _, err := os.Stat(zipPath); err == nil {
		// A prior pass finished the archive but not the cleanup.
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove compacted shard %s: %w", shard, err)
		}
		c.logger.Info("removed shard with existing archive", zap.String("shard", shard))
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat archive %s: %w", zipPath, err)
	}

	if err := c.writeZip(dir, zipPath); err != nil {
		return err
	}
	if err := c.upload(ctx, shard, zipPath); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove compacted shard %s: %w", shard, err)
	}
	c.logger.Info("compacted shard", zap.String("shard", shard))
	return nil
}

func (c *Compactor) writeZip(dir, zipPath string) error {
	tmp := zipPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer os.Remove(tmp) //nolint:errcheck

	zw := zip.NewWriter(f)
	err = c.addEntries(zw, dir)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write archive for %s: %w", dir, err)
	}
	if err := os.Rename(tmp, zipPath); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}

func (c *Compactor) addEntries(zw *zip.Writer, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read shard directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := c.addEntry(zw, dir, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compactor) addEntry(zw *zip.Writer, dir, name string) error {
	src, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("open payload %s: %w", name, err)
	}
	defer src.Close() //nolint:errcheck

	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create archive entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("write archive entry %s: %w", name, err)
	}
	return nil
}

func (c *Compactor) upload(ctx context.Context, shard, zipPath string) error {
	if c.provider == nil {
		return nil
	}
	f, err := os.Open(zipPath)
	if err != nil {
		return fmt.Errorf("open archive for upload: %w", err)
	}
	defer f.Close() //nolint:errcheck

	object := shard + ".zip"
	if c.prefix != "" {
		object = c.prefix + "/" + object
	}
	uri, err := c.provider.PutObject(ctx, object, "application/zip", f)
	if err != nil {
		return fmt.Errorf("upload archive %s: %w", object, err)
	}
	c.logger.Info("uploaded shard archive", zap.String("shard", shard), zap.String("uri", uri))
	return nil
}

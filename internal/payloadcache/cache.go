// Package payloadcache implements the sharded on-disk cache of raw
// benchmark payloads. It is a non-authoritative read-through acceleration
// structure; the relational store remains the source of truth.
package payloadcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the payload cache.
type Config struct {
	// BaseDir is the root directory where payload shards are stored.
	BaseDir string `mapstructure:"base_dir"`
	// ShardSize is the fixed number of IDs per shard directory.
	ShardSize int64 `mapstructure:"shard_size"`
	// Extension is the payload file extension without the dot.
	Extension string `mapstructure:"extension"`
}

// Cache stores one raw payload file per record ID, bucketed into
// fixed-size contiguous ID ranges.
type Cache struct {
	baseDir   string
	shardSize int64
	ext       string
}

// New validates the base directory and returns a Cache.
func New(cfg Config) (*Cache, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if cfg.ShardSize <= 0 {
		return nil, fmt.Errorf("shard size must be > 0")
	}
	ext := cfg.Extension
	if ext == "" {
		ext = "gbml"
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	}

	return &Cache{
		baseDir:   cfg.BaseDir,
		shardSize: cfg.ShardSize,
		ext:       ext,
	}, nil
}

// ShardRange returns the inclusive [start, end] ID range of the shard
// containing id.
func (c *Cache) ShardRange(id int64) (int64, int64) {
	start := (id-1)/c.shardSize*c.shardSize + 1
	return start, start + c.shardSize - 1
}

// ShardDir returns the shard directory name for id. The name encodes the
// shard's ID range so compaction jobs can discover whole shards.
func (c *Cache) ShardDir(id int64) string {
	start, end := c.ShardRange(id)
	return fmt.Sprintf("%d-%d", start, end)
}

// Path returns the canonical on-disk location for id's payload.
func (c *Cache) Path(id int64) string {
	return filepath.Join(c.baseDir, c.ShardDir(id), fmt.Sprintf("%d.%s", id, c.ext))
}

// Get returns the cached payload for id. Absence is not an error.
func (c *Cache) Get(id int64) ([]byte, bool, error) {
	data, err := os.ReadFile(c.Path(id))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cached payload %d: %w", id, err)
	}
	return data, true, nil
}

// Put writes the payload for id at its canonical shard path, creating the
// shard directory if needed. Overwrites are safe; payloads are immutable
// once published so a rewrite stores identical content.
func (c *Cache) Put(id int64, data []byte) error {
	path := c.Path(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create shard directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write payload %d: %w", id, err)
	}
	return nil
}

// BaseDir exposes the cache root for maintenance jobs.
func (c *Cache) BaseDir() string { return c.baseDir }

// ShardSize exposes the shard geometry for maintenance jobs.
func (c *Cache) ShardSize() int64 { return c.shardSize }

// Extension exposes the payload file extension for maintenance jobs.
func (c *Cache) Extension() string { return c.ext }

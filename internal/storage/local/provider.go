// Package local implements a local filesystem archive store.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local archive store.
type Config struct {
	// BaseDir is the root directory where archives are stored.
	BaseDir string `mapstructure:"base_dir"`
}

// Provider writes archives to the local filesystem.
type Provider struct {
	baseDir string
}

// New creates a local filesystem-backed Provider, verifying the base
// directory exists and is writable.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("clean up writability probe: %w", err)
	}

	return &Provider{baseDir: cfg.BaseDir}, nil
}

// PutObject writes the reader to a file under the base directory and
// returns a file:// URI. Parent directories are created as needed.
func (p *Provider) PutObject(ctx context.Context, path, _ string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put object canceled: %w", err)
	}
	dest := filepath.Join(p.baseDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", fmt.Errorf("create object directory: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create object file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close() //nolint:errcheck
		return "", fmt.Errorf("write object %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close object %s: %w", path, err)
	}
	return "file://" + dest, nil
}

// Close implements storage.Provider; nothing to release.
func (p *Provider) Close() error { return nil }

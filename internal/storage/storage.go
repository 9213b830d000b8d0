// Package storage defines the archive upload interface and its providers.
package storage

import (
	"context"
	"io"
)

// Provider stores finished shard archives. Implementations return a URI
// identifying the stored object.
type Provider interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
	Close() error
}

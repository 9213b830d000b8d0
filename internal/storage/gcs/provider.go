// Package gcs implements a Google Cloud Storage archive store.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// Provider uploads archives to a GCS bucket. Authentication uses
// Application Default Credentials.
type Provider struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// New initializes the client and verifies the bucket is reachable so a
// misconfigured deployment fails at startup, not mid-run.
func New(ctx context.Context, bucket string, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("gcs client close failed after bucket check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", bucket, err)
	}
	return &Provider{client: client, bucket: bucket, logger: logger}, nil
}

// PutObject streams the reader into the named object. Close finalizes the
// upload; a failed write still closes the writer to release resources.
func (p *Provider) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	wc := p.client.Bucket(p.bucket).Object(strings.TrimPrefix(path, "/")).NewWriter(ctx)
	if contentType != "" {
		wc.ContentType = contentType
	}
	if _, err := io.Copy(wc, r); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			p.logger.Warn("gcs writer close failed after write failure", zap.Error(closeErr))
		}
		return "", fmt.Errorf("write gcs object %s: %w", path, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("finalize gcs object %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", p.bucket, strings.TrimPrefix(path, "/")), nil
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}

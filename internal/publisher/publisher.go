// Package publisher defines the downstream notification interface for
// successfully harvested records.
package publisher

import (
	"context"
	"time"
)

// Record is the summary published for each fully parsed record.
type Record struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Publisher delivers record summaries to a downstream consumer.
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// Noop discards every publish. It is the default when no provider is
// configured.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Record) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }

// Package memory contains an in-memory publisher for tests.
package memory

import (
	"context"
	"sync"

	"github.com/benchharvest/harvester/internal/publisher"
)

// Publisher stores published records for inspection.
type Publisher struct {
	mu      sync.RWMutex
	records []publisher.Record
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message.
func (p *Publisher) Publish(_ context.Context, rec publisher.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return nil
}

// Records returns a copy of the recorded publishes.
func (p *Publisher) Records() []publisher.Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.Record, len(p.records))
	copy(out, p.records)
	return out
}

// Close implements publisher.Publisher.
func (p *Publisher) Close() error { return nil }

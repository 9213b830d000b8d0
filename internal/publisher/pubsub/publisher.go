// Package pubsub implements a Google Cloud Pub/Sub record publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/benchharvest/harvester/internal/publisher"
)

// Publisher sends record summaries to a Pub/Sub topic. Authentication uses
// Application Default Credentials.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// New creates a client and verifies the topic exists before returning.
func New(ctx context.Context, projectID, topicID string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &Publisher{client: client, topic: topic}, nil
}

// Publish marshals the record to JSON and waits for the server ack. The
// client batches and retries internally.
func (p *Publisher) Publish(ctx context.Context, rec publisher.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish record %d: %w", rec.ID, err)
	}
	return nil
}

// Close flushes pending publishes and releases the client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

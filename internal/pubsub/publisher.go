package pubsub

import (
	"context"
	"fmt"
	"sync"

	"app/internal/config"
	"app/internal/logger"

	"cloud.google.com/go/pubsub"

	"github.com/rs/zerolog"
)

// Publisher fans audit events out to downstream consumers: usage recordings
// from the usage service and applied lifecycle events from the reconciler.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// PubSubPublisher implements Publisher on Google Pub/Sub. Topic handles are
// cached per topic name; the audit fanout hits the same topic on every call
// and handle creation is not free.
type PubSubPublisher struct {
	client *pubsub.Client
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPublisher creates a publisher for the GCP project in config.
func NewPublisher(ctx context.Context, cfg *config.Config) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.GCPProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return &PubSubPublisher{
		client: client,
		logger: logger.New().With().Str("service", "PubSubPublisher").Logger(),
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

func (p *PubSubPublisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Publish sends the payload to the topic and returns the message ID. Audit
// publishes are best effort at the call sites; a failure is returned to the
// caller, never retried here.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	result := p.topic(topic).Publish(ctx, &pubsub.Message{Data: payload})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish audit event to topic %s: %w", topic, err)
	}
	p.logger.Debug().Str("topic", topic).Str("message_id", id).Msg("Audit event published")
	return id, nil
}

// Close stops the cached topic handles, flushing pending publishes, and
// releases the client.
func (p *PubSubPublisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}

package reconcile

import (
	"context"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/vendsync/config"
)

// RunRequest is the pubsub message that asks for one business run.
type RunRequest struct {
	BusinessId    string `json:"business_id"`
	CorrelationId string `json:"correlation_id,omitempty"`
	RequestedBy   string `json:"requested_by,omitempty"`
}

// Publisher queues run requests.
type Publisher interface {
	PublishRun(ctx context.Context, req RunRequest) (string, error)
}

type PubSubPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubPublisher publishes to cfg.ReconcileTopic, creating the topic when
// cfg.CreateTopic is set.
func NewPubSubPublisher(ctx context.Context, client *pubsub.Client, cfg config.PubSubConfig) (*PubSubPublisher, error) {
	if cfg.CreateTopic {
		t, err := config.EnsureTopic(ctx, client, cfg.ReconcileTopic)
		if err != nil {
			return nil, err
		}
		return &PubSubPublisher{topic: t}, nil
	}
	return &PubSubPublisher{topic: client.Topic(cfg.ReconcileTopic)}, nil
}

func (p *PubSubPublisher) PublishRun(ctx context.Context, req RunRequest) (string, error) {
	attrs := map[string]string{"business_id": req.BusinessId}
	if req.CorrelationId != "" {
		attrs["correlation_id"] = req.CorrelationId
	}
	return config.PublishJSON(ctx, p.topic, req, attrs)
}

// Stop flushes pending publishes.
func (p *PubSubPublisher) Stop() { p.topic.Stop() }

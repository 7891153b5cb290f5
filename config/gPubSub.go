package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

const defaultReconcileTopic = "vendsync-reconcile"

// PubSubConfig describes where reconcile triggers are published.
type PubSubConfig struct {
	ProjectID       string
	CredentialsJSON string
	ReconcileTopic  string
	CreateTopic     bool
}

// PubSubConfigFromEnv reads PUBSUB_PROJECT_ID (falling back to the project
// variables Cloud Run sets), PUBSUB_CREDENTIALS_JSON, VENDSYNC_RECONCILE_TOPIC
// and VENDSYNC_RECONCILE_CREATE_TOPIC.
func PubSubConfigFromEnv() PubSubConfig {
	cfg := PubSubConfig{
		CredentialsJSON: os.Getenv("PUBSUB_CREDENTIALS_JSON"),
		ReconcileTopic:  strings.TrimSpace(os.Getenv("VENDSYNC_RECONCILE_TOPIC")),
		CreateTopic:     EnvBoolDefault("VENDSYNC_RECONCILE_CREATE_TOPIC", false),
	}
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			cfg.ProjectID = v
			break
		}
	}
	if cfg.ReconcileTopic == "" {
		cfg.ReconcileTopic = defaultReconcileTopic
	}
	return cfg
}

// NewPubSubClient retries with backoff until a client is created or ctx ends.
// Application Default Credentials are used unless CredentialsJSON is set.
func NewPubSubClient(ctx context.Context, logg *logrus.Logger, cfg PubSubConfig) (*pubsub.Client, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	fields := logrus.Fields{"field": "pubsub", "project_id": cfg.ProjectID}

	for attempt := 1; ; attempt++ {
		fields["attempt"] = attempt
		c, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
		if err == nil {
			logg.WithFields(fields).Info("pubsub client ready")
			return c, nil
		}
		sleep := backoff(attempt)
		logg.WithFields(fields).Warn(fmt.Sprintf("failed to init pubsub client: %v; retrying in %s", err, sleep))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// EnsureTopic returns the topic, creating it when it does not exist.
func EnsureTopic(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", topic, err)
	}
	if ok {
		return t, nil
	}
	if t, err = c.CreateTopic(ctx, topic); err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// PublishJSON publishes obj with the given attributes and waits for the
// server-assigned message id.
func PublishJSON(ctx context.Context, t *pubsub.Topic, obj any, attrs map[string]string) (string, error) {
	if t == nil {
		return "", errors.New("pubsub topic is nil")
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return t.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
}

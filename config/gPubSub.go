package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

var (
	pubsubClient *pubsub.Client
	pubsubTopics = map[string]*pubsub.Topic{}
	pubsubMu     sync.Mutex
)

func init() {
	godotenv.Load()
}

func pubSubProjectId() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// pubSubTopic returns a cached topic handle, creating the client with retries
// on first use. Credentials come from PUBSUB_CREDENTIALS_JSON or ADC.
func pubSubTopic(ctx context.Context, name string) (*pubsub.Topic, error) {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if t, ok := pubsubTopics[name]; ok {
		return t, nil
	}
	if pubsubClient == nil {
		c, err := connectPubSub(ctx)
		if err != nil {
			return nil, err
		}
		pubsubClient = c
	}
	t := pubsubClient.Topic(name)
	pubsubTopics[name] = t
	return t, nil
}

func connectPubSub(ctx context.Context) (*pubsub.Client, error) {
	projectId := pubSubProjectId()
	if projectId == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}
	maxAttempts := intFromEnv("PUBSUB_CONNECT_ATTEMPTS", 5)

	for attempt := 1; ; attempt++ {
		c, err := pubsub.NewClient(ctx, projectId, opts...)
		if err == nil {
			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectId, attempt)
			return c, nil
		}
		if attempt >= maxAttempts {
			return nil, fmt.Errorf("init pubsub client (project_id=%s): %w", projectId, err)
		}
		sleep := RetryBackoff(attempt)
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectId, attempt, err, sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// EnsureTopic creates the topic when it does not exist yet.
func EnsureTopic(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("topic is required")
	}
	t, err := pubSubTopic(ctx, name)
	if err != nil {
		return err
	}
	ok, err := t.Exists(ctx)
	if err != nil || ok {
		return err
	}
	pubsubMu.Lock()
	client := pubsubClient
	pubsubMu.Unlock()
	if _, err := client.CreateTopic(ctx, name); err != nil {
		return fmt.Errorf("create topic %q: %w", name, err)
	}
	return nil
}

// PublishJSON marshals obj and publishes it to topicName, returning the
// server-assigned message id.
func PublishJSON(ctx context.Context, topicName string, obj interface{}, attributes map[string]string) (string, error) {
	if topicName == "" {
		return "", errors.New("topicName is required")
	}
	jsonData, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	t, err := pubSubTopic(ctx, topicName)
	if err != nil {
		return "", err
	}
	return t.Publish(ctx, &pubsub.Message{Data: jsonData, Attributes: attributes}).Get(ctx)
}

// ClosePubSub flushes pending publishes and closes the client.
func ClosePubSub() {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	for name, t := range pubsubTopics {
		t.Stop()
		delete(pubsubTopics, name)
	}
	if pubsubClient != nil {
		_ = pubsubClient.Close()
		pubsubClient = nil
	}
}

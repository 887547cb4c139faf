package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// NotificationMessage is the wire payload consumed by the notification service
// (email/SMS/in-app rendering happens there).
type NotificationMessage struct {
	ID               int             `json:"id"`
	RecipientActorId int             `json:"recipient_actor_id"`
	Kind             string          `json:"kind"`
	Context          json.RawMessage `json:"context"`
	CorrelationId    string          `json:"correlation_id"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

var (
	pubsubClient      *pubsub.Client
	notificationTopic *pubsub.Topic
	pubsubClientMu    sync.Mutex
)

// GetPubSubClient returns the shared Pub/Sub client, creating it on first use.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	c, err := GetConfig()
	if err != nil {
		return nil, err
	}
	if c.PubSubProjectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID not set")
	}

	var client *pubsub.Client
	if c.PubSubCredentials != "" {
		client, err = pubsub.NewClient(ctx, c.PubSubProjectID, option.WithCredentialsJSON([]byte(c.PubSubCredentials)))
	} else {
		client, err = pubsub.NewClient(ctx, c.PubSubProjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pubsubClient = client
	log.Printf("pubsub client ready (project_id=%s)", c.PubSubProjectID)
	return pubsubClient, nil
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// getNotificationTopic returns the shared publisher for the notification topic.
// Its batching goroutines live until ClosePubSubClient stops it.
func getNotificationTopic(ctx context.Context) (*pubsub.Topic, error) {
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return nil, err
	}
	c, err := GetConfig()
	if err != nil {
		return nil, err
	}
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if notificationTopic == nil {
		notificationTopic = client.Topic(c.NotificationTopic)
	}
	return notificationTopic, nil
}

// PublishNotificationWithResult publishes and returns the Pub/Sub server-assigned message ID.
func PublishNotificationWithResult(ctx context.Context, msg NotificationMessage) (string, error) {
	t, err := getNotificationTopic(ctx)
	if err != nil {
		return "", err
	}
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := t.Publish(ctx, &pubsub.Message{
		Data: msgJSON,
		Attributes: map[string]string{
			"kind":           msg.Kind,
			"correlation_id": msg.CorrelationId,
		},
	})
	return result.Get(ctx)
}

// ClosePubSubClient flushes the notification publisher and closes the shared client.
func ClosePubSubClient() error {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if notificationTopic != nil {
		notificationTopic.Stop()
		notificationTopic = nil
	}
	if pubsubClient == nil {
		return nil
	}
	err := pubsubClient.Close()
	pubsubClient = nil
	return err
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/onlyintx/api/internal/services"
)

// PubSubAlertPublisher publishes fulfillment reconciliation alerts to a Pub/Sub topic.
type PubSubAlertPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubAlertPublisher constructs a Pub/Sub backed alert publisher.
func NewPubSubAlertPublisher(topic *pubsub.Topic) (*PubSubAlertPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub alert publisher: topic is required")
	}
	return &PubSubAlertPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishFulfillmentAlert enqueues an alert message on the configured topic.
func (p *PubSubAlertPublisher) PublishFulfillmentAlert(ctx context.Context, alert services.FulfillmentAlert) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub alert publisher: not initialised")
	}

	data, err := p.marshal(alert)
	if err != nil {
		return "", fmt.Errorf("marshal fulfillment alert: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", alert.OrderID)
	setAttr(attrs, "paymentReference", alert.PaymentReference)
	setAttr(attrs, "kind", alert.Kind)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish fulfillment alert: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/CaoNhatLinh/squareup-sub001/models"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
)

const (
	EventOrderPaid          = "order.paid"
	EventOrderStatusChanged = "order.status_changed"
	EventOrderRefunded      = "order.refunded"
)

type OrderEvent struct {
	ID             string             `json:"id"`
	Type           string             `json:"type"`
	RestaurantId   string             `json:"restaurantId"`
	OrderId        string             `json:"orderId"`
	PendingOrderId string             `json:"pendingOrderId,omitempty"`
	Status         models.OrderStatus `json:"status"`
	Total          decimal.Decimal    `json:"total"`
	OccurredAt     time.Time          `json:"occurredAt"`
}

func newOrderEvent(eventType string, order *models.Order, at time.Time) OrderEvent {
	return OrderEvent{
		ID:             uuid.NewString(),
		Type:           eventType,
		RestaurantId:   order.RestaurantId,
		OrderId:        order.ID,
		PendingOrderId: order.PendingOrderId,
		Status:         order.Status,
		Total:          order.Total,
		OccurredAt:     at,
	}
}

// OrderEventPublisher delivers order events to downstream consumers. Delivery
// is best-effort: publish failures never undo the write that caused them.
type OrderEventPublisher interface {
	Publish(ctx context.Context, event OrderEvent) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, OrderEvent) error { return nil }

type PubSubPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubPublisher(topic *pubsub.Topic) *PubSubPublisher {
	return &PubSubPublisher{topic: topic}
}

func (p *PubSubPublisher) Publish(ctx context.Context, event OrderEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"type":         event.Type,
			"restaurantId": event.RestaurantId,
			"orderId":      event.OrderId,
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// RabbitMQPublisher publishes persistent JSON messages to a topic exchange
// with routing key "<event type>.<restaurant id>".
type RabbitMQPublisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
}

func NewRabbitMQPublisher(ch *amqp.Channel, exchange string) *RabbitMQPublisher {
	return &RabbitMQPublisher{ch: ch, exchange: exchange}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, event OrderEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, event.Type+"."+event.RestaurantId, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    event.ID,
		Type:         event.Type,
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
}

// RecordingPublisher keeps events in memory. Used by tests and local runs.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (p *RecordingPublisher) Publish(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *RecordingPublisher) Events() []OrderEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OrderEvent(nil), p.events...)
}

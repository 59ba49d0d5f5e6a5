package config

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectRabbitMQ dials the broker, opens a channel and declares the durable
// topic exchange order events are published to.
func ConnectRabbitMQ(ctx context.Context, url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	var attempt int
	for {
		attempt++
		conn, err := amqp.Dial(url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr != nil {
				_ = conn.Close()
				return nil, nil, fmt.Errorf("open rabbitmq channel: %w", chErr)
			}
			if declErr := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); declErr != nil {
				_ = ch.Close()
				_ = conn.Close()
				return nil, nil, fmt.Errorf("declare exchange %q: %w", exchange, declErr)
			}
			log.Printf("connected to rabbitmq (attempt=%d exchange=%s)", attempt, exchange)
			return conn, ch, nil
		}
		if attempt >= 5 {
			return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		log.Printf("failed to connect rabbitmq (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

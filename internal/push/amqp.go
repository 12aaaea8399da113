package push

import (
	"context"
	"errors"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

const Exchange = "pos.events"

type AMQPSource struct {
	url        string
	terminalID string
}

func NewAMQPSource(url string, terminalID string) *AMQPSource {
	return &AMQPSource{url: url, terminalID: terminalID}
}

// RoutingKey matches every event the backend publishes for outletID.
func RoutingKey(outletID string) string {
	return fmt.Sprintf("outlet.%s.#", outletID)
}

func (s *AMQPSource) Close() error { return nil }

func (s *AMQPSource) Subscribe(ctx context.Context, outletID string, handler Handler) error {
	return reconnect(ctx, DriverAMQP, func(ctx context.Context) error {
		return s.session(ctx, outletID, handler)
	})
}

func (s *AMQPSource) session(ctx context.Context, outletID string, handler Handler) error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	// Prefetch 1 keeps delivery in publish order.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set QoS: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	// One exclusive queue per terminal session: each terminal needs its own copy.
	queueName := fmt.Sprintf("pos.terminal.%s.outlet.%s", s.terminalID, outletID)
	q, err := ch.QueueDeclare(queueName, false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(outletID), Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr != nil {
				return amqpErr
			}
			return errors.New("amqp connection closed")
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			ev, err := decodeEvent(d.Body)
			if err != nil {
				log.Printf("[push] WARN: dropping malformed amqp event %s: %v", d.RoutingKey, err)
				_ = d.Nack(false, false)
				continue
			}
			handler(ctx, ev)
			if err := d.Ack(false); err != nil {
				log.Printf("[push] WARN: ack of %s failed: %v", d.RoutingKey, err)
			}
		}
	}
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"peerprep/internal/status"
	"peerprep/monitoring"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBroker publishes to a durable topic exchange and consumes through a
// durable named queue bound to it.
type AMQPBroker struct {
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	pubMu    sync.Mutex
	exchange string
	queue    string
}

func DialAMQP(url, exchange, queue string) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("DialAMQP: amqp.Dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("DialAMQP: conn.Channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("DialAMQP: ExchangeDeclare: %w", err)
	}

	slog.Info("connected to broker", "exchange", exchange, "queue", queue)
	return &AMQPBroker{conn: conn, pubCh: ch, exchange: exchange, queue: queue}, nil
}

func (b *AMQPBroker) Publish(ctx context.Context, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishing
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err = b.pubCh.PublishWithContext(ctx, b.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		monitoring.TrackBrokerMessage(routingKey, "publish", "error")
		return fmt.Errorf("publish %s: %v: %w", routingKey, err, status.ErrTransientDependency)
	}
	monitoring.TrackBrokerMessage(routingKey, "publish", "success")
	return nil
}

func (b *AMQPBroker) Subscribe(ctx context.Context, routingKey string, h Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("Subscribe: conn.Channel: %w", err)
	}

	q, err := ch.QueueDeclare(b.queue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("Subscribe: QueueDeclare: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingKey, b.exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("Subscribe: QueueBind: %w", err)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("Subscribe: Qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("Subscribe: Consume: %w", err)
	}

	go func() {
		defer ch.Close()
		slog.Info("consuming", "queue", q.Name, "routing_key", routingKey)

		for d := range deliveries {
			if err := h(ctx, d.Body); err != nil {
				// one redelivery for transient failures, then drop
				requeue := errors.Is(err, status.ErrTransientDependency) && !d.Redelivered
				slog.Error("broker handler failed", "routing_key", d.RoutingKey, "requeue", requeue, "error", err)
				monitoring.TrackBrokerMessage(routingKey, "consume", "error")
				d.Nack(false, requeue)
				continue
			}
			monitoring.TrackBrokerMessage(routingKey, "consume", "success")
			d.Ack(false)
		}
		slog.Info("consumer stopped", "queue", q.Name)
	}()
	return nil
}

func (b *AMQPBroker) Close() error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if err := b.pubCh.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		slog.Warn("close publish channel", "error", err)
	}
	return b.conn.Close()
}

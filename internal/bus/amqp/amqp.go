// Package amqpbus implements gateway.Bus on RabbitMQ: one fanout exchange shared by all nodes
// and one exclusive, auto-deleted queue per node.
package amqpbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/gateway"
)

// Channel is the subset of *amqp.Channel the bus uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Bus is a RabbitMQ-backed gateway.Bus.
type Bus struct {
	log      *zap.Logger
	conn     *amqp.Connection
	ch       Channel
	exchange string
	nodeID   string

	done     chan struct{}
	doneOnce sync.Once
}

var _ gateway.Bus = (*Bus)(nil)

// Dial connects to url and declares the exchange.
func Dial(url, exchange, nodeID string, log *zap.Logger) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create a channel: %w", err)
	}
	b, err := New(ch, exchange, nodeID, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.conn = conn
	return b, nil
}

// New builds a bus over an open channel.
func New(ch Channel, exchange, nodeID string, log *zap.Logger) (*Bus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	b := &Bus{log: log, ch: ch, exchange: exchange, nodeID: nodeID, done: make(chan struct{})}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			b.log.Warn("amqp channel closed", zap.String("reason", err.Reason), zap.Int("code", err.Code))
		}
		b.markDone()
	}()
	return b, nil
}

// Publish sends f to every node.
func (b *Bus) Publish(ctx context.Context, f gateway.Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	err = b.ch.PublishWithContext(ctx, b.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		AppId:        b.nodeID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish frame: %w", err)
	}
	return nil
}

// Subscribe declares this node's queue and consumes it until the channel closes.
func (b *Bus) Subscribe(ctx context.Context, handle func(gateway.Frame)) error {
	q, err := b.ch.QueueDeclare("inkwell.node."+b.nodeID, false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := b.ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	msgs, err := b.ch.Consume(q.Name, b.nodeID, true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume frames: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					b.markDone()
					return
				}
				var f gateway.Frame
				if err := json.Unmarshal(d.Body, &f); err != nil {
					b.log.Warn("dropping malformed bus frame", zap.Error(err), zap.String("app", d.AppId))
					continue
				}
				handle(f)
			}
		}
	}()
	return nil
}

// Done is closed when the channel or consumer stops.
func (b *Bus) Done() <-chan struct{} { return b.done }

func (b *Bus) markDone() { b.doneOnce.Do(func() { close(b.done) }) }

// Close shuts the channel and connection.
func (b *Bus) Close() error {
	err := b.ch.Close()
	if b.conn != nil {
		if cerr := b.conn.Close(); err == nil {
			err = cerr
		}
	}
	b.markDone()
	return err
}

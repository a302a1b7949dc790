package rabbitmq

import (
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one delivery body. Returning false asks for a retry.
type Handler func(body []byte) bool

// Subscription describes the durable queue a Consumer reads from.
type Subscription struct {
	Exchange string
	Queue    string
	Prefetch int
	// DeadLetterExchange, when set, receives deliveries that fail again after a redelivery
	// instead of cycling through the queue forever.
	DeadLetterExchange string
}

func (s Subscription) queueArgs() amqp.Table {
	if s.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": s.DeadLetterExchange}
}

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
	done   chan struct{}
}

func NewConsumer(amqpURL string, logger *zap.Logger) (*Consumer, error) {
	conn, ch, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{conn: conn, ch: ch, logger: logger, done: make(chan struct{})}, nil
}

// Subscribe declares the topology for sub, binds one routing key per route and settles
// deliveries in a background goroutine until the channel closes.
func (c *Consumer) Subscribe(sub Subscription, routes map[string]Handler) error {
	if len(routes) == 0 {
		return errors.New("subscribe: no routes")
	}

	if err := c.ch.ExchangeDeclare(sub.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if sub.Prefetch > 0 {
		if err := c.ch.Qos(sub.Prefetch, 0, false); err != nil {
			return err
		}
	}
	q, err := c.ch.QueueDeclare(sub.Queue, true, false, false, false, sub.queueArgs())
	if err != nil {
		return err
	}

	bound := make(map[string]Handler, len(routes))
	for key, h := range routes {
		if h == nil {
			continue
		}
		if err := c.ch.QueueBind(q.Name, key, sub.Exchange, false, nil); err != nil {
			return err
		}
		bound[key] = h
	}

	deliveries, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	deadLettering := sub.DeadLetterExchange != ""
	go func() {
		defer close(c.done)
		for d := range deliveries {
			settle(d, bound[d.RoutingKey], deadLettering, c.logger)
		}
	}()
	return nil
}

// settler is the acknowledgement half of amqp.Delivery.
type settler interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func settle(d amqp.Delivery, h Handler, deadLettering bool, logger *zap.Logger) {
	settleWith(&d, d.RoutingKey, d.Body, d.Redelivered, h, deadLettering, logger)
}

func settleWith(s settler, routingKey string, body []byte, redelivered bool, h Handler, deadLettering bool, logger *zap.Logger) {
	log := logger.With(zap.String("routing_key", routingKey))
	switch {
	case h == nil:
		log.Warn("No handler for routing key, dropping")
		_ = s.Ack(false)
	case h(body):
		_ = s.Ack(false)
	case redelivered && deadLettering:
		log.Warn("Handler failed on redelivery, dead-lettering")
		_ = s.Nack(false, false)
	default:
		log.Warn("Handler failed, requeueing")
		_ = s.Nack(false, true)
	}
}

// Done is closed once the delivery loop has exited.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

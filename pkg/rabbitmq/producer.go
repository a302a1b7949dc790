/**
 * @description
 * This package wraps the RabbitMQ client for the exchange-service: a producer used by the
 * outbox dispatcher to relay domain events, and a consumer for identity events.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - go.uber.org/zap: Structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const dialTimeout = 10 * time.Second

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	// PublishJSON sends an already encoded JSON document.
	PublishJSON(ctx context.Context, exchange, routingKey string, payload []byte) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]struct{}
	logger   *zap.Logger
}

// EventProducerFallback is a no-op publisher used when RabbitMQ is unavailable at startup.
// It reports every publish as failed so the outbox keeps the events for a later attempt.
type EventProducerFallback struct {
	Logger *zap.Logger
}

var ErrBrokerUnavailable = errors.New("message broker unavailable")

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return p.PublishJSON(ctx, exchange, routingKey, nil)
}

func (p *EventProducerFallback) PublishJSON(_ context.Context, exchange, routingKey string, _ []byte) error {
	if p.Logger != nil {
		p.Logger.Warn("Publish skipped, broker unavailable", zap.String("exchange", exchange), zap.String("routing_key", routingKey))
	}
	return ErrBrokerUnavailable
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// Drop stray characters in front of the scheme.
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func dial(amqpURL string) (*amqp091.Connection, *amqp091.Channel, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// NewEventProducer connects to the broker.
func NewEventProducer(amqpURL string, logger *zap.Logger) (*EventProducer, error) {
	conn, ch, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventProducer{conn: conn, channel: ch, declared: make(map[string]struct{}), logger: logger}, nil
}

// Publish marshals body to JSON and sends it.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("JSON marshal failed", zap.String("exchange", exchange), zap.String("routing_key", routingKey), zap.Error(err))
		return err
	}
	return p.PublishJSON(ctx, exchange, routingKey, jsonBody)
}

// PublishJSON sends payload as a persistent message. A failed publish is retried once on a
// freshly opened channel.
func (p *EventProducer) PublishJSON(ctx context.Context, exchange, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.publishLocked(ctx, exchange, routingKey, payload)
	if err == nil {
		return nil
	}

	p.logger.Warn("Publish failed, reopening channel", zap.String("exchange", exchange), zap.String("routing_key", routingKey), zap.Error(err))
	if p.conn == nil || p.conn.IsClosed() {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	if p.channel != nil {
		p.channel.Close()
	}
	p.channel = ch
	p.declared = make(map[string]struct{})
	return p.publishLocked(ctx, exchange, routingKey, payload)
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, payload []byte) error {
	if _, ok := p.declared[exchange]; !ok {
		if err := p.channel.ExchangeDeclare(
			exchange, // name
			"topic",  // type
			true,     // durable
			false,    // autoDelete
			false,    // internal
			false,    // noWait
			nil,      // args
		); err != nil {
			return err
		}
		p.declared[exchange] = struct{}{}
	}

	return p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         payload,
		},
	)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// LazyProducer dials on first use and drops the connection after a failed publish, so the
// next attempt reconnects.
type LazyProducer struct {
	url    string
	logger *zap.Logger

	mu       sync.Mutex
	producer *EventProducer
}

func NewLazyProducer(amqpURL string, logger *zap.Logger) *LazyProducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LazyProducer{url: amqpURL, logger: logger}
}

// Connect dials eagerly. A failure is not fatal; the next publish retries.
func (p *LazyProducer) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.current()
	return err
}

func (p *LazyProducer) current() (*EventProducer, error) {
	if p.producer != nil {
		return p.producer, nil
	}
	producer, err := NewEventProducer(p.url, p.logger)
	if err != nil {
		return nil, err
	}
	p.logger.Info("RabbitMQ producer connected")
	p.producer = producer
	return producer, nil
}

func (p *LazyProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return p.PublishJSON(ctx, exchange, routingKey, jsonBody)
}

func (p *LazyProducer) PublishJSON(ctx context.Context, exchange, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	producer, err := p.current()
	if err != nil {
		return err
	}
	if err := producer.PublishJSON(ctx, exchange, routingKey, payload); err != nil {
		producer.Close()
		p.producer = nil
		return err
	}
	return nil
}

func (p *LazyProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer != nil {
		p.producer.Close()
		p.producer = nil
	}
}

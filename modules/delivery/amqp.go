package delivery

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrQueueNotFound means the configured queue does not exist on the
	// broker.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrExchangeNotFound means the configured exchange does not exist
	// on the broker.
	ErrExchangeNotFound = errors.New("exchange not found")
)

type AMQPConfig struct {
	URL string `yaml:"url"`
}

func (cfg *AMQPConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URL, prefix+"delivery.amqp-url", "", "AMQP broker URL; empty disables RabbitMQ deliveries")
}

// AMQPPublisher publishes result payloads to RabbitMQ. Connections are
// dialed lazily and rebuilt after broker failures; channels are
// per-publish because a passive declare error closes its channel.
type AMQPPublisher struct {
	url string

	mtx  sync.Mutex
	conn *amqp.Connection
}

var _ MessagePublisher = (*AMQPPublisher)(nil)

func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	return &AMQPPublisher{url: cfg.URL}, nil
}

func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			return nil, fmt.Errorf("failed to dial broker: %w", err)
		}
		p.conn = conn
	}
	return p.conn.Channel()
}

// Publish sends one persistent message to the configured destination.
// The destination is passively verified first so a missing queue or
// exchange maps to a distinct, non-retriable outcome.
func (p *AMQPPublisher) Publish(ctx context.Context, cfg *Config, body []byte) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	exchange := cfg.RabbitMQExchange
	routingKey := cfg.RabbitMQRoutingKey
	if cfg.RabbitMQQueue != "" {
		// Default-exchange publish routes directly to the named queue.
		exchange = ""
		routingKey = cfg.RabbitMQQueue
		if _, err := ch.QueueDeclarePassive(cfg.RabbitMQQueue, true, false, false, false, nil); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %q", ErrQueueNotFound, cfg.RabbitMQQueue)
			}
			return err
		}
	} else {
		if err := ch.ExchangeDeclarePassive(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %q", ErrExchangeNotFound, exchange)
			}
			return err
		}
	}

	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Close tears down the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func isNotFound(err error) bool {
	var ae *amqp.Error
	return errors.As(err, &ae) && ae.Code == amqp.NotFound
}

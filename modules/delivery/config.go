package delivery

import (
	"errors"
	"fmt"
	"net/url"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink types accepted in a delivery config.
const (
	TypeWebhook  = "webhook"
	TypeRabbitMQ = "rabbitmq"
)

// Config is the tagged delivery variant carried by every request. It is
// stored as canonical JSON on the request row and decoded up front.
type Config struct {
	Type string `json:"type"`

	WebhookURL string `json:"webhook_url,omitempty"`

	RabbitMQQueue      string `json:"rabbitmq_queue,omitempty"`
	RabbitMQExchange   string `json:"rabbitmq_exchange,omitempty"`
	RabbitMQRoutingKey string `json:"rabbitmq_routing_key,omitempty"`
}

// ParseConfig decodes and validates a stored delivery config.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("malformed delivery config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the variant's required fields.
func (c *Config) Validate() error {
	switch c.Type {
	case TypeWebhook:
		if c.WebhookURL == "" {
			return errors.New("webhook delivery requires webhook_url")
		}
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid webhook_url %q", c.WebhookURL)
		}
	case TypeRabbitMQ:
		hasQueue := c.RabbitMQQueue != ""
		hasExchange := c.RabbitMQExchange != "" && c.RabbitMQRoutingKey != ""
		if hasQueue == hasExchange {
			return errors.New("rabbitmq delivery requires either rabbitmq_queue or rabbitmq_exchange with rabbitmq_routing_key")
		}
	case "":
		return errors.New("delivery config requires a type")
	default:
		return fmt.Errorf("unknown delivery type %q", c.Type)
	}
	return nil
}

// Canonical returns the wire form stored on the request row.
func (c *Config) Canonical() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

package messaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/config"
)

type RabbitMQConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	VHost             string
	Exchange          string
	RetryCount        int
	RetryDelay        time.Duration
	ConnectionTimeout time.Duration
	ConfirmTimeout    time.Duration
	Prefetch          int

	// RedeliveryDelay is the first wait before a failed event is retried. It
	// doubles per retry up to RedeliveryMaxDelay; retries never stop.
	RedeliveryDelay    time.Duration
	RedeliveryMaxDelay time.Duration
	// Retries past RedeliveryAlertAfter are logged at error level.
	RedeliveryAlertAfter int
}

func NewRabbitMQConfig(src *config.Source) *RabbitMQConfig {
	return &RabbitMQConfig{
		Host:                 src.String("RABBITMQ_HOST", "localhost"),
		Port:                 src.Int("RABBITMQ_PORT", 5672),
		Username:             src.String("RABBITMQ_USERNAME", "guest"),
		Password:             src.String("RABBITMQ_PASSWORD", "guest"),
		VHost:                src.String("RABBITMQ_VHOST", "/"),
		Exchange:             src.String("RABBITMQ_EXCHANGE", "saga.events"),
		RetryCount:           src.Int("RABBITMQ_RETRY_COUNT", 5),
		RetryDelay:           src.Duration("RABBITMQ_RETRY_DELAY", 5*time.Second),
		ConnectionTimeout:    src.Duration("RABBITMQ_CONNECTION_TIMEOUT", 30*time.Second),
		ConfirmTimeout:       src.Duration("RABBITMQ_CONFIRM_TIMEOUT", 5*time.Second),
		Prefetch:             src.Int("RABBITMQ_PREFETCH", 10),
		RedeliveryDelay:      src.Duration("CONSUMER_REDELIVERY_DELAY", 2*time.Second),
		RedeliveryMaxDelay:   src.Duration("CONSUMER_REDELIVERY_MAX_DELAY", time.Minute),
		RedeliveryAlertAfter: src.Int("CONSUMER_REDELIVERY_ALERT_AFTER", 5),
	}
}

func (c *RabbitMQConfig) ConnectionURL() string {
	vhost := c.VHost
	if vhost != "/" && !strings.HasPrefix(vhost, "/") {
		vhost = "/" + vhost
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.Username, c.Password, c.Host, c.Port, vhost)
}

// DeadLetterExchange receives messages that can never be decoded.
func (c *RabbitMQConfig) DeadLetterExchange() string {
	return c.Exchange + ".dlx"
}

// RedeliveryBackoff is the wait before the given retry, counting from 1.
func (c *RabbitMQConfig) RedeliveryBackoff(retry int) time.Duration {
	d := c.RedeliveryDelay
	for i := 1; i < retry && d < c.RedeliveryMaxDelay; i++ {
		d *= 2
	}
	if c.RedeliveryMaxDelay > 0 && d > c.RedeliveryMaxDelay {
		d = c.RedeliveryMaxDelay
	}
	return d
}

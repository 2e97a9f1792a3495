package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/streadway/amqp"
)

var ErrNotConnected = errors.New("there is no connection to RabbitMQ")

// RabbitMQClient owns one connection with a consume channel and a separate
// publish channel in confirm mode. It reconnects when the broker drops it.
type RabbitMQClient struct {
	config     *RabbitMQConfig
	log        *logger.Logger
	connection *amqp.Connection
	channel    *amqp.Channel
	pubChannel *amqp.Channel
	confirms   chan amqp.Confirmation
	nextTag    uint64
	mu         sync.RWMutex
	pubMu      sync.Mutex
	isClosing  bool
}

func NewRabbitMQClient(config *RabbitMQConfig, log *logger.Logger) *RabbitMQClient {
	return &RabbitMQClient{
		config: config,
		log:    log.With("component", "rabbitmq"),
	}
}

func (r *RabbitMQClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for i := 0; i < r.config.RetryCount; i++ {
		if err = r.dial(); err == nil {
			r.log.Info("connected to RabbitMQ", "host", r.config.Host, "exchange", r.config.Exchange)
			go r.handleReconnection(ctx, r.connection)
			return nil
		}
		r.log.Warn("RabbitMQ connection error", "attempt", i+1, "max", r.config.RetryCount, "error", err)
		if i < r.config.RetryCount-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.config.RetryDelay):
			}
		}
	}
	return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
}

func (r *RabbitMQClient) dial() error {
	conn, err := amqp.DialConfig(r.config.ConnectionURL(), amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(r.config.ConnectionTimeout),
	})
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	for _, ex := range []string{r.config.Exchange, r.config.DeadLetterExchange()} {
		if err := ch.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}

	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	r.connection = conn
	r.channel = ch
	r.pubChannel = pub
	r.confirms = pub.NotifyPublish(make(chan amqp.Confirmation, 64))
	r.nextTag = 0
	return nil
}

func (r *RabbitMQClient) handleReconnection(ctx context.Context, conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-ctx.Done():
		return
	case err := <-notifyClose:
		r.mu.RLock()
		closing := r.isClosing
		r.mu.RUnlock()
		if closing {
			return
		}
		r.log.Warn("RabbitMQ connection lost, reconnecting", "error", err)
		if reconnectErr := r.Connect(ctx); reconnectErr != nil {
			r.log.Error("RabbitMQ reconnect failed", "error", reconnectErr)
		}
	}
}

func (r *RabbitMQClient) Channel() *amqp.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

// publishConfirmed publishes on the confirm channel and waits for the
// broker ack of exactly this delivery tag.
func (r *RabbitMQClient) publishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	r.mu.RLock()
	pub, confirms := r.pubChannel, r.confirms
	r.mu.RUnlock()
	if pub == nil || !r.IsConnected() {
		return ErrNotConnected
	}

	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	if err := pub.Publish(exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	r.nextTag++
	tag := r.nextTag

	timer := time.NewTimer(r.config.ConfirmTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("publish %s: confirm timeout", key)
		case c, ok := <-confirms:
			if !ok {
				return fmt.Errorf("publish %s: %w", key, ErrNotConnected)
			}
			if c.DeliveryTag < tag {
				continue
			}
			if !c.Ack {
				return fmt.Errorf("publish %s: broker nack", key)
			}
			return nil
		}
	}
}

func (r *RabbitMQClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosing {
		return nil
	}
	r.isClosing = true

	var errs []error
	for _, ch := range []*amqp.Channel{r.pubChannel, r.channel} {
		if ch != nil {
			if err := ch.Close(); err != nil {
				errs = append(errs, fmt.Errorf("channel close: %w", err))
			}
		}
	}
	if r.connection != nil {
		if err := r.connection.Close(); err != nil {
			errs = append(errs, fmt.Errorf("connection close: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.log.Warn("RabbitMQ close finished with errors", "error", err)
		return err
	}
	r.log.Info("RabbitMQ connection closed")
	return nil
}

func (r *RabbitMQClient) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connection != nil && !r.connection.IsClosed()
}

package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/apperr"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/telemetry"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes one decoded envelope. Returning a technical error asks
// for redelivery; nil and business errors acknowledge the message.
type Handler func(ctx context.Context, env events.Envelope) error

// publishFunc sends one message and waits for the broker confirm.
type publishFunc func(ctx context.Context, exchange, key string, msg amqp.Publishing) error

type Consumer struct {
	client      *RabbitMQClient
	cfg         *RabbitMQConfig
	publish     publishFunc
	queueName   string
	serviceName string
	log         *logger.Logger
}

func NewConsumer(client *RabbitMQClient, queueName, serviceName string, log *logger.Logger) *Consumer {
	return &Consumer{
		client:      client,
		cfg:         client.config,
		publish:     client.publishConfirmed,
		queueName:   queueName,
		serviceName: serviceName,
		log:         log.With("component", "consumer", "queue", queueName),
	}
}

// retryQueue holds failed events until their expiration, then dead-letters
// them back onto the main queue through the default exchange.
func (c *Consumer) retryQueue() string { return c.queueName + ".retry" }

// Bindings returns the routing keys for the given event types.
func Bindings(types ...events.Type) []string {
	keys := make([]string, 0, len(types))
	for _, t := range types {
		keys = append(keys, t.RoutingKey())
	}
	return keys
}

// Run consumes until ctx is cancelled, resubscribing whenever the delivery
// channel closes underneath it. Messages are handled one at a time, which
// keeps per-queue ordering.
func (c *Consumer) Run(ctx context.Context, routingKeys []string, handler Handler) error {
	for {
		deliveries, err := c.subscribe(routingKeys)
		if err != nil {
			c.log.Warn("subscribe failed, retrying", "error", err)
		} else {
			c.log.Info("consuming events", "bindings", routingKeys)
			if done := c.drain(ctx, deliveries, handler); done {
				return nil
			}
			c.log.Warn("delivery channel closed, resubscribing")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.RetryDelay):
		}
	}
}

func (c *Consumer) subscribe(routingKeys []string) (<-chan amqp.Delivery, error) {
	if !c.client.IsConnected() {
		return nil, ErrNotConnected
	}
	channel := c.client.Channel()

	if err := channel.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("qos: %w", err)
	}

	dlq := c.queueName + ".dlq"
	if _, err := channel.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare %s: %w", dlq, err)
	}
	if err := channel.QueueBind(dlq, c.queueName, c.cfg.DeadLetterExchange(), false, nil); err != nil {
		return nil, fmt.Errorf("bind %s: %w", dlq, err)
	}

	if _, err := channel.QueueDeclare(c.retryQueue(), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.queueName,
	}); err != nil {
		return nil, fmt.Errorf("declare %s: %w", c.retryQueue(), err)
	}

	queue, err := channel.QueueDeclare(c.queueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    c.cfg.DeadLetterExchange(),
		"x-dead-letter-routing-key": c.queueName,
	})
	if err != nil {
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	for _, key := range routingKeys {
		if err := channel.QueueBind(queue.Name, key, c.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("queue bind %s: %w", key, err)
		}
	}

	return channel.Consume(queue.Name, c.serviceName, false, false, false, false, nil)
}

// drain reports true when it stopped because ctx was cancelled.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case msg, ok := <-deliveries:
			if !ok {
				return false
			}
			c.handleMessage(ctx, msg, handler)
		}
	}
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
	outcomeDeadLetter
)

// classify maps a handler result to what happens to the delivery. Only
// messages that can never be decoded are dead-lettered; technical failures
// are retried for as long as they keep failing.
func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeAck
	case errors.Is(err, events.ErrMalformed), errors.Is(err, events.ErrUnknownEventType):
		return outcomeDeadLetter
	case apperr.IsBusiness(err):
		return outcomeAck
	default:
		return outcomeRetry
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg amqp.Delivery, handler Handler) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(msg.Headers))
	retries := headerInt(msg.Headers, headerRetryCount)

	env, err := events.Decode(msg.Body)
	if err == nil {
		ctx, span := telemetry.Tracer().Start(ctx, "consume "+string(env.Type()),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "rabbitmq"),
				attribute.String("messaging.message.id", env.ID()),
				attribute.String("saga.correlation_id", env.Metadata.CorrelationID),
				attribute.Int("messaging.redelivery_count", retries),
			))
		err = handler(ctx, env)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}

	log := c.log.With(
		"routing_key", msg.RoutingKey,
		"message_id", msg.MessageId,
		"correlation_id", headerString(msg.Headers, events.HeaderCorrelationID),
	)

	switch classify(err) {
	case outcomeAck:
		if err != nil {
			log.Warn("business error reached the consumer, acknowledging", "error", err, "code", apperr.CodeOf(err))
		}
		if ackErr := msg.Ack(false); ackErr != nil {
			log.Error("ack failed", "error", ackErr)
		}
	case outcomeRetry:
		retry := retries + 1
		if retry > c.cfg.RedeliveryAlertAfter {
			log.Error("event still failing, scheduling redelivery", "error", err, "retry", retry, "code", apperr.CodeOf(err))
		} else {
			log.Warn("event processing failed, scheduling redelivery", "error", err, "retry", retry)
		}
		c.republish(ctx, msg, retry, log)
	case outcomeDeadLetter:
		log.Error("event dead-lettered", "error", err, "retries", retries)
		if nackErr := msg.Nack(false, false); nackErr != nil {
			log.Error("nack failed", "error", nackErr)
		}
	}
}

// republish parks a copy on the retry queue with a bumped retry header and
// an expiration of the backoff for that retry, then acks the original. The
// consumer moves on to the next message while the copy waits.
func (c *Consumer) republish(ctx context.Context, msg amqp.Delivery, retry int, log *logger.Logger) {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[headerRetryCount] = int32(retry)
	delay := c.cfg.RedeliveryBackoff(retry)

	err := c.publish(ctx, "", c.retryQueue(), amqp.Publishing{
		ContentType:   msg.ContentType,
		Body:          msg.Body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.MessageId,
		CorrelationId: msg.CorrelationId,
		Type:          msg.Type,
		Timestamp:     msg.Timestamp,
		Headers:       headers,
		Expiration:    strconv.FormatInt(delay.Milliseconds(), 10),
	})
	if err != nil {
		log.Error("redelivery publish failed, requeueing", "error", err)
		if nackErr := msg.Nack(false, true); nackErr != nil {
			log.Error("nack failed", "error", nackErr)
		}
		return
	}
	if ackErr := msg.Ack(false); ackErr != nil {
		log.Error("ack failed", "error", ackErr)
	}
}

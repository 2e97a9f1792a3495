package messaging

import (
	"context"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/telemetry"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Message is one already-encoded envelope ready for the bus.
type Message struct {
	ID            string
	EventType     events.Type
	EventVersion  int
	CorrelationID string
	// Key is the aggregate id; all messages of one aggregate share it.
	Key       string
	Body      []byte
	Timestamp time.Time
}

// RoutingKey is "<topic>.<eventType>".
func (m Message) RoutingKey() string {
	return m.EventType.RoutingKey()
}

func (m Message) headers() amqp.Table {
	return amqp.Table{
		events.HeaderCorrelationID: m.CorrelationID,
		events.HeaderEventVersion:  int32(m.EventVersion),
		events.HeaderAggregateID:   m.Key,
		events.HeaderEventType:     string(m.EventType),
	}
}

type Publisher struct {
	client *RabbitMQClient
	log    *logger.Logger
}

func NewPublisher(client *RabbitMQClient, log *logger.Logger) *Publisher {
	return &Publisher{
		client: client,
		log:    log.With("component", "publisher"),
	}
}

// Publish sends msg as a persistent message and returns once the broker has
// confirmed it.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	routingKey := msg.RoutingKey()
	ctx, span := telemetry.Tracer().Start(ctx, "publish "+string(msg.EventType),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", routingKey),
			attribute.String("messaging.message.id", msg.ID),
			attribute.String("saga.correlation_id", msg.CorrelationID),
		))
	defer span.End()

	headers := msg.headers()
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(headers))

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	err := p.client.publishConfirmed(ctx, p.client.config.Exchange, routingKey, amqp.Publishing{
		ContentType:   "application/json",
		Body:          msg.Body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		Type:          string(msg.EventType),
		Timestamp:     ts,
		Headers:       headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	p.log.Debug("event published", "routing_key", routingKey, "event_id", msg.ID)
	return nil
}

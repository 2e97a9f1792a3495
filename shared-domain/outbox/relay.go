package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/config"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/messaging"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Sink interface {
	Publish(ctx context.Context, msg messaging.Message) error
}

// errBlocked marks rows held back because an earlier row of the same
// aggregate failed in this batch.
var errBlocked = errors.New("earlier event of aggregate not yet published")

// Relay polls the outbox and ships pending rows to the bus.
type Relay struct {
	store     Store
	sink      Sink
	log       *logger.Logger
	interval  time.Duration
	batchSize int
	attempts  int
	backoff   time.Duration
	published metric.Int64Counter
	failed    metric.Int64Counter
}

func NewRelay(store Store, sink Sink, cfg config.Outbox, log *logger.Logger) *Relay {
	attempts := cfg.PublishAttempts
	if attempts < 1 {
		attempts = 1
	}
	batch := cfg.BatchSize
	if batch < 1 {
		batch = 100
	}
	return &Relay{
		store:     store,
		sink:      sink,
		log:       log.With("component", "outbox_relay"),
		interval:  cfg.PollInterval,
		batchSize: batch,
		attempts:  attempts,
		backoff:   cfg.PublishBackoff,
		published: telemetry.Counter("outbox.published", "Outbox rows published to the bus"),
		failed:    telemetry.Counter("outbox.publish_failed", "Outbox rows left pending after a failed publish"),
	}
}

func ToMessage(ev Event) messaging.Message {
	return messaging.Message{
		ID:            ev.EventID,
		EventType:     ev.EventType,
		EventVersion:  ev.EventVersion,
		CorrelationID: ev.CorrelationID,
		Key:           ev.AggregateID,
		Body:          ev.Payload,
		Timestamp:     ev.CreatedAt,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("outbox relay started", "interval", r.interval, "batch_size", r.batchSize)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.tick(ctx)
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("outbox relay panic", "panic", rec)
		}
	}()
	if _, err := r.PublishOnce(ctx); err != nil && ctx.Err() == nil {
		r.log.Error("outbox batch failed", "error", err)
	}
}

// PublishOnce ships one batch. Failed rows stay pending for the next call.
func (r *Relay) PublishOnce(ctx context.Context) (BatchResult, error) {
	blocked := map[string]bool{}
	res, err := r.store.PublishPending(ctx, r.batchSize, func(ctx context.Context, ev Event) error {
		key := ev.AggregateType + "/" + ev.AggregateID
		if blocked[key] {
			return errBlocked
		}
		if err := r.publishWithRetry(ctx, ev); err != nil {
			blocked[key] = true
			r.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(ev.EventType))))
			r.log.Warn("outbox publish failed, row left pending",
				"event_id", ev.EventID, "event_type", ev.EventType, "aggregate_id", ev.AggregateID, "error", err)
			return err
		}
		r.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(ev.EventType))))
		return nil
	})
	if res.Claimed > 0 {
		r.log.Debug("outbox batch done", "claimed", res.Claimed, "published", res.Published, "failed", res.Failed)
	}
	return res, err
}

func (r *Relay) publishWithRetry(ctx context.Context, ev Event) error {
	msg := ToMessage(ev)
	var lastErr error
	for i := 0; i < r.attempts; i++ {
		if lastErr = r.sink.Publish(ctx, msg); lastErr == nil {
			return nil
		}
		if i < r.attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff * time.Duration(i+1)):
			}
		}
	}
	return fmt.Errorf("publish %s after %d attempts: %w", ev.EventID, r.attempts, lastErr)
}

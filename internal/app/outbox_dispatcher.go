/**
 * @description
 * Relays staged domain events from the event_outbox table to RabbitMQ on a cron schedule.
 * Events that fail to publish stay in the outbox and are retried with exponential backoff.
 */
package app

import (
	"context"
	"sync"
	"time"

	"github.com/rewear/exchange-service/internal/store"
	"github.com/rewear/exchange-service/pkg/rabbitmq"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultOutboxSchedule  = "@every 2s"
	DefaultOutboxBatchSize = 50
	outboxStaleAfter       = 2 * time.Minute
	outboxFlushTimeout     = 30 * time.Second
)

// OutboxDispatcher drains the outbox in batches.
type OutboxDispatcher struct {
	outbox    store.Outbox
	publisher rabbitmq.Publisher
	metrics   Metrics
	logger    *zap.Logger
	batchSize int
	cron      *cron.Cron

	// flushing guards against overlapping runs when a batch outlives the schedule interval.
	flushing sync.Mutex
}

func NewOutboxDispatcher(outbox store.Outbox, publisher rabbitmq.Publisher, batchSize int, metrics Metrics, logger *zap.Logger) *OutboxDispatcher {
	if batchSize <= 0 {
		batchSize = DefaultOutboxBatchSize
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	return &OutboxDispatcher{
		outbox:    outbox,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		batchSize: batchSize,
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger))),
	}
}

// Start registers the flush job under schedule and starts the scheduler.
func (d *OutboxDispatcher) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultOutboxSchedule
	}
	if _, err := d.cron.AddFunc(schedule, d.runScheduled); err != nil {
		d.logger.Error("Failed to schedule outbox dispatch", zap.String("schedule", schedule), zap.Error(err))
		return err
	}
	d.logger.Info("Scheduled outbox dispatch", zap.String("schedule", schedule), zap.Int("batch_size", d.batchSize))
	d.cron.Start()
	return nil
}

// Stop halts the scheduler. The returned context is done once a running flush finishes.
func (d *OutboxDispatcher) Stop() context.Context {
	return d.cron.Stop()
}

func (d *OutboxDispatcher) runScheduled() {
	if !d.flushing.TryLock() {
		return
	}
	defer d.flushing.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), outboxFlushTimeout)
	defer cancel()

	if _, _, err := d.FlushOnce(ctx); err != nil {
		d.logger.Error("Outbox flush error", zap.Error(err))
	}
}

// FlushOnce claims one batch and publishes it. It reports how many events were published
// and how many were scheduled for retry.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (published, failed int, err error) {
	events, err := d.outbox.ClaimOutboxEvents(ctx, d.batchSize, int(outboxStaleAfter.Seconds()))
	if err != nil {
		return 0, 0, err
	}
	if len(events) == 0 {
		return 0, 0, nil
	}

	for _, event := range events {
		if pubErr := d.publisher.PublishJSON(ctx, event.Exchange, event.RoutingKey, event.Payload); pubErr != nil {
			failed++
			retryAfter := retryDelaySeconds(event.Attempts)
			d.logger.Warn("Outbox publish failed",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Int("attempts", event.Attempts),
				zap.Int("retry_after_seconds", retryAfter),
				zap.Error(pubErr),
			)
			if markErr := d.outbox.MarkOutboxFailed(ctx, event.ID, retryAfter, pubErr.Error()); markErr != nil {
				d.logger.Error("Failed to mark outbox event as failed", zap.Int64("event_id", event.ID), zap.Error(markErr))
			}
			continue
		}
		published++
		if markErr := d.outbox.MarkOutboxPublished(ctx, event.ID); markErr != nil {
			d.logger.Error("Failed to mark outbox event as published", zap.Int64("event_id", event.ID), zap.Error(markErr))
		}
	}

	d.metrics.OutboxDispatched(published, failed)
	return published, failed, nil
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 9)
	if delay > 300 {
		return 300
	}
	return delay
}

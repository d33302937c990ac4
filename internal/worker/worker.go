package worker

import (
	"context"
	"fmt"
	"time"

	"fulfillment-engine/internal/broker"
	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/service"
	"fulfillment-engine/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// PaymentEventHandler applies a verified payment event to orders
type PaymentEventHandler interface {
	HandlePaymentEvent(ctx context.Context, ev *models.PaymentEvent) error
}

// Deduplicator remembers which event ids were already handled
type Deduplicator interface {
	MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	ForgetEvent(ctx context.Context, eventID string) error
}

// PaymentWorker consumes payment events from Kafka and applies each one once
type PaymentWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	handler      PaymentEventHandler
	dedup        Deduplicator
	dedupTTL     time.Duration
	logger       *zap.Logger
}

// NewPaymentWorker creates a new payment worker. consumer may be nil when
// events are fed through Handle directly; dedup may be nil to disable de-duplication.
func NewPaymentWorker(consumer *broker.Consumer, handler PaymentEventHandler, dedup Deduplicator, dedupTTL time.Duration) *PaymentWorker {
	if dedupTTL <= 0 {
		dedupTTL = 72 * time.Hour
	}
	w := &PaymentWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		handler:      handler,
		dedup:        dedup,
		dedupTTL:     dedupTTL,
		logger:       util.Named("payment_worker"),
	}
	w.eventHandler.OnPaymentEvent(w.Handle)
	return w
}

// Start blocks consuming events until ctx is cancelled
func (w *PaymentWorker) Start(ctx context.Context) error {
	if w.consumer == nil {
		return fmt.Errorf("payment worker has no consumer")
	}
	w.logger.Info("Starting payment worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop closes the consumer
func (w *PaymentWorker) Stop() error {
	w.logger.Info("Stopping payment worker")
	if w.consumer == nil {
		return nil
	}
	return w.consumer.Close()
}

// Handle applies one event unless its id was already processed. A failed
// event is forgotten again so that redelivery retries it.
func (w *PaymentWorker) Handle(ctx context.Context, ev *models.PaymentEvent) error {
	if w.dedup != nil && ev.EventID != "" {
		first, err := w.dedup.MarkEventProcessed(ctx, ev.EventID, w.dedupTTL)
		if err != nil {
			return fmt.Errorf("failed to record event %s: %w", ev.EventID, err)
		}
		if !first {
			w.logger.Info("Skipping duplicate payment event",
				zap.String("event_id", ev.EventID),
				zap.String("type", ev.EventType))
			return nil
		}
	}

	if err := w.handler.HandlePaymentEvent(ctx, ev); err != nil {
		if w.dedup != nil && ev.EventID != "" {
			if ferr := w.dedup.ForgetEvent(context.WithoutCancel(ctx), ev.EventID); ferr != nil {
				w.logger.Warn("Failed to forget payment event", zap.String("event_id", ev.EventID), zap.Error(ferr))
			}
		}
		return fmt.Errorf("failed to handle payment event %s: %w", ev.EventID, err)
	}
	return nil
}

// SyncRunner performs one tracking sync pass
type SyncRunner interface {
	Run(ctx context.Context) (*service.BatchReport, error)
}

// TrackingSyncJob runs the tracking sync on a cron schedule. Overlapping runs are skipped.
type TrackingSyncJob struct {
	runner  SyncRunner
	spec    string
	timeout time.Duration
	cron    *cron.Cron
	logger  *zap.Logger
}

// NewTrackingSyncJob creates a job; spec accepts standard cron expressions and descriptors like "@every 30m"
func NewTrackingSyncJob(runner SyncRunner, spec string, timeout time.Duration) *TrackingSyncJob {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &TrackingSyncJob{
		runner:  runner,
		spec:    spec,
		timeout: timeout,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  util.Named("tracking_sync_job"),
	}
}

// Start schedules the job
func (j *TrackingSyncJob) Start() error {
	if _, err := j.cron.AddFunc(j.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		j.RunNow(ctx)
	}); err != nil {
		return fmt.Errorf("invalid tracking sync schedule %q: %w", j.spec, err)
	}

	j.cron.Start()
	j.logger.Info("Tracking sync job started", zap.String("schedule", j.spec))
	return nil
}

// RunNow performs one pass immediately
func (j *TrackingSyncJob) RunNow(ctx context.Context) *service.BatchReport {
	report, err := j.runner.Run(ctx)
	if err != nil {
		j.logger.Error("Tracking sync failed", zap.Error(err))
		return nil
	}
	for _, f := range report.Failures {
		j.logger.Warn("Tracking sync item failed",
			zap.Int64("order_id", f.OrderID),
			zap.String("tracking_number", f.TrackingNumber),
			zap.String("error", f.Error))
	}
	return report
}

// Stop unschedules the job and waits for a running pass to finish
func (j *TrackingSyncJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("Tracking sync job stopped")
}

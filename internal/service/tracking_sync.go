package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/store"
	"fulfillment-engine/internal/util"

	"go.uber.org/zap"
)

// SyncFailure records one order the sync could not refresh
type SyncFailure struct {
	OrderID        int64  `json:"order_id"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	Error          string `json:"error"`
}

// BatchReport summarises one tracking sync run
type BatchReport struct {
	Checked   int           `json:"checked"`
	Updated   int           `json:"updated"`
	Delivered int           `json:"delivered"`
	Failures  []SyncFailure `json:"failures"`
	Duration  time.Duration `json:"duration"`
}

// TrackingSync refreshes carrier tracking for shipped orders and completes
// the ones the carrier reports as delivered.
type TrackingSync struct {
	uow       store.UnitOfWorkFactory
	tracking  *TrackingService
	manager   *OrderLifecycleManager
	batchSize int
	logger    *zap.Logger
}

// NewTrackingSync creates a new tracking sync
func NewTrackingSync(uow store.UnitOfWorkFactory, tracking *TrackingService, manager *OrderLifecycleManager, batchSize int) *TrackingSync {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &TrackingSync{
		uow:       uow,
		tracking:  tracking,
		manager:   manager,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Run performs one pass. Per-order failures are collected in the report;
// only a failure to list orders is returned as an error.
func (s *TrackingSync) Run(ctx context.Context) (*BatchReport, error) {
	start := time.Now()
	ctx, span := util.StartSpan(ctx, "TrackingSync.Run")
	defer span.End()

	var orders []models.Order
	err := store.RunInTx(ctx, s.uow, func(uow store.UnitOfWork) error {
		var err error
		orders, err = uow.Orders().ListByStatus(ctx, models.OrderStatusShipped, s.batchSize)
		return err
	})
	if err != nil {
		util.TrackingSyncRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list shipped orders: %w", err)
	}

	report := &BatchReport{Failures: []SyncFailure{}}
	for _, order := range orders {
		if ctx.Err() != nil {
			break
		}
		if order.TrackingNumber == nil {
			continue
		}
		report.Checked++
		s.syncOne(ctx, order, report)
	}
	report.Duration = time.Since(start)

	result := "ok"
	if len(report.Failures) > 0 {
		result = "partial"
	}
	util.TrackingSyncRuns.WithLabelValues(result).Inc()
	s.logger.Info("Tracking sync finished",
		zap.Int("checked", report.Checked),
		zap.Int("updated", report.Updated),
		zap.Int("delivered", report.Delivered),
		zap.Int("failures", len(report.Failures)),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (s *TrackingSync) syncOne(ctx context.Context, order models.Order, report *BatchReport) {
	tn := *order.TrackingNumber
	orderID := order.ID

	info, err := s.tracking.GetTrackingInfoWithCache(ctx, tn, &orderID)
	if err != nil {
		s.fail(report, orderID, tn, err)
		return
	}
	if !info.Found {
		return
	}
	report.Updated++

	if info.Status != models.TrackingDelivered {
		return
	}
	if _, err := s.manager.UpdateStatus(ctx, orderID, models.OrderStatusDelivered, "tracking-sync", "carrier reported delivery"); err != nil {
		s.fail(report, orderID, tn, err)
		return
	}
	report.Delivered++
}

func (s *TrackingSync) fail(report *BatchReport, orderID int64, tn string, err error) {
	s.logger.Warn("Tracking sync failed for order",
		zap.Int64("order_id", orderID),
		zap.String("tracking_number", tn),
		zap.Error(err))
	report.Failures = append(report.Failures, SyncFailure{OrderID: orderID, TrackingNumber: tn, Error: err.Error()})
}

package service

import (
	"context"
	"encoding/json"
	"time"

	"fulfillment-engine/internal/carrier"
	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/store"
	"fulfillment-engine/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TrackingCache stores serialized tracking results with a TTL
type TrackingCache interface {
	Get(ctx context.Context, trackingNumber string) ([]byte, bool, error)
	Set(ctx context.Context, trackingNumber, carrier string, payload []byte, ttl time.Duration) error
}

// TrackingService is the read-through cache in front of the carrier
type TrackingService struct {
	tracker carrier.Tracker
	cache   TrackingCache
	uow     store.UnitOfWorkFactory
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time
	// fetches collapses concurrent misses for one tracking number
	fetches singleflight.Group
}

// NewTrackingService creates a new tracking service
func NewTrackingService(tracker carrier.Tracker, cache TrackingCache, uow store.UnitOfWorkFactory, ttl time.Duration) *TrackingService {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &TrackingService{
		tracker: tracker,
		cache:   cache,
		uow:     uow,
		ttl:     ttl,
		logger:  util.GetLogger(),
		now:     time.Now,
	}
}

// GetTrackingInfo always asks the carrier
func (s *TrackingService) GetTrackingInfo(ctx context.Context, trackingNumber string) (*models.TrackingInfo, error) {
	return s.tracker.GetTrackingInfo(ctx, trackingNumber)
}

// GetTrackingInfoWithCache consults the cache before calling the carrier and
// populates it after a successful fetch. With an orderID, freshly fetched events
// are appended to the order's tracking history. Cache and history writes are
// best effort.
func (s *TrackingService) GetTrackingInfoWithCache(ctx context.Context, trackingNumber string, orderID *int64) (*models.TrackingInfo, error) {
	ctx, span := util.StartSpan(ctx, "TrackingService.GetTrackingInfoWithCache",
		attribute.String("tracking_number", trackingNumber))
	defer span.End()

	if info, ok := s.fromCache(ctx, trackingNumber); ok {
		util.TrackingCacheLookups.WithLabelValues("hit").Inc()
		return info, nil
	}
	util.TrackingCacheLookups.WithLabelValues("miss").Inc()

	v, err, _ := s.fetches.Do(trackingNumber, func() (interface{}, error) {
		return s.fetchAndCache(ctx, trackingNumber)
	})
	if err != nil {
		return nil, err
	}
	info := v.(*models.TrackingInfo)
	if !info.Found {
		return info, nil
	}

	if orderID != nil {
		s.persist(ctx, *orderID, info)
	}
	return info, nil
}

// fetchAndCache asks the carrier and stores a found result. Callers sharing a
// flight receive the same value and must not mutate it.
func (s *TrackingService) fetchAndCache(ctx context.Context, trackingNumber string) (*models.TrackingInfo, error) {
	info, err := s.tracker.GetTrackingInfo(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	if !info.Found {
		return info, nil
	}

	if payload, err := json.Marshal(info); err != nil {
		s.logger.Warn("Failed to encode tracking info", zap.String("tracking_number", trackingNumber), zap.Error(err))
	} else if err := s.cache.Set(ctx, trackingNumber, info.Carrier, payload, s.ttl); err != nil {
		s.logger.Warn("Failed to populate tracking cache", zap.String("tracking_number", trackingNumber), zap.Error(err))
	}
	return info, nil
}

func (s *TrackingService) fromCache(ctx context.Context, trackingNumber string) (*models.TrackingInfo, bool) {
	payload, ok, err := s.cache.Get(ctx, trackingNumber)
	if err != nil {
		s.logger.Warn("Tracking cache read failed", zap.String("tracking_number", trackingNumber), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var info models.TrackingInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		s.logger.Warn("Discarding undecodable tracking cache entry", zap.String("tracking_number", trackingNumber), zap.Error(err))
		return nil, false
	}
	return &info, true
}

func (s *TrackingService) persist(ctx context.Context, orderID int64, info *models.TrackingInfo) {
	entries := make([]models.TrackingHistoryEntry, 0, len(info.Events))
	for _, e := range info.Events {
		entries = append(entries, models.TrackingHistoryEntry{
			OrderID:           orderID,
			TrackingNumber:    info.TrackingNumber,
			Status:            e.Status,
			StatusDescription: e.Description,
			Location:          e.Location,
			Timestamp:         e.Timestamp,
			CarrierRawPayload: e.Raw,
		})
	}

	var inserted int
	err := store.RunInTx(ctx, s.uow, func(uow store.UnitOfWork) error {
		var err error
		if inserted, err = uow.Tracking().AppendEvents(ctx, entries); err != nil {
			return err
		}
		return uow.Orders().UpdateTracking(ctx, orderID, info.Status, info.EstimatedDelivery, s.now().UTC())
	})
	if err != nil {
		s.logger.Error("Failed to persist tracking history",
			zap.Int64("order_id", orderID),
			zap.String("tracking_number", info.TrackingNumber),
			zap.Error(err))
		return
	}
	if inserted > 0 {
		s.logger.Info("Recorded tracking events",
			zap.Int64("order_id", orderID),
			zap.Int("new_events", inserted),
			zap.String("status", string(info.Status)))
	}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

type trackingRepo struct {
	tx *sqlx.Tx
}

// AppendEvents inserts tracking events, skipping ones already recorded
func (r *trackingRepo) AppendEvents(ctx context.Context, entries []models.TrackingHistoryEntry) (int, error) {
	inserted := 0
	for _, e := range entries {
		var raw *string
		if len(e.CarrierRawPayload) > 0 {
			payload := string(e.CarrierRawPayload)
			raw = &payload
		}
		res, err := r.tx.ExecContext(ctx, `
			INSERT INTO tracking_history (order_id, tracking_number, status, status_description, location, timestamp, carrier_raw_payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (order_id, tracking_number, status, timestamp) DO NOTHING`,
			e.OrderID, e.TrackingNumber, string(e.Status), e.StatusDescription, e.Location, e.Timestamp, raw)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert tracking event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			inserted++
		}
	}
	return inserted, nil
}

// ListByOrder returns tracking events of an order, oldest first
func (r *trackingRepo) ListByOrder(ctx context.Context, orderID int64) ([]models.TrackingHistoryEntry, error) {
	var entries []models.TrackingHistoryEntry
	err := r.tx.SelectContext(ctx, &entries, `
		SELECT id, order_id, tracking_number, status, status_description, location, timestamp, carrier_raw_payload
		FROM tracking_history WHERE order_id = $1 ORDER BY timestamp, id`, orderID)
	return entries, err
}

// TrackingCache is the tracking_cache table used as a read-through cache
type TrackingCache struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewTrackingCache creates a Postgres-backed tracking cache
func NewTrackingCache(s *Store) *TrackingCache {
	return &TrackingCache{db: s.db, now: time.Now}
}

// Get returns the cached payload when present and not expired
func (c *TrackingCache) Get(ctx context.Context, trackingNumber string) ([]byte, bool, error) {
	var entry models.TrackingCacheEntry
	err := c.db.GetContext(ctx, &entry,
		"SELECT tracking_number, carrier, payload, expires_at, last_updated FROM tracking_cache WHERE tracking_number = $1",
		trackingNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !c.now().Before(entry.ExpiresAt) {
		return nil, false, nil
	}
	return entry.Payload, true, nil
}

// Set creates or overwrites a cache entry
func (c *TrackingCache) Set(ctx context.Context, trackingNumber, carrier string, payload []byte, ttl time.Duration) error {
	now := c.now()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO tracking_cache (tracking_number, carrier, payload, expires_at, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tracking_number)
		DO UPDATE SET carrier = EXCLUDED.carrier, payload = EXCLUDED.payload,
		              expires_at = EXCLUDED.expires_at, last_updated = EXCLUDED.last_updated`,
		trackingNumber, carrier, string(payload), now.Add(ttl), now)
	return err
}

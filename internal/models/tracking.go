package models

import (
	"encoding/json"
	"time"
)

// TrackingStatus is the carrier-independent shipment status vocabulary
type TrackingStatus string

// Tracking statuses
const (
	TrackingAccepted       TrackingStatus = "ACCEPTED"
	TrackingInTransit      TrackingStatus = "IN_TRANSIT"
	TrackingOutForDelivery TrackingStatus = "OUT_FOR_DELIVERY"
	TrackingDelivered      TrackingStatus = "DELIVERED"
	TrackingException      TrackingStatus = "EXCEPTION"
	TrackingReturned       TrackingStatus = "RETURNED"
	TrackingUnknown        TrackingStatus = "UNKNOWN"
)

// TrackingEvent is one carrier scan mapped to the internal vocabulary
type TrackingEvent struct {
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Location    string          `json:"location"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      TrackingStatus  `json:"status"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// TrackingInfo is a carrier-sourced event list plus the derived current status.
// Found is false when the carrier has no record of the tracking number yet.
type TrackingInfo struct {
	TrackingNumber    string          `json:"tracking_number"`
	Carrier           string          `json:"carrier"`
	Found             bool            `json:"found"`
	Status            TrackingStatus  `json:"status"`
	Events            []TrackingEvent `json:"events"`
	EstimatedDelivery *time.Time      `json:"estimated_delivery,omitempty"`
	FetchedAt         time.Time       `json:"fetched_at"`
}

// TrackingCacheEntry is a cached TrackingInfo with its expiry
type TrackingCacheEntry struct {
	TrackingNumber string    `db:"tracking_number"`
	Carrier        string    `db:"carrier"`
	Payload        []byte    `db:"payload"`
	ExpiresAt      time.Time `db:"expires_at"`
	LastUpdated    time.Time `db:"last_updated"`
}

// TrackingHistoryEntry persists an observed carrier event against an order
type TrackingHistoryEntry struct {
	ID                int64          `db:"id" json:"id"`
	OrderID           int64          `db:"order_id" json:"order_id"`
	TrackingNumber    string         `db:"tracking_number" json:"tracking_number"`
	Status            TrackingStatus `db:"status" json:"status"`
	StatusDescription string         `db:"status_description" json:"status_description"`
	Location          string         `db:"location" json:"location"`
	Timestamp         time.Time      `db:"timestamp" json:"timestamp"`
	CarrierRawPayload []byte         `db:"carrier_raw_payload" json:"-"`
}

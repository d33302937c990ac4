package carrier

import (
	"context"
	"sync"
	"time"

	"fulfillment-engine/internal/models"
)

// StaticTracker serves canned tracking data. It stands in for the live
// carrier in tests and in local environments without carrier credentials.
type StaticTracker struct {
	Name string
	// Err, when set, is returned by every call
	Err error

	mu    sync.Mutex
	infos map[string]*models.TrackingInfo
	calls int
}

// NewStaticTracker creates an empty StaticTracker
func NewStaticTracker(name string) *StaticTracker {
	return &StaticTracker{
		Name:  name,
		infos: make(map[string]*models.TrackingInfo),
	}
}

// Set registers the info returned for a tracking number
func (s *StaticTracker) Set(info *models.TrackingInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[info.TrackingNumber] = info
}

// Calls returns how many lookups were made
func (s *StaticTracker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// CarrierName implements Tracker
func (s *StaticTracker) CarrierName() string {
	return s.Name
}

// GetTrackingInfo implements Tracker. Unregistered numbers are reported as not found.
func (s *StaticTracker) GetTrackingInfo(_ context.Context, trackingNumber string) (*models.TrackingInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if s.Err != nil {
		return nil, s.Err
	}
	if info, ok := s.infos[trackingNumber]; ok {
		cp := *info
		cp.Events = append([]models.TrackingEvent(nil), info.Events...)
		return &cp, nil
	}
	return &models.TrackingInfo{
		TrackingNumber: trackingNumber,
		Carrier:        s.Name,
		Found:          false,
		Status:         models.TrackingUnknown,
		Events:         []models.TrackingEvent{},
		FetchedAt:      time.Now().UTC(),
	}, nil
}

package carrier

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"fulfillment-engine/internal/models"
)

// Royal Mail scan codes grouped by the internal status they represent
var eventCodeStatus = map[string]models.TrackingStatus{
	"EVNMI": models.TrackingAccepted,
	"EVPPA": models.TrackingAccepted,
	"EVNAC": models.TrackingAccepted,

	"EVNIC": models.TrackingInTransit,
	"EVNRT": models.TrackingInTransit,
	"EVAIP": models.TrackingInTransit,
	"EVOCO": models.TrackingInTransit,
	"EVNSR": models.TrackingInTransit,
	"EVIMC": models.TrackingInTransit,

	"EVNOD": models.TrackingOutForDelivery,
	"EVGPD": models.TrackingOutForDelivery,

	"EVKSP": models.TrackingDelivered,
	"EVKOP": models.TrackingDelivered,
	"EVKLC": models.TrackingDelivered,
	"EVKSF": models.TrackingDelivered,

	"EVDAV": models.TrackingException,
	"EVKNR": models.TrackingException,
	"EVNDA": models.TrackingException,
	"EVDAC": models.TrackingException,

	"EVDRT": models.TrackingReturned,
	"EVKRT": models.TrackingReturned,
}

// MapEventCode translates a carrier scan code into the internal vocabulary.
// Unrecognised codes fall back to keywords in the description.
func MapEventCode(code, description string) models.TrackingStatus {
	if st, ok := eventCodeStatus[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return st
	}

	desc := strings.ToLower(description)
	switch {
	case strings.Contains(desc, "return"):
		return models.TrackingReturned
	case strings.Contains(desc, "out for delivery"):
		return models.TrackingOutForDelivery
	case strings.Contains(desc, "delivered"):
		return models.TrackingDelivered
	case strings.Contains(desc, "attempt"), strings.Contains(desc, "failed"):
		return models.TrackingException
	case strings.Contains(desc, "in transit"), strings.Contains(desc, "on its way"):
		return models.TrackingInTransit
	case strings.Contains(desc, "received"), strings.Contains(desc, "accepted"):
		return models.TrackingAccepted
	}
	return models.TrackingUnknown
}

type mailPieceResponse struct {
	MailPieceID           string           `json:"mailPieceId"`
	Events                []mailPieceEvent `json:"events"`
	EstimatedDeliveryDate string           `json:"estimatedDeliveryDate"`
}

type mailPieceEvent struct {
	EventCode        string `json:"eventCode"`
	EventDescription string `json:"eventDescription"`
	Location         string `json:"location"`
	EventDateTime    string `json:"eventDateTime"`
}

// toTrackingInfo converts the carrier payload; events are ordered oldest first
// and the current status is taken from the newest event.
func (r *mailPieceResponse) toTrackingInfo(trackingNumber, carrierName string, fetchedAt time.Time) *models.TrackingInfo {
	info := &models.TrackingInfo{
		TrackingNumber: trackingNumber,
		Carrier:        carrierName,
		Found:          true,
		Status:         models.TrackingUnknown,
		Events:         make([]models.TrackingEvent, 0, len(r.Events)),
		FetchedAt:      fetchedAt,
	}

	for _, e := range r.Events {
		raw, _ := json.Marshal(e)
		info.Events = append(info.Events, models.TrackingEvent{
			Code:        e.EventCode,
			Description: e.EventDescription,
			Location:    e.Location,
			Timestamp:   parseCarrierTime(e.EventDateTime),
			Status:      MapEventCode(e.EventCode, e.EventDescription),
			Raw:         raw,
		})
	}
	sort.SliceStable(info.Events, func(i, j int) bool {
		return info.Events[i].Timestamp.Before(info.Events[j].Timestamp)
	})
	if n := len(info.Events); n > 0 {
		info.Status = info.Events[n-1].Status
	}

	if r.EstimatedDeliveryDate != "" {
		if eta := parseCarrierTime(r.EstimatedDeliveryDate); !eta.IsZero() {
			info.EstimatedDelivery = &eta
		}
	}
	return info
}

var carrierTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseCarrierTime(s string) time.Time {
	for _, layout := range carrierTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

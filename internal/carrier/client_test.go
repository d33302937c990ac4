package carrier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fulfillment-engine/internal/errs"
	"fulfillment-engine/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCarrier struct {
	server      *httptest.Server
	tokenCalls  int32
	fetchCalls  int32
	tokenStatus int32
	// fetchStatuses is consumed one per fetch; the last entry repeats
	fetchStatuses []int
	body          string
}

func newFakeCarrier(t *testing.T, body string, statuses ...int) *fakeCarrier {
	t.Helper()
	fc := &fakeCarrier{fetchStatuses: statuses, body: body, tokenStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fc.tokenCalls, 1)
		status := int(atomic.LoadInt32(&fc.tokenStatus))
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/mailpieces/v2/", func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&fc.fetchCalls, 1))
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		status := http.StatusOK
		if len(fc.fetchStatuses) > 0 {
			idx := n - 1
			if idx >= len(fc.fetchStatuses) {
				idx = len(fc.fetchStatuses) - 1
			}
			status = fc.fetchStatuses[idx]
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(fc.body))
	})

	fc.server = httptest.NewServer(mux)
	t.Cleanup(fc.server.Close)
	return fc
}

func (fc *fakeCarrier) client(threshold int) *Client {
	return NewClient(Config{
		Name:             "royal-mail",
		BaseURL:          fc.server.URL,
		TokenURL:         fc.server.URL + "/oauth/token",
		ClientID:         "id",
		ClientSecret:     "secret",
		AuthTimeout:      time.Second,
		FetchTimeout:     time.Second,
		FailureThreshold: threshold,
		RecoveryTimeout:  time.Minute,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Base:        time.Millisecond,
			Factor:      2,
			Cap:         5 * time.Millisecond,
		},
	}, WithHTTPClient(fc.server.Client()))
}

const deliveredBody = `{
  "mailPieceId": "AB123456789GB",
  "estimatedDeliveryDate": "2024-05-03",
  "events": [
    {"eventCode": "EVKSP", "eventDescription": "Delivered", "location": "Leeds", "eventDateTime": "2024-05-03T10:15:00Z"},
    {"eventCode": "EVNMI", "eventDescription": "Item received", "location": "London", "eventDateTime": "2024-05-01T08:00:00Z"},
    {"eventCode": "EVNOD", "eventDescription": "Out for delivery", "location": "Leeds", "eventDateTime": "2024-05-03T07:30:00Z"}
  ]
}`

func TestGetTrackingInfoRetriesTransientFailures(t *testing.T) {
	fc := newFakeCarrier(t, deliveredBody, http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK)
	c := fc.client(5)

	info, err := c.GetTrackingInfo(context.Background(), "AB123456789GB")
	require.NoError(t, err)
	require.NotNil(t, info)

	assert.True(t, info.Found)
	assert.Equal(t, models.TrackingDelivered, info.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&fc.fetchCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.tokenCalls))
}

func TestGetTrackingInfoMapsEventsOldestFirst(t *testing.T) {
	fc := newFakeCarrier(t, deliveredBody)
	c := fc.client(5)

	info, err := c.GetTrackingInfo(context.Background(), "AB123456789GB")
	require.NoError(t, err)

	require.Len(t, info.Events, 3)
	assert.Equal(t, models.TrackingAccepted, info.Events[0].Status)
	assert.Equal(t, models.TrackingOutForDelivery, info.Events[1].Status)
	assert.Equal(t, models.TrackingDelivered, info.Events[2].Status)
	assert.Equal(t, "royal-mail", info.Carrier)
	require.NotNil(t, info.EstimatedDelivery)
	assert.Equal(t, time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC), *info.EstimatedDelivery)
}

func TestGetTrackingInfoCachesToken(t *testing.T) {
	fc := newFakeCarrier(t, deliveredBody)
	c := fc.client(5)

	for i := 0; i < 3; i++ {
		_, err := c.GetTrackingInfo(context.Background(), "AB123456789GB")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.tokenCalls))
	assert.Equal(t, int32(3), atomic.LoadInt32(&fc.fetchCalls))
}

func TestGetTrackingInfoNotFoundIsNotAnError(t *testing.T) {
	fc := newFakeCarrier(t, "", http.StatusNotFound)
	c := fc.client(5)

	info, err := c.GetTrackingInfo(context.Background(), "UNKNOWN1")
	require.NoError(t, err)
	assert.False(t, info.Found)
	assert.Equal(t, models.TrackingUnknown, info.Status)
	assert.Empty(t, info.Events)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.fetchCalls))
}

func TestGetTrackingInfoDoesNotRetryClientErrors(t *testing.T) {
	fc := newFakeCarrier(t, "", http.StatusBadRequest)
	c := fc.client(5)

	_, err := c.GetTrackingInfo(context.Background(), "BAD")
	require.Error(t, err)
	assert.False(t, errors.Is(err, errs.ErrCarrierUnavailable))

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.fetchCalls))
}

func TestGetTrackingInfoRetriesTooManyRequests(t *testing.T) {
	fc := newFakeCarrier(t, deliveredBody, http.StatusTooManyRequests, http.StatusOK)
	c := fc.client(5)

	info, err := c.GetTrackingInfo(context.Background(), "AB123456789GB")
	require.NoError(t, err)
	assert.True(t, info.Found)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fc.fetchCalls))
}

func TestGetTrackingInfoExhaustedRetriesIsCarrierUnavailable(t *testing.T) {
	fc := newFakeCarrier(t, "", http.StatusBadGateway)
	c := fc.client(5)

	_, err := c.GetTrackingInfo(context.Background(), "AB123456789GB")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrCarrierUnavailable)

	var cu *errs.CarrierUnavailableError
	require.ErrorAs(t, err, &cu)
	assert.Equal(t, "AB123456789GB", cu.TrackingNumber)
	assert.Equal(t, int32(3), atomic.LoadInt32(&fc.fetchCalls))
}

func TestOpenBreakerSkipsNetwork(t *testing.T) {
	fc := newFakeCarrier(t, deliveredBody)
	atomic.StoreInt32(&fc.tokenStatus, http.StatusInternalServerError)
	c := fc.client(2)

	for i := 0; i < 2; i++ {
		_, err := c.GetTrackingInfo(context.Background(), "AB123456789GB")
		assert.ErrorIs(t, err, errs.ErrCarrierUnavailable)
	}
	require.Equal(t, StateOpen, c.Breaker().State())
	require.Equal(t, int32(2), atomic.LoadInt32(&fc.tokenCalls))

	_, err := c.GetTrackingInfo(context.Background(), "AB123456789GB")
	assert.ErrorIs(t, err, errs.ErrCarrierUnavailable)
	assert.ErrorIs(t, err, errs.ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fc.tokenCalls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&fc.fetchCalls))
}

func TestEmptyTrackingNumberIsValidationError(t *testing.T) {
	fc := newFakeCarrier(t, deliveredBody)
	c := fc.client(5)

	_, err := c.GetTrackingInfo(context.Background(), "  ")
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fc.tokenCalls))
}

func TestMapEventCode(t *testing.T) {
	tests := []struct {
		code, desc string
		want       models.TrackingStatus
	}{
		{"EVNMI", "", models.TrackingAccepted},
		{"evnrt", "", models.TrackingInTransit},
		{"EVGPD", "", models.TrackingOutForDelivery},
		{"EVKOP", "", models.TrackingDelivered},
		{"EVKNR", "", models.TrackingException},
		{"EVDRT", "", models.TrackingReturned},
		{"ZZZZZ", "Your item was delivered to a neighbour", models.TrackingDelivered},
		{"ZZZZZ", "Returned to sender", models.TrackingReturned},
		{"ZZZZZ", "Something happened", models.TrackingUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.code+"/"+strings.ReplaceAll(tt.desc, " ", "_"), func(t *testing.T) {
			assert.Equal(t, tt.want, MapEventCode(tt.code, tt.desc))
		})
	}
}

func TestGetTrackingInfoRefreshesRevokedToken(t *testing.T) {
	fc := newFakeCarrier(t, deliveredBody, http.StatusUnauthorized, http.StatusOK)
	c := fc.client(5)

	info, err := c.GetTrackingInfo(context.Background(), "AB123456789GB")
	require.NoError(t, err)
	assert.True(t, info.Found)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fc.tokenCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&fc.fetchCalls))
}

func TestGetTrackingInfoRefreshesTokenOnlyOnce(t *testing.T) {
	fc := newFakeCarrier(t, deliveredBody, http.StatusUnauthorized)
	c := fc.client(5)

	_, err := c.GetTrackingInfo(context.Background(), "AB123456789GB")
	require.Error(t, err)
	assert.False(t, errors.Is(err, errs.ErrCarrierUnavailable))

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fc.tokenCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&fc.fetchCalls))
}

func TestRetryScheduleIsCappedExponential(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
		want   []time.Duration
	}{
		{
			name:   "doubling capped at 350ms",
			policy: RetryPolicy{MaxAttempts: 4, Base: 100 * time.Millisecond, Factor: 2, Cap: 350 * time.Millisecond},
			want:   []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond},
		},
		{
			name:   "tripling capped at 1s",
			policy: RetryPolicy{MaxAttempts: 5, Base: 50 * time.Millisecond, Factor: 3, Cap: time.Second},
			want:   []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 450 * time.Millisecond, time.Second},
		},
		{
			name:   "single attempt never waits",
			policy: RetryPolicy{MaxAttempts: 1, Base: 100 * time.Millisecond, Factor: 2, Cap: time.Second},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(Config{Name: "royal-mail", Retry: tt.policy})
			b := c.newBackOff()

			var got []time.Duration
			for d := b.NextBackOff(); d != backoff.Stop; d = b.NextBackOff() {
				got = append(got, d)
				require.LessOrEqual(t, len(got), tt.policy.MaxAttempts, "schedule did not stop")
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fulfillment-engine/internal/errs"
	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/util"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Tracker fetches tracking information for a shipment
type Tracker interface {
	GetTrackingInfo(ctx context.Context, trackingNumber string) (*models.TrackingInfo, error)
	CarrierName() string
}

// RetryPolicy controls retries of the tracking fetch.
// The delay before retry n (0-based) is min(Base * Factor^n, Cap).
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
}

// Config holds the carrier client configuration
type Config struct {
	Name             string
	BaseURL          string
	TokenURL         string
	ClientID         string
	ClientSecret     string
	AuthTimeout      time.Duration
	FetchTimeout     time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration
	Retry            RetryPolicy
}

// HTTPError is a non-2xx answer from the tracking API
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("carrier responded %d: %s", e.StatusCode, e.Body)
}

// Client talks to the Royal Mail style tracking API
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     *tokenSource
	breaker    *CircuitBreaker
	logger     *zap.Logger
	now        func() time.Time
}

// Option customises a Client
type Option func(*Client)

// WithHTTPClient replaces the transport used for both auth and fetch calls
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithBreaker replaces the auth circuit breaker
func WithBreaker(b *CircuitBreaker) Option {
	return func(cl *Client) {
		cl.breaker = b
	}
}

// NewClient creates a new carrier client
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     util.Named("carrier"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = NewCircuitBreaker(cfg.Name+"-auth", cfg.FailureThreshold, cfg.RecoveryTimeout)
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	c.tokens = newTokenSource(cc, c.httpClient, c.breaker, cfg.AuthTimeout)
	return c
}

// CarrierName returns the configured carrier name
func (c *Client) CarrierName() string {
	return c.cfg.Name
}

// Breaker exposes the auth circuit breaker
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// GetTrackingInfo authenticates, fetches and maps the tracking events of one shipment.
// An unknown tracking number is not an error: it yields Found=false.
func (c *Client) GetTrackingInfo(ctx context.Context, trackingNumber string) (info *models.TrackingInfo, err error) {
	ctx, span := util.StartSpan(ctx, "CarrierClient.GetTrackingInfo",
		attribute.String("carrier", c.cfg.Name),
		attribute.String("tracking_number", trackingNumber))
	defer func() { util.EndSpan(span, err) }()

	if strings.TrimSpace(trackingNumber) == "" {
		return nil, errs.NewValidationError("tracking_number", "must not be empty")
	}

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		util.CarrierRequests.WithLabelValues("auth", "error").Inc()
		return nil, errs.NewCarrierUnavailableError(trackingNumber, err)
	}
	util.CarrierRequests.WithLabelValues("auth", "success").Inc()

	var (
		resp      *mailPieceResponse
		found     bool
		refreshed bool
		authErr   error
	)
	operation := func() error {
		r, ok, err := c.fetch(ctx, token, trackingNumber)
		if isUnauthorized(err) && !refreshed {
			// The cached token was revoked early; exchange once more and replay.
			refreshed = true
			if token, authErr = c.tokens.AccessToken(ctx); authErr != nil {
				return backoff.Permanent(authErr)
			}
			r, ok, err = c.fetch(ctx, token, trackingNumber)
		}
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp, found = r, ok
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Carrier fetch failed, retrying",
			zap.String("tracking_number", trackingNumber),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		util.CarrierRequests.WithLabelValues("fetch", "error").Inc()
		if authErr != nil || isRetryable(err) {
			return nil, errs.NewCarrierUnavailableError(trackingNumber, err)
		}
		return nil, fmt.Errorf("carrier fetch %s: %w", trackingNumber, err)
	}

	if !found {
		util.CarrierRequests.WithLabelValues("fetch", "not_found").Inc()
		return &models.TrackingInfo{
			TrackingNumber: trackingNumber,
			Carrier:        c.cfg.Name,
			Found:          false,
			Status:         models.TrackingUnknown,
			Events:         []models.TrackingEvent{},
			FetchedAt:      c.now().UTC(),
		}, nil
	}

	util.CarrierRequests.WithLabelValues("fetch", "success").Inc()
	return resp.toTrackingInfo(trackingNumber, c.cfg.Name, c.now().UTC()), nil
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Retry.Base
	b.Multiplier = c.cfg.Retry.Factor
	b.MaxInterval = c.cfg.Retry.Cap
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.cfg.Retry.MaxAttempts-1))
}

// fetch performs one attempt; found is false on 404
func (c *Client) fetch(ctx context.Context, token, trackingNumber string) (*mailPieceResponse, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/mailpieces/v2/" + url.PathEscape(trackingNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, false, err
	}

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case res.StatusCode == http.StatusUnauthorized:
		c.tokens.Invalidate()
		return nil, false, &HTTPError{StatusCode: res.StatusCode, Body: string(body)}
	case res.StatusCode < 200 || res.StatusCode > 299:
		return nil, false, &HTTPError{StatusCode: res.StatusCode, Body: string(body)}
	}

	var out mailPieceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, false, fmt.Errorf("decode tracking response: %w", err)
	}
	return &out, true, nil
}

func isUnauthorized(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized
}

// isRetryable reports whether err is a transient condition:
// connection errors, timeouts, 5xx and 429.
func isRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

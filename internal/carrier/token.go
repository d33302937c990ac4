package carrier

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenSource caches the client-credentials token until it expires.
// Every exchange runs through the breaker so an auth outage is not hammered.
type tokenSource struct {
	cfg        *clientcredentials.Config
	httpClient *http.Client
	breaker    Breaker
	timeout    time.Duration

	mu    sync.Mutex
	token *oauth2.Token
}

func newTokenSource(cfg *clientcredentials.Config, httpClient *http.Client, breaker Breaker, timeout time.Duration) *tokenSource {
	return &tokenSource{
		cfg:        cfg,
		httpClient: httpClient,
		breaker:    breaker,
		timeout:    timeout,
	}
}

// AccessToken returns a valid bearer token, exchanging credentials when needed.
// Concurrent callers wait for a single exchange.
func (s *tokenSource) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.Valid() {
		return s.token.AccessToken, nil
	}

	var tok *oauth2.Token
	err := s.breaker.Execute(func() error {
		authCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		authCtx = context.WithValue(authCtx, oauth2.HTTPClient, s.httpClient)

		var err error
		tok, err = s.cfg.Token(authCtx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("carrier auth: %w", err)
	}

	s.token = tok
	return tok.AccessToken, nil
}

// Invalidate drops the cached token, e.g. after the API rejects it
func (s *tokenSource) Invalidate() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}

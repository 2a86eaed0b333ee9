package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"widget-datacache/internal/models"
	"widget-datacache/pkg/log"
)

const (
	transportMaxTries  = 3
	breakerMaxFailures = 5
	breakerOpenFor     = 30 * time.Second
)

// HTTPFetcher pulls JSON documents from an integration's pull endpoint.
// Transient transport failures are retried with exponential backoff
// inside the caller's timeout budget; each integration gets its own
// circuit breaker so one broken provider cannot burn every worker's
// fetch window.
type HTTPFetcher struct {
	client    *http.Client
	providers map[string]CredentialProvider

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	logger zerolog.Logger
}

func NewHTTPFetcher(providers map[string]CredentialProvider) *HTTPFetcher {
	return &HTTPFetcher{
		client:    &http.Client{},
		providers: providers,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		logger:    log.Logger.With().Str("component", "http_fetcher").Logger(),
	}
}

func (f *HTTPFetcher) Fetch(
	ctx context.Context,
	def *models.IntegrationDefinition,
	creds *models.CredentialRecord,
	options models.OptionMap,
) (*Result, error) {
	logger := f.logger.With().
		Str("action", "fetch").
		Str("integration_id", def.ID.String()).
		Logger()

	breaker := f.breakerFor(def.ID.String())

	result, err := breaker.Execute(func() (interface{}, error) {
		return f.fetchWithRetry(ctx, def, creds, options)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logger.Warn().Msg("Circuit breaker open, refusing fetch")
		return nil, NewFetchError(KindTransport, err)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug().Msg("Fetch completed")
	return result.(*Result), nil
}

func (f *HTTPFetcher) fetchWithRetry(
	ctx context.Context,
	def *models.IntegrationDefinition,
	creds *models.CredentialRecord,
	options models.OptionMap,
) (*Result, error) {
	operation := func() (*Result, error) {
		result, err := f.fetchOnce(ctx, def, creds, options)
		if err == nil {
			return result, nil
		}

		switch KindOf(err) {
		case KindAuth:
			refreshed, refreshErr := f.refreshCredentials(ctx, def, creds)
			if refreshErr != nil {
				return nil, backoff.Permanent(err)
			}
			result, retryErr := f.fetchOnce(ctx, def, refreshed, options)
			if retryErr != nil {
				return nil, backoff.Permanent(withRotated(retryErr, refreshed))
			}
			result.UpdatedCredentials = refreshed
			return result, nil
		case KindTimeout:
			return nil, backoff.Permanent(err)
		default:
			// transport errors are worth another try
			return nil, err
		}
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(transportMaxTries))
}

func (f *HTTPFetcher) fetchOnce(
	ctx context.Context,
	def *models.IntegrationDefinition,
	creds *models.CredentialRecord,
	options models.OptionMap,
) (*Result, error) {
	endpoint, err := buildEndpointURL(def.PullEndpoint, options)
	if err != nil {
		return nil, NewFetchError(KindTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewFetchError(KindTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	applyCredentialHeaders(req, creds)

	resp, err := f.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, NewFetchError(KindTimeout, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewFetchError(KindTimeout, err)
		}
		return nil, NewFetchError(KindTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewFetchError(KindAuth, fmt.Errorf("provider returned status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, NewFetchError(KindTransport, fmt.Errorf("provider returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewFetchError(KindTransport, fmt.Errorf("failed to read response body: %w", err))
	}

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, NewFetchError(KindTransport, fmt.Errorf("failed to decode response body: %w", err))
	}

	return &Result{Data: data}, nil
}

func (f *HTTPFetcher) refreshCredentials(
	ctx context.Context,
	def *models.IntegrationDefinition,
	creds *models.CredentialRecord,
) (*models.CredentialRecord, error) {
	provider, ok := f.providers[def.ID.String()]
	if !ok || creds == nil {
		return nil, fmt.Errorf("no credential provider for integration %s", def.ID)
	}

	f.logger.Info().
		Str("integration_id", def.ID.String()).
		Msg("Auth failure, attempting credential refresh")
	return provider.Refresh(ctx, creds)
}

func (f *HTTPFetcher) breakerFor(integrationID string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	breaker, ok := f.breakers[integrationID]
	if !ok {
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    integrationID,
			Timeout: breakerOpenFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerMaxFailures
			},
		})
		f.breakers[integrationID] = breaker
	}
	return breaker
}

func buildEndpointURL(endpoint string, options models.OptionMap) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid pull endpoint %q: %w", endpoint, err)
	}

	query := parsed.Query()
	for key, value := range options {
		if value.IsNull() {
			continue
		}
		query.Set(key, value.Canonical())
	}
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

func applyCredentialHeaders(req *http.Request, creds *models.CredentialRecord) {
	if creds == nil {
		return
	}
	if token, ok := creds.Secrets["access_token"]; ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if apiKey, ok := creds.Secrets["api_key"]; ok {
		req.Header.Set("X-Api-Key", apiKey)
	}
}

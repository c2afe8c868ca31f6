package datapoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tempmonitor/forecast-etl/internal/observability"
)

// maxBodyBytes caps a forecast response. A 5-day 3-hourly site report is a
// few tens of kilobytes.
const maxBodyBytes = 4 << 20

var errRetryable = errors.New("retryable")

// StatusError is a non-2xx DataPoint response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("datapoint API error: status %d: %s", e.Code, e.Body)
}

// ClientConfig holds the explicit parameters for a DataPoint client.
type ClientConfig struct {
	APIKey     string
	LocationID string
	BaseURL    string
	Resolution string
	Timeout    time.Duration
	RateLimit  float64 // requests per second
}

// Client fetches site forecasts from the Met Office DataPoint API.
// It implements pipeline.Source.
type Client struct {
	apiKey     string
	locationID string
	resolution string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	metrics    *observability.Metrics
	logger     *slog.Logger

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewClient creates a DataPoint client. Requests are rate limited, retried
// with exponential backoff on 429 and 5xx, and guarded by a circuit breaker
// that opens after five consecutive failures.
func NewClient(cfg ClientConfig, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		apiKey:     cfg.APIKey,
		locationID: cfg.LocationID,
		resolution: cfg.Resolution,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "datapoint",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		metrics: metrics,
		logger:  logger,

		maxRetries:     3,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     5 * time.Second,
	}
}

// Name identifies the source in logs.
func (c *Client) Name() string {
	return "datapoint:" + c.locationID
}

// Fetch downloads the forecast document for the configured location.
func (c *Client) Fetch(ctx context.Context) ([]byte, error) {
	u := c.forecastURL()
	backoff := c.initialBackoff

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		start := time.Now()
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doRequest(ctx, u)
		})
		c.metrics.FetchDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			c.metrics.FetchRequests.WithLabelValues("success").Inc()
			return result.([]byte), nil
		}

		if !errors.Is(err, errRetryable) || attempt >= c.maxRetries || ctx.Err() != nil {
			c.metrics.FetchRequests.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("fetch %s: %w", c.Name(), err)
		}

		c.metrics.FetchRequests.WithLabelValues("retry").Inc()
		c.logger.Warn("datapoint request failed, retrying",
			"error", err,
			"attempt", attempt+1,
			"backoff", backoff,
		)
		if !retry.SleepWithContext(ctx, backoff) {
			return nil, fmt.Errorf("fetch %s: %w", c.Name(), ctx.Err())
		}
		backoff = retry.NextBackoff(backoff, c.maxBackoff)
	}
}

func (c *Client) forecastURL() string {
	u := fmt.Sprintf("%s/public/data/val/wxfcs/all/json/%s", c.baseURL, url.PathEscape(c.locationID))
	params := url.Values{
		"res": {c.resolution},
		"key": {c.apiKey},
	}
	return u + "?" + params.Encode()
}

func (c *Client) doRequest(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// *url.Error carries the full URL, API key included.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("datapoint request: %w: %w", errRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		serr := &StatusError{Code: resp.StatusCode, Body: string(body)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: %w", errRetryable, serr)
		}
		return nil, serr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// Package open311 fetches open service requests from per-city
// Open311-compatible endpoints (GeoReport v2 style).
package open311

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/civiclens/backend/internal/timeutil"
)

// ErrUnknownCity is returned when a city has no configured base URL.
var ErrUnknownCity = errors.New("open311: unknown city")

// StatusError is a non-2xx response from the upstream.
type StatusError struct {
	StatusCode int
	City       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("open311: upstream for %s returned status %d", e.City, e.StatusCode)
}

// RawRequest is one element of the upstream's requests.json array. The
// schema is open-ended, so unrecognized fields ride along untouched.
type RawRequest map[string]any

// ID returns the service_request_id coerced to a string.
func (r RawRequest) ID() string {
	switch v := r["service_request_id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Client fetches pages of open requests with bounded retries.
type Client struct {
	cities     map[string]string
	httpClient *http.Client

	// retry knobs, overridden in tests
	retryInitial time.Duration
	maxRetries   uint64
}

// NewClient builds a client over the configured city -> base URL mapping.
func NewClient(cities map[string]string) *Client {
	return &Client{
		cities: cities,
		httpClient: &http.Client{
			Timeout: 45 * time.Second,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 45 * time.Second,
				IdleConnTimeout:       5 * time.Second,
				MaxIdleConnsPerHost:   4,
			},
		},
		retryInitial: 500 * time.Millisecond,
		maxRetries:   6,
	}
}

// FetchOpenPage returns one page of currently-open requests for a city
// within [start, end]. An empty slice signals the end of pagination; a
// malformed body is logged and treated the same way.
func (c *Client) FetchOpenPage(ctx context.Context, city string, start, end time.Time, page, pageSize int) ([]RawRequest, error) {
	base, ok := c.cities[city]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCity, city)
	}

	q := url.Values{}
	q.Set("status", "open")
	q.Set("start_date", timeutil.Format(start))
	q.Set("end_date", timeutil.Format(end))
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	endpoint := base + "/requests.json?" + q.Encode()

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Connection resets and timeouts are transient; retry.
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return &StatusError{StatusCode: resp.StatusCode, City: city}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, City: city})
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		slog.Warn("open311 fetch retrying", "city", city, "page", page, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, fmt.Errorf("fetch %s page %d: %w", city, page, err)
	}

	var requests []RawRequest
	if err := json.Unmarshal(body, &requests); err != nil {
		// Treat a malformed body as the end-of-pages signal.
		slog.Warn("open311 returned malformed body, ending pagination", "city", city, "page", page, "error", err)
		return nil, nil
	}
	return requests, nil
}

// newBackOff is exponential with full jitter.
func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.retryInitial),
		backoff.WithRandomizationFactor(1),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMaxElapsedTime(0),
	)
}

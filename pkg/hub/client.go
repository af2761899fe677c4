package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/graphwatch/graphwatch/pkg/log"
	"github.com/graphwatch/graphwatch/pkg/metrics"
	"github.com/rs/zerolog"
)

var (
	// ErrUnavailable is returned when every endpoint failed for a request,
	// after retries are exhausted.
	ErrUnavailable = errors.New("hub: all endpoints unavailable")

	// ErrNotFound is returned for a 404 response. List callers translate it
	// into an empty page.
	ErrNotFound = errors.New("hub: not found")
)

const (
	connectTimeout       = 10 * time.Second
	readTimeout          = 30 * time.Second
	defaultRateLimitWait = 30 * time.Second
	maxRetries           = 2 // 3 attempts total across the endpoint list
)

// Endpoint is one upstream hub. Transform, when set, mutates each outgoing
// request (e.g. API key header injection).
type Endpoint struct {
	URL       string
	Transform func(*http.Request)
}

type endpointState struct {
	Endpoint
	rateLimitedUntil time.Time
}

// Client is a logical hub client over an ordered list of endpoints. The
// first endpoint is the primary; transport failures rotate to the next, and
// any success resets the preference back to the primary.
type Client struct {
	http   *http.Client
	logger zerolog.Logger

	mu        sync.Mutex
	endpoints []*endpointState
	current   int
}

// NewClient creates a client over the given endpoints. At least one endpoint
// is required.
func NewClient(endpoints []Endpoint) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one hub endpoint is required")
	}
	states := make([]*endpointState, len(endpoints))
	for i, ep := range endpoints {
		if _, err := url.Parse(ep.URL); err != nil {
			return nil, fmt.Errorf("invalid hub URL %q: %w", ep.URL, err)
		}
		states[i] = &endpointState{Endpoint: ep}
	}

	return &Client{
		http: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   connectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: readTimeout,
				MaxIdleConnsPerHost:   8,
			},
		},
		logger:    log.WithComponent("hub"),
		endpoints: states,
	}, nil
}

// get executes a GET against the hub, rotating endpoints on transport-level
// failure and retrying the full rotation with exponential backoff. Only
// transport errors, 5xx and rate limits rotate; other 4xx are returned to
// the caller immediately.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var body []byte

	op := func() error {
		b, err := c.tryEndpoints(ctx, path, query)
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if isPermanent(err) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrUnavailable, path, err)
	}
	return body, nil
}

// tryEndpoints walks the endpoint list once, starting from the current
// preference, skipping endpoints inside a rate-limit window.
func (c *Client) tryEndpoints(ctx context.Context, path string, query url.Values) ([]byte, error) {
	c.mu.Lock()
	start := c.current
	n := len(c.endpoints)
	c.mu.Unlock()

	now := time.Now()
	var lastErr error
	tried := 0

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		ep := c.endpoints[idx]

		c.mu.Lock()
		limited := ep.rateLimitedUntil.After(now)
		c.mu.Unlock()
		if limited {
			continue
		}
		tried++

		body, err := c.do(ctx, ep, path, query)
		switch {
		case err == nil:
			c.mu.Lock()
			c.current = 0 // favor the primary again
			c.mu.Unlock()
			return body, nil
		case ctx.Err() != nil:
			return nil, backoff.Permanent(err)
		case isPermanent(err):
			return nil, backoff.Permanent(err)
		default:
			lastErr = err
			c.mu.Lock()
			c.current = (idx + 1) % n
			c.mu.Unlock()
			c.logger.Debug().Err(err).Str("endpoint", ep.URL).Str("path", path).Msg("Endpoint failed, rotating")
		}
	}

	if tried == 0 {
		// Every endpoint is rate-limited; fail this rotation and leave any
		// further attempt to the retry backoff, whose delay does not follow
		// the rate-limit windows.
		lastErr = fmt.Errorf("all endpoints rate-limited")
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoint available")
	}
	return nil, lastErr
}

// errStatus marks a response error that must not rotate endpoints
type errStatus struct {
	code int
}

func (e *errStatus) Error() string {
	return fmt.Sprintf("hub: unexpected status %d", e.code)
}

func isPermanent(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var se *errStatus
	return errors.As(err, &se)
}

// do performs one request against one endpoint
func (c *Client) do(ctx context.Context, ep *endpointState, path string, query url.Values) ([]byte, error) {
	u := ep.URL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if ep.Transform != nil {
		ep.Transform(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.HubRequestsTotal.WithLabelValues(ep.URL, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	metrics.HubRequestsTotal.WithLabelValues(ep.URL, strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusOK:
		return io.ReadAll(resp.Body)
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := defaultRateLimitWait
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		c.mu.Lock()
		ep.rateLimitedUntil = time.Now().Add(wait)
		c.mu.Unlock()
		c.logger.Warn().Str("endpoint", ep.URL).Dur("wait", wait).Msg("Endpoint rate-limited")
		return nil, fmt.Errorf("hub: rate limited")
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("hub: server error %d", resp.StatusCode)
	default:
		return nil, &errStatus{code: resp.StatusCode}
	}
}

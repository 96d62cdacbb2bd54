package httpclient

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy controls GetWithRetry. Both waits are upper bounds; a 429's
// Retry-After header is honored up to Max429Wait.
type RetryPolicy struct {
	Attempts   int           // total tries including the first
	Max429Wait time.Duration // cap on the 429 Retry-After wait
	Backoff5xx time.Duration // fixed wait before retrying a 5xx
}

// DefaultRetryPolicy suits one-shot document downloads: three tries,
// Retry-After capped at a minute, one second between 5xx attempts.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:   3,
	Max429Wait: 60 * time.Second,
	Backoff5xx: 1 * time.Second,
}

// GetWithRetry fetches url, retrying 429 and 5xx responses per policy.
// Other statuses, including 4xx, return immediately; the caller decides
// what a 404 means. Caller must close resp.Body when err == nil.
//
// This is for fetching documents that are needed, not for probing liveness;
// the prober has its own retry ladder where 429 and 5xx count as success.
func GetWithRetry(ctx context.Context, client *http.Client, url string, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var resp *http.Response
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept-Encoding", AcceptEncoding)
		resp, err = client.Do(req)
		if err != nil {
			return nil, err
		}
		var wait time.Duration
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait = parseRetryAfter(resp.Header.Get("Retry-After"), policy.Max429Wait)
		case resp.StatusCode >= 500:
			wait = policy.Backoff5xx
		default:
			return resp, nil
		}
		if attempt == attempts-1 {
			break
		}
		// Drain so the connection can be reused for the retry.
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return resp, nil
}

// parseRetryAfter reads a Retry-After value, either delta-seconds or an
// HTTP-date, capped at max. Absent or malformed values wait one second.
func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 * time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		return capWait(time.Duration(sec)*time.Second, max)
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return 1 * time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	return capWait(until, max)
}

func capWait(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

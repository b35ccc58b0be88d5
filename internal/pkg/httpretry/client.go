// Package httpretry wraps an http.RoundTripper with retries on transient
// failures, so API clients built on *http.Client (Google Drive) get
// exponential backoff without each call site looping.
package httpretry

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ignite/fandom-ingest/internal/pkg/logger"
)

// Transport retries requests that fail with a network error or a
// retryable status. The final attempt's response is returned as-is so the
// caller can inspect the status and body.
type Transport struct {
	Base       http.RoundTripper
	MaxRetries int
	// NewBackOff builds the delay schedule for one request. Defaults to an
	// exponential schedule starting at 1s and capped at 30s.
	NewBackOff func() backoff.BackOff
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, maxRetries int) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Transport{Base: base, MaxRetries: maxRetries}
}

// NewClient returns an *http.Client using a retrying transport.
func NewClient(base http.RoundTripper, maxRetries int, timeout time.Duration) *http.Client {
	return &http.Client{Transport: NewTransport(base, maxRetries), Timeout: timeout}
}

func (t *Transport) newBackOff() backoff.BackOff {
	if t.NewBackOff != nil {
		return t.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// RoundTrip implements http.RoundTripper. Client errors (4xx other than
// 429) and context cancellation are never retried.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	bo := backoff.WithContext(t.newBackOff(), req.Context())
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= t.MaxRetries; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}

			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				break
			}
			logger.Debug("httpretry: retrying request",
				"attempt", attempt, "max", t.MaxRetries, "host", req.URL.Host, "path", req.URL.Path, "wait", delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				return nil, req.Context().Err()
			}
		}

		resp, err := t.Base.RoundTrip(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}

		if !isRetryableStatus(resp.StatusCode) || attempt == t.MaxRetries {
			return resp, nil
		}

		// drain for connection reuse
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// isRetryableStatus reports 429 and the transient 5xx family.
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// SPDX-License-Identifier: MPL-2.0

package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
)

const (
	defaultUserAgent = "wineyard"
	defaultRetries   = 3
	defaultTimeout   = 30 * time.Second
)

type (
	// HTTPFetcher downloads resources over HTTP(S). Transport failures and
	// 5xx/429 responses are retried with exponential backoff; 404 and 410
	// fail immediately as not found.
	HTTPFetcher struct {
		client    *http.Client
		userAgent string
		retries   uint64
		backoff   func() backoff.BackOff
		logger    *log.Logger
	}

	// HTTPOption configures an HTTPFetcher.
	HTTPOption func(*HTTPFetcher)
)

// WithHTTPClient sets the HTTP client, useful for tests or proxies.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(f *HTTPFetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithRetries sets how many times a transient failure is retried.
func WithRetries(n int) HTTPOption {
	return func(f *HTTPFetcher) {
		if n >= 0 {
			f.retries = uint64(n)
		}
	}
}

// WithBackOff replaces the retry schedule; tests use a constant zero delay.
func WithBackOff(fn func() backoff.BackOff) HTTPOption {
	return func(f *HTTPFetcher) { f.backoff = fn }
}

// WithLogger sets the logger used for retry notices.
func WithLogger(l *log.Logger) HTTPOption {
	return func(f *HTTPFetcher) { f.logger = l }
}

// NewHTTPFetcher creates an HTTP fetcher.
func NewHTTPFetcher(opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:    &http.Client{Timeout: defaultTimeout},
		userAgent: defaultUserAgent,
		retries:   defaultRetries,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open implements Fetcher.
func (f *HTTPFetcher) Open(ctx context.Context, uri string) (*Response, error) {
	var resp *http.Response

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
		if err != nil {
			return backoff.Permanent(notFound(uri, fmt.Errorf("invalid request: %w", err)))
		}
		req.Header.Set("User-Agent", f.userAgent)

		r, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return networkError(uri, err)
		}

		switch {
		case r.StatusCode == http.StatusOK:
			resp = r
			return nil
		case r.StatusCode == http.StatusNotFound, r.StatusCode == http.StatusGone:
			_ = r.Body.Close()
			return backoff.Permanent(notFound(uri, fmt.Errorf("server returned %s", r.Status)))
		case r.StatusCode >= http.StatusInternalServerError, r.StatusCode == http.StatusTooManyRequests:
			_ = r.Body.Close()
			return networkError(uri, fmt.Errorf("server returned %s", r.Status))
		default:
			_ = r.Body.Close()
			return backoff.Permanent(networkError(uri, fmt.Errorf("server returned %s", r.Status)))
		}
	}

	notify := func(err error, wait time.Duration) {
		f.logger.Warn("retrying download", "uri", uri, "err", err, "wait", wait)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(f.backoff(), f.retries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return &Response{Body: resp.Body, Size: resp.ContentLength}, nil
}

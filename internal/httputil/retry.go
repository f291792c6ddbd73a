// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package httputil provides the HTTP transport shared by model providers.
package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/pdiddy/clinical-extract/internal/logging"
)

// RetryBaseDelay controls the base duration for exponential backoff on
// HTTP 429 responses. Tests override this to avoid real sleeps.
var RetryBaseDelay = 10 * time.Second

const defaultMaxRetries = 5

// Transport is an http.RoundTripper that logs each request and retries
// HTTP 429 (Too Many Requests) with exponential backoff. The delay starts at
// RetryBaseDelay (10 s) and doubles each attempt: 10 s, 20 s, 40 s, 80 s,
// 160 s.
//
// When MaxRetries is 0 the default (5) is used. On each 429 the response
// body is drained and closed before sleeping. If the request context is
// cancelled during a backoff wait, RoundTrip returns ctx.Err(). After
// exhausting retries the last 429 response is returned so the caller can
// inspect it.
//
// AttemptTimeout bounds each attempt, from sending the request until the
// response body is closed. Backoff waits do not count against it. When
// Logger is nil the logger carried by the request context is used.
type Transport struct {
	Base           http.RoundTripper
	MaxRetries     int
	AttemptTimeout time.Duration
	Logger         *slog.Logger
}

// NewClient returns an http.Client using a Transport over
// http.DefaultTransport. timeout applies to each attempt; the client itself
// has no overall timeout so that 429 backoff can run to completion.
func NewClient(timeout time.Duration, maxRetries int, logger *slog.Logger) *http.Client {
	return &http.Client{
		Transport: &Transport{
			Base:           http.DefaultTransport,
			MaxRetries:     maxRetries,
			AttemptTimeout: timeout,
			Logger:         logger,
		},
	}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

func (t *Transport) logger(ctx context.Context) *slog.Logger {
	if t.Logger == nil {
		return logging.From(ctx)
	}
	return t.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	// Buffer the body so it can be replayed on retry.
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		body = b
	}

	ctx := req.Context()
	log := t.logger(ctx)

	for attempt := 0; ; attempt++ {
		resp, err := t.attempt(ctx, req, body, log)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		// Exhausted retries: return the 429 response as-is.
		if attempt >= maxRetries {
			return resp, nil
		}

		// Drain and close the body before retrying.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		backoff := time.Duration(math.Pow(2, float64(attempt))) * RetryBaseDelay
		log.Warn("rate limited, retrying", "backoff", backoff, "attempt", attempt+1, "max_retries", maxRetries)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// attempt sends one copy of req. With an AttemptTimeout the returned body
// releases the attempt's deadline when closed.
func (t *Transport) attempt(ctx context.Context, req *http.Request, body []byte, log *slog.Logger) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if t.AttemptTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.AttemptTimeout)
	}

	attemptReq := req.Clone(ctx)
	if body != nil {
		attemptReq.Body = io.NopCloser(bytes.NewReader(body))
		attemptReq.ContentLength = int64(len(body))
	}

	start := time.Now()
	resp, err := t.base().RoundTrip(attemptReq)
	if err != nil {
		cancel()
		log.Debug("http request failed", "method", req.Method, "url", req.URL.Redacted(), "error", err)
		return nil, err
	}
	log.Debug("http request",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"status", resp.StatusCode,
		"elapsed", time.Since(start).Round(time.Millisecond))

	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

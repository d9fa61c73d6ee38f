// Package httpx wraps net/http with the bounded retry behavior used for all
// generation-server requests: transient transport errors and 429/5xx
// responses are retried with a linear backoff, everything else is returned
// to the caller untouched.
package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

const defaultMaxRetries = 3

type Client struct {
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: defaultMaxRetries,
		backoff:    time.Second,
	}
}

// WithRetries overrides the retry budget; a zero count disables retries.
func (c *Client) WithRetries(count int, backoff time.Duration) *Client {
	c.maxRetries = count
	c.backoff = backoff
	return c
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.do(req)
}

func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.do(req.WithContext(ctx))
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	// Buffer the body so it can be replayed on retry.
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	var resp *http.Response
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}

		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err = c.httpClient.Do(req)
		if err != nil {
			continue
		}
		if !retryableStatus(resp.StatusCode) || attempt == c.maxRetries {
			return resp, nil
		}
		resp.Body.Close()
	}

	if err != nil {
		return nil, err
	}
	return resp, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

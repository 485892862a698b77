package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// maxResponseBody caps how much of an upstream response is kept for
// diagnostics.
const maxResponseBody = 4096

// Response is the upstream answer to a replayed or submitted form.
type Response struct {
	StatusCode int
	Body       string
}

// Success reports whether the upstream accepted the request (any 2xx).
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Poster sends a form POST to the upstream application.
type Poster interface {
	Post(ctx context.Context, endpoint string, fields types.Fields) (*Response, error)
}

// HTTPPoster posts application/x-www-form-urlencoded bodies to
// baseURL + endpoint.
type HTTPPoster struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPPoster creates a poster for the upstream at baseURL. An empty token
// sends no Authorization header.
func NewHTTPPoster(baseURL, token string, timeout time.Duration) *HTTPPoster {
	return &HTTPPoster{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Post sends fields in their original order. Any HTTP response, including
// non-2xx, is returned without error; only transport failures are errors.
func (p *HTTPPoster) Post(ctx context.Context, endpoint string, fields types.Fields) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, strings.NewReader(fields.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", endpoint, err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: string(body)}, nil
}

// IsPermanent reports whether an upstream status code means the request can
// never succeed as queued. Every 4xx is permanent except timeouts, too-early,
// and rate limiting.
func IsPermanent(statusCode int) bool {
	if statusCode < 400 || statusCode >= 500 {
		return false
	}
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return true
}

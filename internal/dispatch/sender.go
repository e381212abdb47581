package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBody caps how much of a partner response is read and stored.
const maxResponseBody = 64 << 10

// Sender POSTs signed payloads to partner stores.
type Sender struct {
	client *http.Client
}

// NewSender creates a Sender. A nil client gets standard transport settings.
// Redirects are never followed: a 3xx is a failed delivery.
func NewSender(client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Sender{client: &c}
}

// Delivery is one outbound request.
type Delivery struct {
	URL     string
	Body    []byte
	Header  http.Header
	Timeout time.Duration
}

// Response is what came back from the partner, whatever the status.
type Response struct {
	StatusCode int
	Body       []byte
}

// Success reports a 2xx status.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Send delivers d. An error means no response was received (connection
// failure, timeout); any HTTP status is returned as a Response.
func (s *Sender) Send(ctx context.Context, d Delivery) (*Response, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range d.Header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

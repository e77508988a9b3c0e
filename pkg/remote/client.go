package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/fnforge/fnforge/pkg/telemetry"
)

// StatusError is returned when a remote service answers with a non-2xx status.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: remote returned status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: remote returned status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Option customises a client.
type Option func(*client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTelemetry records remote calls made by the client.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *client) { c.tel = tel }
}

// client holds what every service client shares.
type client struct {
	baseURL    string
	httpClient *http.Client
	tel        *telemetry.Telemetry
}

func newClient(base string, opts ...Option) (*client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	c := &client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// request describes one call to a remote service.
type request struct {
	operation   string
	method      string
	path        string
	body        io.Reader
	contentType string
	timeout     time.Duration
}

// do performs the request and decodes a JSON response into v when v is not nil.
func (c *client) do(ctx context.Context, r request, v any) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, r.body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", r.operation, err)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: failed to perform request: %w", r.operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Operation:  r.operation,
			StatusCode: resp.StatusCode,
			Body:       extractError(resp.Body),
		}
	}

	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", r.operation, err)
	}
	return nil
}

// extractError returns the error message of a failed response. It understands
// {"error": "..."} and {"detail": "..."} bodies and falls back to the raw text.
func extractError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	if payload.Error != "" {
		return payload.Error
	}
	if payload.Detail != "" {
		return payload.Detail
	}
	return strings.TrimSpace(string(data))
}

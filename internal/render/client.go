package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"report-job-engine/internal/breaker"
	"report-job-engine/internal/telemetry"
)

// Client calls the external document-renderer service. Two guards protect
// the renderer: a client-side throttle caps outbound request rate, and a
// circuit breaker converts a burst of renderer failures into fast local
// rejections instead of repeated slow timeouts.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *breaker.Breaker
}

// Request asks the renderer to produce a document from a template.
type Request struct {
	Template string         `json:"template"`
	Format   string         `json:"format"`
	Data     map[string]any `json:"data,omitempty"`
}

// Result is the rendered artifact.
type Result struct {
	ContentType string
	Body        []byte
}

// NewClient builds a renderer client. rps bounds outbound calls per second;
// br may be shared with the health aggregator so breaker state shows up in
// health reports.
func NewClient(baseURL string, rps float64, br *breaker.Breaker) *Client {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		breaker:    br,
	}
}

// Breaker exposes the guard for health reporting.
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// Render produces a document. A breaker.ErrOpen result means the renderer
// is being avoided, not that this particular call failed.
func (c *Client) Render(ctx context.Context, req Request) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("renderer throttle: %w", err)
	}
	var result *Result
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		r, err := c.doRender(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			telemetry.BreakerRejects.Inc()
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) doRender(ctx context.Context, req Request) (*Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal render request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call renderer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("renderer returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read rendered document: %w", err)
	}
	return &Result{
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

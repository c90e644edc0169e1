package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// maxResponseBytes caps how much of an agent response is read.
const maxResponseBytes = 8 << 20

// HTTPInvoker calls an agent over HTTP: the Invocation is POSTed as JSON and a
// 2xx response body, which must be JSON, is the result.
type HTTPInvoker struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// NewHTTPInvoker creates an HTTPInvoker. timeout bounds each request on top
// of the attempt deadline; zero means no client-side timeout.
func NewHTTPInvoker(url string, headers map[string]string, timeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{
		URL:     url,
		Headers: headers,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	body, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("agent %s: encode request: %w", inv.Agent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agent %s: build request: %w", inv.Agent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Michi-Trace-ID", inv.TraceID)
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", inv.Agent, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("agent %s: read response: %w", inv.Agent, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("agent %s: status %d: %s", inv.Agent, resp.StatusCode, truncate(strings.TrimSpace(string(data)), 200))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("agent %s: response is not valid JSON", inv.Agent)
	}
	return json.RawMessage(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

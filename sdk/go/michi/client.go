package michi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Michi daemon (e.g. "http://127.0.0.1:7420").
	BaseURL string

	// Token is a bearer token issued by `michi token`. Leave empty when the
	// daemon runs without an API secret.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Michi API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("michi: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
	}, nil
}

// Health reports daemon status. It needs no token.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Validate checks a flow document (YAML or JSON text) without running it.
func (c *Client) Validate(ctx context.Context, flow string) (*Validation, error) {
	var resp Validation
	if err := c.post(ctx, "/v1/flows/validate", flowBody{Flow: flow}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit starts a run of flow with the given input and returns its trace id.
func (c *Client) Submit(ctx context.Context, flow string, input json.RawMessage) (*Submitted, error) {
	var resp Submitted
	if err := c.post(ctx, "/v1/runs", flowBody{Flow: flow, Input: input}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun returns the current state of a run.
func (c *Client) GetRun(ctx context.Context, traceID string) (*Run, error) {
	var resp Run
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(traceID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitRun polls GetRun every interval until the run finishes or ctx ends.
func (c *Client) WaitRun(ctx context.Context, traceID string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, traceID)
		if err != nil {
			return nil, err
		}
		if run.Finished() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ActiveRuns lists the runs the daemon is executing.
func (c *Client) ActiveRuns(ctx context.Context) ([]Run, error) {
	var resp []Run
	if err := c.get(ctx, "/v1/runs", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Activity returns the journal records of a run in order.
func (c *Client) Activity(ctx context.Context, traceID string) ([]Activity, error) {
	var resp []Activity
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(traceID)+"/activity", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Digest returns the tamper-evident digest of a run's activity journal.
// Compare digests taken at different times to detect edits to a finished run.
func (c *Client) Digest(ctx context.Context, traceID string) (*Digest, error) {
	var resp Digest
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(traceID)+"/digest", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel asks the daemon to cancel a run. It returns false when the run had
// already finished.
func (c *Client) Cancel(ctx context.Context, traceID string) (bool, error) {
	var resp cancelResponse
	if err := c.post(ctx, "/v1/runs/"+url.PathEscape(traceID)+"/cancel", struct{}{}, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

// Leases lists the file leases currently held.
func (c *Client) Leases(ctx context.Context) ([]Lease, error) {
	var resp []Lease
	if err := c.get(ctx, "/v1/leases", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Agents lists the agent ids the daemon can invoke.
func (c *Client) Agents(ctx context.Context) ([]string, error) {
	var resp []string
	if err := c.get(ctx, "/v1/agents", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details any    `json:"details"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("michi: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("michi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("michi: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("michi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("michi: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("michi: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}

// Package client is the Go SDK for the sovereignctl inspection API. It is
// read-only by construction: the API exposes no write endpoint.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sovereign-ledger/sovereign/internal/integrity"
)

// Status mirrors GET /api/v1/status.
type Status struct {
	GenesisID     string   `json:"genesis_id"`
	PublicKeyHash string   `json:"public_key_hash"`
	EventsTotal   int64    `json:"events_total"`
	SegmentEvents int      `json:"segment_events"`
	TipHash       string   `json:"tip_hash"`
	TSAAnchors    int      `json:"tsa_anchors"`
	PinBackends   []string `json:"pin_backends"`
	Frozen        bool     `json:"frozen"`
	Degraded      bool     `json:"degraded"`
}

// Client talks to one inspection server.
type Client struct {
	base       string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout on the default client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New builds a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}
	c := &Client{
		base:       strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Status fetches the trail state.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.getJSON(ctx, "/api/v1/status", http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Verify runs the server-side integrity check. A failed check is not a
// transport error: the report's OK field and Issues carry the outcome.
func (c *Client) Verify(ctx context.Context) (*integrity.Report, error) {
	req, err := c.newRequest(ctx, "/api/v1/verify")
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// 200 for a clean trail, 409 for a failing one; both carry the report.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return nil, httpError(resp)
	}
	var report integrity.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("client: decode report: %w", err)
	}
	return &report, nil
}

// Proof fetches the self-contained proof bundle for an event. The bundle
// can then be checked offline with integrity.VerifyBundle.
func (c *Client) Proof(ctx context.Context, eventID string) (*integrity.Bundle, error) {
	var b integrity.Bundle
	if err := c.getJSON(ctx, "/api/v1/events/"+eventID+"/proof", http.StatusOK, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Healthz checks server liveness.
func (c *Client) Healthz(ctx context.Context) error {
	req, err := c.newRequest(ctx, "/healthz")
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, want int, out any) error {
	req, err := c.newRequest(ctx, path)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return httpError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("client: %s %s: %s", resp.Request.Method, resp.Request.URL.Path, msg)
}

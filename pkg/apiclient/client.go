// Package apiclient provides a REST client for the meshreg admin API, used
// by the CLI status and slots commands.
package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meshreg/meshreg/pkg/slot"
)

// Client is the admin API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// New creates a client against baseURL (e.g. "http://127.0.0.1:9615").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetToken sets the bearer token used for mutating endpoints.
func (c *Client) SetToken(token string) {
	c.token = token
}

// envelope mirrors the server's response wrapper.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// do performs an HTTP request and decodes the wrapped payload into result.
func (c *Client) do(method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode >= 400 || env.Status == "error" {
		msg := env.Error
		if msg == "" {
			msg = string(respBody)
		}
		return fmt.Errorf("api error (%d): %s", resp.StatusCode, msg)
	}
	if result != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// Health checks the liveness endpoint.
func (c *Client) Health() error {
	return c.do(http.MethodGet, "/health", nil, nil)
}

// SlotsResponse is the payload of GET /api/v1/slots.
type SlotsResponse struct {
	Epoch int64             `json:"epoch"`
	Slots []slot.SlotStatus `json:"slots"`
}

// Slots fetches the node's local slot view.
func (c *Client) Slots() (*SlotsResponse, error) {
	var out SlotsResponse
	if err := c.do(http.MethodGet, "/api/v1/slots", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats fetches the node's counters.
func (c *Client) Stats() (map[string]any, error) {
	var out map[string]any
	if err := c.do(http.MethodGet, "/api/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TableSlot is one slot assignment in a submitted table.
type TableSlot struct {
	ID          int      `json:"id"`
	Leader      string   `json:"leader"`
	Followers   []string `json:"followers,omitempty"`
	LeaderEpoch int64    `json:"leaderEpoch"`
}

// SubmitSlotTable delivers a slot table to the node's heartbeat intake.
func (c *Client) SubmitSlotTable(epoch int64, slots []TableSlot) (bool, error) {
	body := map[string]any{"epoch": epoch, "slots": slots}
	var out struct {
		Accepted bool `json:"accepted"`
	}
	if err := c.do(http.MethodPost, "/api/v1/slots/table", body, &out); err != nil {
		return false, err
	}
	return out.Accepted, nil
}

// SetStopPush toggles the node's stop-push switch.
func (c *Client) SetStopPush(enabled bool) error {
	body := map[string]bool{"enabled": enabled}
	return c.do(http.MethodPut, "/api/v1/push/stop", body, nil)
}

// Package basket is a small Go client for the basketd local API,
// meant to be embedded in the meal-planning UI process. It talks to
// the daemon's loopback facade, so it never blocks on the network:
// basketd absorbs offline periods and syncs in the background.
package basket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotFound is returned when the daemon has no such list.
var ErrNotFound = errors.New("shopping list not found")

// APIError carries the daemon's problem response for non-2xx answers
// that have no dedicated sentinel.
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("basketd: %s (%d): %s", e.Title, e.Status, e.Detail)
	}
	return fmt.Sprintf("basketd: %s (%d)", e.Title, e.Status)
}

// Config holds client settings.
type Config struct {
	// BaseURL is the daemon's facade address. Defaults to the standard
	// loopback port.
	BaseURL string
	// Timeout bounds each request. Defaults to 10s; the facade is
	// local, so anything slower signals a daemon problem.
	Timeout time.Duration
}

// Client talks to a running basketd daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the daemon at cfg.BaseURL.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:7246"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// Health reports whether the daemon is up and reachable.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return nil
}

// Store persists a new shopping list.
func (c *Client) Store(ctx context.Context, list *List) (*List, error) {
	return c.exchange(ctx, http.MethodPost, "/api/v1/lists", list, http.StatusCreated)
}

// Get fetches one shopping list by id.
func (c *Client) Get(ctx context.Context, id string) (*List, error) {
	return c.exchange(ctx, http.MethodGet, "/api/v1/lists/"+id, nil, http.StatusOK)
}

// List fetches all locally stored shopping lists.
func (c *Client) List(ctx context.Context) ([]List, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/lists", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	var lists []List
	if err := json.NewDecoder(resp.Body).Decode(&lists); err != nil {
		return nil, fmt.Errorf("decode lists: %w", err)
	}
	return lists, nil
}

// Update replaces a shopping list's content. The daemon bumps the
// version and queues the change for the server.
func (c *Client) Update(ctx context.Context, list *List) (*List, error) {
	return c.exchange(ctx, http.MethodPut, "/api/v1/lists/"+list.Metadata.ID, list, http.StatusOK)
}

// Delete removes a shopping list.
func (c *Client) Delete(ctx context.Context, id string) error {
	resp, err := c.send(ctx, http.MethodDelete, "/api/v1/lists/"+id, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusNoContent {
		return readAPIError(resp)
	}
	return nil
}

// CheckItem sets one item's checked state.
func (c *Client) CheckItem(ctx context.Context, listID, itemID string, checked bool) (*List, error) {
	path := fmt.Sprintf("/api/v1/lists/%s/items/%s/check", listID, itemID)
	body := struct {
		Checked bool `json:"checked"`
	}{checked}
	return c.exchange(ctx, http.MethodPatch, path, body, http.StatusOK)
}

// SyncStatus reports the daemon's connection and queue state.
func (c *Client) SyncStatus(ctx context.Context) (*SyncState, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/sync/status", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	var state SyncState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode sync status: %w", err)
	}
	return &state, nil
}

// TriggerSync asks the daemon to process its queue now instead of
// waiting for the next reconnect.
func (c *Client) TriggerSync(ctx context.Context) (*SyncResult, error) {
	resp, err := c.send(ctx, http.MethodPost, "/api/v1/sync", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	var result SyncResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode sync result: %w", err)
	}
	return &result, nil
}

// Conflicts lists device conflicts awaiting manual resolution.
func (c *Client) Conflicts(ctx context.Context) ([]Conflict, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/conflicts", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	var conflicts []Conflict
	if err := json.NewDecoder(resp.Body).Decode(&conflicts); err != nil {
		return nil, fmt.Errorf("decode conflicts: %w", err)
	}
	return conflicts, nil
}

// AcknowledgeConflict drops a pending conflict after the user has
// resolved it through a normal update.
func (c *Client) AcknowledgeConflict(ctx context.Context, id string) error {
	resp, err := c.send(ctx, http.MethodDelete, "/api/v1/conflicts/"+id, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusNoContent {
		return readAPIError(resp)
	}
	return nil
}

// DeviceStatus reports the daemon's cross-device view.
func (c *Client) DeviceStatus(ctx context.Context) (*DeviceState, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/devices/status", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	var state DeviceState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode device status: %w", err)
	}
	return &state, nil
}

func (c *Client) exchange(ctx context.Context, method, path string, body any, wantStatus int) (*List, error) {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != wantStatus {
		return nil, readAPIError(resp)
	}
	var list List
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return &list, nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("basketd unreachable: %w", err)
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil {
		if problem.Title != "" {
			apiErr.Title = problem.Title
		}
		apiErr.Detail = problem.Detail
	}
	return apiErr
}

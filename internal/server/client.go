// Package server implements the client side of the central sync
// service's contract: shopping-list writes with version negotiation,
// device registration, recent-list download, and the cross-device
// change feed.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/basketd/basketd/internal/types"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrNotConfigured is returned when no server URL is set; the
	// device runs offline-only.
	ErrNotConfigured = errors.New("server URL not configured")

	// ErrUnavailable is returned for transport-level failures and
	// 5xx responses. These are transient: callers retry with backoff.
	ErrUnavailable = errors.New("server unavailable")

	// ErrNotFound is returned when the server has no such list.
	ErrNotFound = errors.New("list not found on server")
)

// ConflictError is returned when the server rejects a write because its
// state diverged from the client's declared version. It carries the
// server's current state for resolution.
type ConflictError struct {
	Server *types.Entry
}

func (e *ConflictError) Error() string {
	if e.Server == nil {
		return "server reported a conflict"
	}
	return fmt.Sprintf("server reported a conflict on %s (server version %d)",
		e.Server.Metadata.ID, e.Server.Metadata.Version)
}

// Client talks to the central sync service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client for the given base URL. An empty URL
// produces a client whose every call returns ErrNotConfigured.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Configured reports whether a server URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Ping checks connectivity to the server's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// CreateList uploads a new shopping list. The server answers with the
// accepted state, or a conflict payload when the id already exists with
// different content.
func (c *Client) CreateList(ctx context.Context, entry *types.Entry) (*types.Entry, error) {
	return c.exchangeEntry(ctx, http.MethodPost, "/api/v1/lists", entry)
}

// UpdateList uploads a modified shopping list. The client's declared
// version and lastModified ride along; a 409 comes back as a
// *ConflictError carrying the server's current state.
func (c *Client) UpdateList(ctx context.Context, entry *types.Entry) (*types.Entry, error) {
	return c.exchangeEntry(ctx, http.MethodPut, "/api/v1/lists/"+entry.Metadata.ID, entry)
}

// DeleteList removes a list server-side, declaring the version the
// client last saw.
func (c *Client) DeleteList(ctx context.Context, id string, version int64) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	path := fmt.Sprintf("/api/v1/lists/%s?version=%d", id, version)
	resp, err := c.send(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		// Deleting an already-deleted list converges to the same state.
		return nil
	case http.StatusConflict:
		return decodeConflict(resp.Body)
	default:
		return statusError(resp)
	}
}

// itemCheckRequest is the patch payload for item check-state changes.
type itemCheckRequest struct {
	Checked      bool      `json:"checked"`
	LastModified time.Time `json:"lastModified"`
	Version      int64     `json:"version"`
	DeviceID     string    `json:"deviceId"`
}

// PatchItemCheck updates one item's check state server-side.
func (c *Client) PatchItemCheck(ctx context.Context, listID, itemID string, checked bool, lastModified time.Time, version int64, deviceID string) (*types.Entry, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	body := itemCheckRequest{
		Checked:      checked,
		LastModified: lastModified,
		Version:      version,
		DeviceID:     deviceID,
	}
	path := fmt.Sprintf("/api/v1/lists/%s/items/%s/check", listID, itemID)
	resp, err := c.send(ctx, http.MethodPatch, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeEntryResponse(resp)
}

// FetchRecentLists downloads the user's recent shopping lists, used to
// seed a brand-new device. Transient failures are retried with
// exponential backoff before surfacing.
func (c *Client) FetchRecentLists(ctx context.Context, deviceID string) ([]types.Entry, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	var entries []types.Entry
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := c.send(ctx, http.MethodGet, "/api/v1/lists?device="+deviceID, nil)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return retry.RetryableError(statusError(resp))
		}
		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		var payload struct {
			Lists []types.Entry `json:"lists"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("decode lists: %w", err)
		}
		entries = payload.Lists
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// RegisterDevice announces this device to the server. Registration is
// retried: a device that cannot register still works offline and tries
// again on the next startup or reconnect.
func (c *Client) RegisterDevice(ctx context.Context, info types.DeviceInfo) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := c.send(ctx, http.MethodPost, "/api/v1/devices", info)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return retry.RetryableError(statusError(resp))
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return statusError(resp)
		}
		return nil
	})
}

// ListDevices fetches the user's registered devices.
func (c *Client) ListDevices(ctx context.Context) ([]types.DeviceInfo, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/devices", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var payload struct {
		Devices []types.DeviceInfo `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}
	return payload.Devices, nil
}

// NotifyChange broadcasts a change notification to the user's other
// devices via the server.
func (c *Client) NotifyChange(ctx context.Context, n types.ChangeNotification) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	resp, err := c.send(ctx, http.MethodPost, "/api/v1/changes", n)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}
	return nil
}

// SubmitResolution reports a conflict resolution so the server and the
// losing devices converge on the winner.
func (c *Client) SubmitResolution(ctx context.Context, r types.Resolution) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	resp, err := c.send(ctx, http.MethodPost, "/api/v1/conflicts/resolutions", r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}
	return nil
}

func (c *Client) exchangeEntry(ctx context.Context, method, path string, entry *types.Entry) (*types.Entry, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	resp, err := c.send(ctx, method, path, entry)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeEntryResponse(resp)
}

func decodeEntryResponse(resp *http.Response) (*types.Entry, error) {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var entry types.Entry
		if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		return &entry, nil
	case http.StatusConflict:
		return nil, decodeConflict(resp.Body)
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, statusError(resp)
	}
}

// decodeConflict reads the server's conflict payload: its current state
// for the contested list.
func decodeConflict(body io.Reader) error {
	var payload struct {
		Server *types.Entry `json:"server"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return &ConflictError{}
	}
	return &ConflictError{Server: payload.Server}
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: server returned %d", ErrUnavailable, resp.StatusCode)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

// send sends an authenticated JSON request.
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
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

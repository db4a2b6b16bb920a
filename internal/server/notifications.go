package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	ws "github.com/coder/websocket"

	"github.com/basketd/basketd/internal/types"
)

const listenRedialDelay = 5 * time.Second

// NotificationHandler consumes one cross-device change notification.
type NotificationHandler func(types.ChangeNotification)

// ListenChanges subscribes to the server's change feed for this device
// and delivers each notification to handler. It redials on connection
// loss and blocks until ctx is cancelled.
func (c *Client) ListenChanges(ctx context.Context, deviceID string, handler NotificationHandler) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	url := wsURL(c.baseURL) + "/api/v1/changes/ws?device=" + deviceID
	for {
		if err := c.listenOnce(ctx, url, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Debug("change feed disconnected, redialing",
				"error", err,
				"component", "server",
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(listenRedialDelay):
		}
	}
}

func (c *Client) listenOnce(ctx context.Context, url string, handler NotificationHandler) error {
	opts := &ws.DialOptions{}
	if c.apiKey != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + c.apiKey},
		}
	}

	conn, _, err := ws.Dial(ctx, url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var n types.ChangeNotification
		if err := json.Unmarshal(data, &n); err != nil {
			slog.Warn("malformed change notification",
				"error", err,
				"component", "server",
			)
			continue
		}
		handler(n)
	}
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

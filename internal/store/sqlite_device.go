package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basketd/basketd/internal/types"
)

const deviceCols = `device_id, device_name, device_type, last_seen, is_current`

func scanDevice(scanner interface{ Scan(...any) error }) (*types.DeviceInfo, error) {
	var (
		d          types.DeviceInfo
		deviceType string
		lastSeen   string
		isCurrent  int
	)
	err := scanner.Scan(&d.DeviceID, &d.DeviceName, &deviceType, &lastSeen, &isCurrent)
	if err != nil {
		return nil, err
	}
	d.DeviceType = types.DeviceType(deviceType)
	d.IsCurrentDevice = isCurrent != 0
	if t, err := time.Parse(time.RFC3339Nano, lastSeen); err == nil {
		d.LastSeen = t
	}
	return &d, nil
}

// UpsertDevice inserts or refreshes a device record.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *types.DeviceInfo) error {
	isCurrent := 0
	if d.IsCurrentDevice {
		isCurrent = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceCols+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			device_type = excluded.device_type,
			last_seen = excluded.last_seen,
			is_current = excluded.is_current
	`, d.DeviceID, d.DeviceName, string(d.DeviceType),
		d.LastSeen.UTC().Format(time.RFC3339Nano), isCurrent)
	return wrapWriteErr("upsert device", err)
}

// ListDevices returns every known device, current device first.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]types.DeviceInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deviceCols+`
		FROM devices
		ORDER BY is_current DESC, last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []types.DeviceInfo
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// Session tracks one device's active working period and the set of
// lists it touched.
type Session struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId"`
	StartedAt  time.Time `json:"startedAt"`
	LastActive time.Time `json:"lastActive"`
	Touched    []string  `json:"touched"`
}

// GetSession loads the session for a device, or ErrSessionNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, deviceID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, started_at, last_active, touched
		FROM sessions
		WHERE device_id = ?
	`, deviceID)

	var (
		sess                  Session
		startedAt, lastActive string
		touched               string
	)
	err := row.Scan(&sess.ID, &sess.DeviceID, &startedAt, &lastActive, &touched)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		sess.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, lastActive); err == nil {
		sess.LastActive = t
	}
	if touched != "" {
		if err := json.Unmarshal([]byte(touched), &sess.Touched); err != nil {
			return nil, fmt.Errorf("decode touched lists: %w", err)
		}
	}
	return &sess, nil
}

// SaveSession upserts the session row for a device. One active session
// per device: the device id is the natural key.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	touched, err := json.Marshal(sess.Touched)
	if err != nil {
		return fmt.Errorf("encode touched lists: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, device_id, started_at, last_active, touched)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_active = excluded.last_active,
			touched = excluded.touched
	`, sess.ID, sess.DeviceID,
		sess.StartedAt.UTC().Format(time.RFC3339Nano),
		sess.LastActive.UTC().Format(time.RFC3339Nano),
		string(touched))
	return wrapWriteErr("save session", err)
}

// DeleteSession removes a device's session row.
func (s *SQLiteStore) DeleteSession(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE device_id = ?`, deviceID)
	return wrapWriteErr("delete session", err)
}

// Package device keeps multiple devices belonging to the same user
// convergent: device identity and registration, first-run bootstrap,
// change propagation, and conflict detection/resolution between device
// replicas of the same shopping list.
package device

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/basketd/basketd/internal/types"
	"github.com/google/uuid"
)

const deviceIDKey = "device_id"

// IdentityStore persists the generated device id across restarts.
type IdentityStore interface {
	GetMetadataValue(ctx context.Context, key string) (string, error)
	SetMetadataValue(ctx context.Context, key, value string) error
}

// LoadOrCreateDeviceID returns the persisted device id, generating and
// storing a fresh one on first run.
func LoadOrCreateDeviceID(ctx context.Context, s IdentityStore) (string, error) {
	id, err := s.GetMetadataValue(ctx, deviceIDKey)
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.SetMetadataValue(ctx, deviceIDKey, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

// LocalDeviceInfo describes this device for registration. The name
// falls back to the hostname and the type is inferred from the platform
// when not configured.
func LocalDeviceInfo(deviceID, name string, deviceType types.DeviceType) types.DeviceInfo {
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		} else {
			name = "unknown-device"
		}
	}
	if !deviceType.Valid() {
		deviceType = defaultDeviceType()
	}
	return types.DeviceInfo{
		DeviceID:        deviceID,
		DeviceName:      name,
		DeviceType:      deviceType,
		LastSeen:        time.Now().UTC(),
		IsCurrentDevice: true,
	}
}

func defaultDeviceType() types.DeviceType {
	switch runtime.GOOS {
	case "android", "ios":
		return types.DeviceMobile
	default:
		return types.DeviceDesktop
	}
}

package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basketd/basketd/internal/server"
	"github.com/basketd/basketd/internal/store"
	"github.com/basketd/basketd/internal/types"
)

const bootstrapDoneKey = "bootstrap_complete"

// Store is the local persistence surface the manager needs.
type Store interface {
	IdentityStore
	UpsertDevice(ctx context.Context, d *types.DeviceInfo) error
	ListDevices(ctx context.Context) ([]types.DeviceInfo, error)
	GetEntryRecord(ctx context.Context, id string) (*store.EntryRecord, error)
	PutEntry(ctx context.Context, entry *types.Entry, checksum string) error
}

// Remote is the server surface used for registration, bootstrap and
// change propagation.
type Remote interface {
	Configured() bool
	RegisterDevice(ctx context.Context, info types.DeviceInfo) error
	ListDevices(ctx context.Context) ([]types.DeviceInfo, error)
	FetchRecentLists(ctx context.Context, deviceID string) ([]types.Entry, error)
	NotifyChange(ctx context.Context, n types.ChangeNotification) error
	ListenChanges(ctx context.Context, deviceID string, handler server.NotificationHandler) error
}

// Online reports the connection monitor's last observed state.
type Online interface {
	IsOnline() bool
}

// Checksummer computes the digest stored alongside an entry.
type Checksummer func(*types.Entry) (string, error)

// ConflictHandler receives device conflicts that could not be resolved
// automatically.
type ConflictHandler func(types.Conflict)

// Config holds cross-device policy.
type Config struct {
	DeviceID       string
	DeviceName     string
	DeviceType     types.DeviceType
	Strategy       types.ResolutionStrategy
	ActivityWindow time.Duration
}

// Manager keeps device replicas convergent. It registers this device,
// downloads server state on first run, pushes change notifications to
// peer devices, and resolves conflicts between concurrent device edits.
type Manager struct {
	store    Store
	remote   Remote
	online   Online
	checksum Checksummer
	cfg      Config
	log      *slog.Logger

	mu           sync.Mutex
	lastDownload *time.Time
	onConflict   ConflictHandler
	unresolved   []types.Conflict
}

// NewManager creates a cross-device consistency manager.
func NewManager(s Store, remote Remote, online Online, checksum Checksummer, cfg Config) *Manager {
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = 30 * 24 * time.Hour
	}
	return &Manager{
		store:    s,
		remote:   remote,
		online:   online,
		checksum: checksum,
		cfg:      cfg,
		log:      slog.With("component", "device"),
	}
}

// OnConflict installs the handler for conflicts requiring manual
// resolution.
func (m *Manager) OnConflict(fn ConflictHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConflict = fn
}

// Register records this device locally and announces it to the server.
// Server registration is best-effort: offline startup still succeeds.
func (m *Manager) Register(ctx context.Context) error {
	info := LocalDeviceInfo(m.cfg.DeviceID, m.cfg.DeviceName, m.cfg.DeviceType)
	if err := m.store.UpsertDevice(ctx, &info); err != nil {
		return fmt.Errorf("record local device: %w", err)
	}
	if !m.remote.Configured() || !m.online.IsOnline() {
		m.log.Info("device registration deferred", "device_id", info.DeviceID)
		return nil
	}
	if err := m.remote.RegisterDevice(ctx, info); err != nil {
		m.log.Warn("server device registration failed", "error", err)
		return nil
	}
	m.refreshKnownDevices(ctx)
	return nil
}

// Bootstrap performs the first-run download: if this device has never
// synced, it fetches the user's recent lists from the server and caches
// them locally as synced. Subsequent calls are no-ops.
func (m *Manager) Bootstrap(ctx context.Context) error {
	done, err := m.store.GetMetadataValue(ctx, bootstrapDoneKey)
	if err != nil {
		return fmt.Errorf("read bootstrap marker: %w", err)
	}
	if done == "true" {
		return nil
	}
	if !m.remote.Configured() || !m.online.IsOnline() {
		m.log.Info("bootstrap deferred until online")
		return nil
	}

	entries, err := m.remote.FetchRecentLists(ctx, m.cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("fetch recent lists: %w", err)
	}
	cached := 0
	for i := range entries {
		entry := entries[i].Clone()
		entry.Metadata.SyncStatus = types.SyncStatusSynced
		for cat := range entry.Categories {
			items := entry.Categories[cat]
			for j := range items {
				items[j].SyncStatus = types.SyncStatusSynced
			}
		}
		sum, err := m.checksum(entry)
		if err != nil {
			return fmt.Errorf("checksum bootstrap entry %s: %w", entry.Metadata.ID, err)
		}
		if err := m.store.PutEntry(ctx, entry, sum); err != nil {
			return fmt.Errorf("cache bootstrap entry %s: %w", entry.Metadata.ID, err)
		}
		cached++
	}

	if err := m.store.SetMetadataValue(ctx, bootstrapDoneKey, "true"); err != nil {
		return fmt.Errorf("persist bootstrap marker: %w", err)
	}
	now := time.Now().UTC()
	m.mu.Lock()
	m.lastDownload = &now
	m.mu.Unlock()
	m.log.Info("bootstrap download complete", "lists", cached)
	return nil
}

// PropagateChange tells peer devices that a list changed on this
// device. Offline propagation is silently skipped; the queued sync
// operation carries the change to the server regardless.
func (m *Manager) PropagateChange(ctx context.Context, entry *types.Entry) error {
	if !m.remote.Configured() || !m.online.IsOnline() {
		return nil
	}
	n := types.ChangeNotification{
		ShoppingListID: entry.Metadata.ID,
		DeviceID:       m.cfg.DeviceID,
		Version:        entry.Metadata.Version,
		Timestamp:      time.Now().UTC(),
		Entry:          entry,
	}
	if err := m.remote.NotifyChange(ctx, n); err != nil {
		return fmt.Errorf("notify change: %w", err)
	}
	return nil
}

// ListenChanges subscribes to the server's change feed and applies each
// incoming peer change. Blocks until ctx is cancelled.
func (m *Manager) ListenChanges(ctx context.Context) error {
	if !m.remote.Configured() {
		return nil
	}
	return m.remote.ListenChanges(ctx, m.cfg.DeviceID, func(n types.ChangeNotification) {
		if err := m.applyPeerChange(ctx, n); err != nil {
			m.log.Error("apply peer change failed",
				"list_id", n.ShoppingListID,
				"peer_device", n.DeviceID,
				"error", err,
			)
		}
	})
}

// applyPeerChange reconciles an incoming change from another device
// against the local replica.
func (m *Manager) applyPeerChange(ctx context.Context, n types.ChangeNotification) error {
	if n.DeviceID == m.cfg.DeviceID || n.Entry == nil {
		return nil
	}
	rec, err := m.store.GetEntryRecord(ctx, n.ShoppingListID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// Unknown locally: adopt the peer's copy outright.
	if rec == nil {
		return m.adoptEntry(ctx, n.Entry)
	}

	conflict := DetectConflict(rec.Entry, n.Entry, m.cfg.DeviceID)
	if conflict == nil {
		// Remote is strictly newer over synced local state.
		if n.Entry.Metadata.Version > rec.Entry.Metadata.Version {
			return m.adoptEntry(ctx, n.Entry)
		}
		return nil
	}

	resolution, err := m.Resolve(ctx, *conflict)
	if err != nil {
		if errors.Is(err, ErrManualResolution) {
			m.RecordConflict(*conflict)
			return nil
		}
		return err
	}
	if resolution.Winner == nil {
		return nil
	}
	winner := resolution.Winner.Clone()
	winner.Metadata.SyncStatus = types.SyncStatusSynced
	sum, err := m.checksum(winner)
	if err != nil {
		return err
	}
	if err := m.store.PutEntry(ctx, winner, sum); err != nil {
		return err
	}
	m.log.Info("peer conflict resolved",
		"list_id", n.ShoppingListID,
		"strategy", resolution.Strategy,
		"winner_device", resolution.WinnerID,
		"confidence", resolution.Confidence,
	)
	return nil
}

func (m *Manager) adoptEntry(ctx context.Context, entry *types.Entry) error {
	adopted := entry.Clone()
	adopted.Metadata.SyncStatus = types.SyncStatusSynced
	sum, err := m.checksum(adopted)
	if err != nil {
		return err
	}
	return m.store.PutEntry(ctx, adopted, sum)
}

// RecordConflict adds a conflict to the pending buffer and invokes the
// installed handler. The sync queue feeds server-rejected operations
// through here so the UI sees one conflict stream.
func (m *Manager) RecordConflict(conflict types.Conflict) {
	m.mu.Lock()
	fn := m.onConflict
	m.unresolved = append(m.unresolved, conflict)
	m.mu.Unlock()
	if fn != nil {
		fn(conflict)
	}
}

// PendingConflicts returns conflicts awaiting manual resolution, oldest
// first. The UI collaborator polls this and acknowledges each conflict
// once the user has picked a side.
func (m *Manager) PendingConflicts(ctx context.Context) []types.Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Conflict, len(m.unresolved))
	copy(out, m.unresolved)
	return out
}

// AcknowledgeConflict drops a pending conflict after the user resolved
// it through a normal update. Unknown ids report ErrConflictNotFound.
func (m *Manager) AcknowledgeConflict(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.unresolved {
		if m.unresolved[i].ID == id {
			m.unresolved = append(m.unresolved[:i], m.unresolved[i+1:]...)
			return nil
		}
	}
	return ErrConflictNotFound
}

// refreshKnownDevices mirrors the server's device list into the local
// store. Best-effort.
func (m *Manager) refreshKnownDevices(ctx context.Context) {
	devices, err := m.remote.ListDevices(ctx)
	if err != nil {
		m.log.Warn("refresh device list failed", "error", err)
		return
	}
	for i := range devices {
		d := devices[i]
		d.IsCurrentDevice = d.DeviceID == m.cfg.DeviceID
		if err := m.store.UpsertDevice(ctx, &d); err != nil {
			m.log.Warn("record peer device failed", "device_id", d.DeviceID, "error", err)
		}
	}
}

// State summarizes cross-device consistency for the UI collaborator.
// Active devices are those seen within the configured activity window.
func (m *Manager) State(ctx context.Context) (types.CrossDeviceState, error) {
	devices, err := m.store.ListDevices(ctx)
	if err != nil {
		return types.CrossDeviceState{}, fmt.Errorf("list devices: %w", err)
	}
	cutoff := time.Now().Add(-m.cfg.ActivityWindow)
	active := 0
	for i := range devices {
		if devices[i].LastSeen.After(cutoff) {
			active++
		}
	}
	m.mu.Lock()
	lastDownload := m.lastDownload
	m.mu.Unlock()
	return types.CrossDeviceState{
		DeviceID:      m.cfg.DeviceID,
		KnownDevices:  devices,
		ActiveDevices: active,
		LastDownload:  lastDownload,
	}, nil
}

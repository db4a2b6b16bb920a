// Package persist is the top of the local stack: it owns the
// read/write paths for shopping lists, running every entry through
// integrity checks, schema migration and history capture, and handing
// mutations to the sync queue.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basketd/basketd/internal/integrity"
	"github.com/basketd/basketd/internal/schema"
	"github.com/basketd/basketd/internal/store"
	"github.com/basketd/basketd/internal/syncqueue"
	"github.com/basketd/basketd/internal/types"
)

// ErrNotFound is returned when no entry exists under the requested id.
var ErrNotFound = errors.New("shopping list not found")

// ErrCorrupted is returned when an entry fails integrity checks and
// every recovery path is exhausted.
var ErrCorrupted = errors.New("shopping list corrupted and unrecoverable")

// Store is the persistence surface the manager needs.
type Store interface {
	GetEntryRecord(ctx context.Context, id string) (*store.EntryRecord, error)
	PutEntry(ctx context.Context, entry *types.Entry, checksum string) error
	DeleteEntry(ctx context.Context, id string) error
	ListEntries(ctx context.Context) ([]types.Entry, error)

	AppendHistory(ctx context.Context, h *store.HistoryRecord) (int64, error)
	ListHistory(ctx context.Context, listID string, limit int) ([]store.HistoryRecord, error)
	LatestHistorySnapshot(ctx context.Context, listID string) (*store.HistoryRecord, error)
	PruneHistory(ctx context.Context, listID string, maxEntries int, maxAge time.Duration) (int64, error)

	GetSession(ctx context.Context, deviceID string) (*store.Session, error)
	SaveSession(ctx context.Context, sess *store.Session) error
	DeleteSession(ctx context.Context, deviceID string) error
}

// Queue accepts mutations for eventual delivery to the server.
type Queue interface {
	NewOperation(opType types.OperationType, listID, itemID string, payload any) (*types.SyncOperation, error)
	Enqueue(ctx context.Context, op *types.SyncOperation) error
	TriggerSync(ctx context.Context)
}

// Backups snapshots entries and restores them after corruption.
type Backups interface {
	CreateBackup(ctx context.Context, entry *types.Entry, source types.BackupSource, reason string) (*types.Backup, error)
	RecoverFromBackup(ctx context.Context, id string, opts integrity.RecoverOptions) (*types.Entry, error)
}

// Propagator announces local changes to peer devices.
type Propagator interface {
	PropagateChange(ctx context.Context, entry *types.Entry) error
}

// Config holds persistence policy.
type Config struct {
	DeviceID           string
	SessionTTL         time.Duration
	HistoryMaxEntries  int
	HistoryMaxAge      time.Duration
	AutoBackupInterval time.Duration
}

// Manager owns the local read/write paths for shopping lists.
type Manager struct {
	store    Store
	queue    Queue
	backups  Backups
	peers    Propagator
	registry *schema.Registry
	cfg      Config
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a persistence manager. peers may be nil when
// cross-device propagation is disabled.
func NewManager(s Store, queue Queue, backups Backups, peers Propagator, cfg Config) *Manager {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.HistoryMaxEntries <= 0 {
		cfg.HistoryMaxEntries = 50
	}
	if cfg.HistoryMaxAge <= 0 {
		cfg.HistoryMaxAge = 30 * 24 * time.Hour
	}
	return &Manager{
		store:    s,
		queue:    queue,
		backups:  backups,
		peers:    peers,
		registry: schema.DefaultRegistry(),
		cfg:      cfg,
		log:      slog.With("component", "persist"),
	}
}

// StoreShoppingList persists a new entry, marks it pending, and queues
// its creation for the server.
func (m *Manager) StoreShoppingList(ctx context.Context, entry *types.Entry) (*types.Entry, error) {
	prepared, err := m.prepareWrite(entry, true)
	if err != nil {
		return nil, err
	}
	if err := m.writeEntry(ctx, prepared); err != nil {
		return nil, err
	}
	m.recordHistory(ctx, prepared.Metadata.ID, "create", prepared)

	op, err := m.queue.NewOperation(types.OpCreate, prepared.Metadata.ID, "", prepared)
	if err != nil {
		return nil, fmt.Errorf("build create operation: %w", err)
	}
	if err := m.queue.Enqueue(ctx, op); err != nil {
		return nil, fmt.Errorf("enqueue create: %w", err)
	}
	m.queue.TriggerSync(ctx)
	m.afterMutation(ctx, prepared)
	return prepared, nil
}

// UpdateShoppingList persists a modified entry and queues the update.
// The stored version is bumped so peers can order the change.
func (m *Manager) UpdateShoppingList(ctx context.Context, entry *types.Entry) (*types.Entry, error) {
	current, err := m.store.GetEntryRecord(ctx, entry.Metadata.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load current entry: %w", err)
	}

	prepared, err := m.prepareWrite(entry, false)
	if err != nil {
		return nil, err
	}
	prepared.Metadata.Version = current.Entry.Metadata.Version + 1

	if err := m.writeEntry(ctx, prepared); err != nil {
		return nil, err
	}
	m.recordHistory(ctx, prepared.Metadata.ID, "update", prepared)

	op, err := m.queue.NewOperation(types.OpUpdate, prepared.Metadata.ID, "", prepared)
	if err != nil {
		return nil, fmt.Errorf("build update operation: %w", err)
	}
	if err := m.queue.Enqueue(ctx, op); err != nil {
		return nil, fmt.Errorf("enqueue update: %w", err)
	}
	m.queue.TriggerSync(ctx)
	m.afterMutation(ctx, prepared)
	return prepared, nil
}

// SetItemChecked toggles one item's checked state and queues the
// item-level operation so concurrent edits to other items survive.
func (m *Manager) SetItemChecked(ctx context.Context, listID, itemID string, checked bool) (*types.Entry, error) {
	rec, err := m.store.GetEntryRecord(ctx, listID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load entry: %w", err)
	}

	entry := rec.Entry.Clone()
	item := entry.FindItem(itemID)
	if item == nil {
		return nil, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	now := time.Now().UTC()
	item.Checked = checked
	item.LastModified = now
	item.SyncStatus = types.SyncStatusPending
	entry.Metadata.LastModified = now
	entry.Metadata.SyncStatus = types.SyncStatusPending
	entry.Metadata.Version++
	entry.Metadata.DeviceID = m.cfg.DeviceID

	if err := m.writeEntry(ctx, entry); err != nil {
		return nil, err
	}
	m.recordHistory(ctx, listID, "item_check", entry)

	opType := types.OpItemUncheck
	if checked {
		opType = types.OpItemCheck
	}
	payload := syncqueue.ItemCheckPayload{
		Checked:      checked,
		LastModified: now,
		Version:      entry.Metadata.Version,
	}
	op, err := m.queue.NewOperation(opType, listID, itemID, payload)
	if err != nil {
		return nil, fmt.Errorf("build item operation: %w", err)
	}
	if err := m.queue.Enqueue(ctx, op); err != nil {
		return nil, fmt.Errorf("enqueue item operation: %w", err)
	}
	m.queue.TriggerSync(ctx)
	m.afterMutation(ctx, entry)
	return entry, nil
}

// DeleteShoppingList removes the entry locally after snapshotting it,
// and queues the deletion. Queued operations for the list are
// superseded by the queue itself.
func (m *Manager) DeleteShoppingList(ctx context.Context, id string) error {
	rec, err := m.store.GetEntryRecord(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load entry: %w", err)
	}

	if _, err := m.backups.CreateBackup(ctx, rec.Entry, types.BackupAuto, "pre-delete"); err != nil {
		m.log.Warn("pre-delete backup failed", "list_id", id, "error", err)
	}
	m.recordHistory(ctx, id, "delete", rec.Entry)

	if err := m.store.DeleteEntry(ctx, id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}

	op, err := m.queue.NewOperation(types.OpDelete, id, "", struct {
		Version int64 `json:"version"`
	}{rec.Entry.Metadata.Version})
	if err != nil {
		return fmt.Errorf("build delete operation: %w", err)
	}
	if err := m.queue.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("enqueue delete: %w", err)
	}
	m.queue.TriggerSync(ctx)
	return nil
}

// GetShoppingList reads an entry, verifying integrity and migrating
// older schema versions in place. Corrupted entries go through the
// recovery chain before an error is surfaced.
func (m *Manager) GetShoppingList(ctx context.Context, id string) (*types.Entry, error) {
	rec, err := m.store.GetEntryRecord(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load entry: %w", err)
	}

	result := integrity.CheckRaw(rec.Raw, rec.Checksum)
	if !result.IsValid {
		m.log.Warn("integrity check failed",
			"list_id", id,
			"errors", len(result.Errors),
			"corruption_level", result.CorruptionLevel,
		)
		recovered, err := m.recoverEntry(ctx, id, rec, result)
		if err != nil {
			return nil, err
		}
		return recovered, nil
	}

	entry, err := m.migrateIfNeeded(ctx, rec.Entry)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListShoppingLists returns every stored entry without per-entry
// integrity verification; callers needing guarantees read individually.
func (m *Manager) ListShoppingLists(ctx context.Context) ([]types.Entry, error) {
	return m.store.ListEntries(ctx)
}

// prepareWrite stamps sync metadata onto an entry headed for storage,
// then sanitizes and validates the prepared form. Stamping runs first:
// the daemon owns deviceId, lastModified and schemaVersion, so a client
// draft without them is still a valid write. create controls whether a
// fresh version is assigned.
func (m *Manager) prepareWrite(entry *types.Entry, create bool) (*types.Entry, error) {
	prepared := entry.Clone()
	now := time.Now().UTC()
	prepared.Metadata.LastModified = now
	prepared.Metadata.SyncStatus = types.SyncStatusPending
	prepared.Metadata.DeviceID = m.cfg.DeviceID
	prepared.Metadata.SchemaVersion = types.CurrentSchemaVersion
	if create {
		prepared.Metadata.Version = 1
		if prepared.Metadata.GeneratedAt.IsZero() {
			prepared.Metadata.GeneratedAt = now
		}
	}
	for cat := range prepared.Categories {
		items := prepared.Categories[cat]
		for i := range items {
			if items[i].LastModified.IsZero() {
				items[i].LastModified = now
			}
			if !items[i].SyncStatus.Valid() {
				items[i].SyncStatus = types.SyncStatusPending
			}
		}
	}

	doc, err := schema.DocFromEntry(prepared)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	schema.Sanitize(doc)
	vr := schema.Validate(doc)
	if !vr.IsValid {
		return nil, fmt.Errorf("validate entry %s: %v", entry.Metadata.ID, vr.Errors)
	}
	sanitized, err := schema.EntryFromDoc(doc)
	if err != nil {
		return nil, fmt.Errorf("decode sanitized entry: %w", err)
	}
	return sanitized, nil
}

func (m *Manager) writeEntry(ctx context.Context, entry *types.Entry) error {
	sum, err := integrity.Checksum(entry)
	if err != nil {
		return fmt.Errorf("checksum entry: %w", err)
	}
	if err := m.store.PutEntry(ctx, entry, sum); err != nil {
		return fmt.Errorf("store entry: %w", err)
	}
	return nil
}

// afterMutation handles the best-effort tail of every write: session
// touch tracking and peer propagation.
func (m *Manager) afterMutation(ctx context.Context, entry *types.Entry) {
	m.touchSession(ctx, entry.Metadata.ID)
	if m.peers != nil {
		if err := m.peers.PropagateChange(ctx, entry); err != nil {
			m.log.Debug("peer propagation skipped", "list_id", entry.Metadata.ID, "error", err)
		}
	}
}

// migrateIfNeeded brings an older-schema entry up to the current
// version and persists the migrated form.
func (m *Manager) migrateIfNeeded(ctx context.Context, entry *types.Entry) (*types.Entry, error) {
	if entry.Metadata.SchemaVersion >= types.CurrentSchemaVersion {
		return entry, nil
	}
	doc, err := schema.DocFromEntry(entry)
	if err != nil {
		return nil, fmt.Errorf("encode entry for migration: %w", err)
	}

	if _, err := m.backups.CreateBackup(ctx, entry, types.BackupAuto, "pre-migration"); err != nil {
		m.log.Warn("pre-migration backup failed", "list_id", entry.Metadata.ID, "error", err)
	}

	result, err := m.registry.Migrate(doc, types.CurrentSchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("migrate entry %s: %w", entry.Metadata.ID, err)
	}
	if err := m.writeEntry(ctx, result.Entry); err != nil {
		return nil, err
	}
	m.log.Info("entry migrated",
		"list_id", entry.Metadata.ID,
		"from", result.FromVersion,
		"to", result.ToVersion,
	)
	return result.Entry, nil
}

func (m *Manager) recordHistory(ctx context.Context, listID, operation string, snapshot *types.Entry) {
	h := &store.HistoryRecord{
		ListID:    listID,
		Operation: operation,
		DeviceID:  m.cfg.DeviceID,
		CreatedAt: time.Now().UTC(),
	}
	if snapshot != nil {
		h.Snapshot = snapshot.Clone()
	}
	if _, err := m.store.AppendHistory(ctx, h); err != nil {
		m.log.Warn("history append failed", "list_id", listID, "error", err)
		return
	}
	if _, err := m.store.PruneHistory(ctx, listID, m.cfg.HistoryMaxEntries, m.cfg.HistoryMaxAge); err != nil {
		m.log.Warn("history prune failed", "list_id", listID, "error", err)
	}
}

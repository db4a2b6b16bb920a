// Package syncqueue manages the durable queue of pending mutations:
// deduplicated enqueue, single-flight batched processing, retry with
// exponential backoff, and per-operation conflict resolution.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basketd/basketd/internal/server"
	"github.com/basketd/basketd/internal/store"
	"github.com/basketd/basketd/internal/types"
	"github.com/basketd/basketd/internal/validation"
	"github.com/oklog/ulid/v2"
)

// ErrInvalidOperation is returned when an enqueued operation fails
// field validation.
var ErrInvalidOperation = errors.New("invalid sync operation")

// Store is the durable-queue and entry surface the manager needs.
type Store interface {
	EnqueueOperation(ctx context.Context, op *types.SyncOperation) error
	RemoveOperation(ctx context.Context, id string) error
	GetOperation(ctx context.Context, id string) (*types.SyncOperation, error)
	FindOperation(ctx context.Context, opType types.OperationType, listID, itemID string) (*types.SyncOperation, error)
	ListPendingOperations(ctx context.Context) ([]types.SyncOperation, error)
	CountPendingOperations(ctx context.Context) (int, error)
	CountFailedOperations(ctx context.Context) (int, error)
	RemoveOperationsForList(ctx context.Context, listID string) ([]string, error)

	GetEntryRecord(ctx context.Context, id string) (*store.EntryRecord, error)
	PutEntry(ctx context.Context, entry *types.Entry, checksum string) error
	DeleteEntry(ctx context.Context, id string) error
}

// Remote is the server surface the manager pushes operations through.
type Remote interface {
	CreateList(ctx context.Context, entry *types.Entry) (*types.Entry, error)
	UpdateList(ctx context.Context, entry *types.Entry) (*types.Entry, error)
	DeleteList(ctx context.Context, id string, version int64) error
	PatchItemCheck(ctx context.Context, listID, itemID string, checked bool, lastModified time.Time, version int64, deviceID string) (*types.Entry, error)
}

// Online reports the connection monitor's last observed state.
type Online interface {
	IsOnline() bool
}

// Backups archives an entry before a resolution overwrites it.
type Backups interface {
	CreateBackup(ctx context.Context, entry *types.Entry, source types.BackupSource, reason string) (*types.Backup, error)
}

// Checksummer computes the digest stored alongside an entry.
type Checksummer func(*types.Entry) (string, error)

// Config holds queue-processing policy.
type Config struct {
	BatchSize  int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	Strategy   types.ResolutionStrategy
	DeviceID   string
}

// ProcessResult summarizes one queue-processing pass.
type ProcessResult struct {
	Processed int
	Succeeded int
	Failed    int
	Conflicts int
}

// StatusListener receives sync-state snapshots.
type StatusListener func(types.SyncState)

// ConflictListener receives conflicts requiring manual resolution.
type ConflictListener func(types.Conflict)

// Manager drains the sync queue against the server. Processing is
// single-flight: a second caller while a pass is in flight receives the
// in-flight pass's result instead of starting another.
type Manager struct {
	store    Store
	remote   Remote
	online   Online
	backups  Backups
	checksum Checksummer
	cfg      Config

	mu           sync.Mutex
	closed       bool
	processing   bool
	waiters      []chan ProcessResult
	timers       map[string]*time.Timer
	statusSubs   map[int]StatusListener
	conflictSubs map[int]ConflictListener
	nextSubID    int
	lastSync     *time.Time
	lastError    string
}

// NewManager creates a sync queue manager.
func NewManager(s Store, remote Remote, online Online, backups Backups, checksum Checksummer, cfg Config) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Manager{
		store:        s,
		remote:       remote,
		online:       online,
		backups:      backups,
		checksum:     checksum,
		cfg:          cfg,
		timers:       make(map[string]*time.Timer),
		statusSubs:   make(map[int]StatusListener),
		conflictSubs: make(map[int]ConflictListener),
	}
}

// NewOperation builds a queueable operation with a fresh id and the
// configured retry budget.
func (m *Manager) NewOperation(opType types.OperationType, listID, itemID string, payload any) (*types.SyncOperation, error) {
	op := &types.SyncOperation{
		ID:             ulid.Make().String(),
		Type:           opType,
		ShoppingListID: listID,
		ItemID:         itemID,
		Timestamp:      time.Now().UTC(),
		MaxRetries:     m.cfg.MaxRetries,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode operation payload: %w", err)
		}
		op.Payload = data
	}
	return op, nil
}

// validateOperation enforces the queue's field contract.
func validateOperation(op *types.SyncOperation) error {
	c := &validation.Collector{}
	c.Add(validation.ValidateULID("id", op.ID))
	c.Add(validation.ValidateRequired("shoppingListId", op.ShoppingListID))
	if !op.Type.Valid() {
		c.Addf("type", "unknown operation type %q", op.Type)
	}
	if op.Type.ItemLevel() {
		c.Add(validation.ValidateRequired("itemId", op.ItemID))
	}
	c.Add(validation.ValidateNotZeroTime("timestamp", op.Timestamp))
	c.Add(validation.ValidateMin("retryCount", op.RetryCount, 0))
	c.Add(validation.ValidateMin("maxRetries", op.MaxRetries, 1))
	if c.HasErrors() {
		return fmt.Errorf("%w: %v", ErrInvalidOperation, c.Errors())
	}
	return nil
}

// Enqueue validates an operation and adds it to the durable queue.
// An operation with the same (type, shoppingListId, itemId) already
// queued is merged: the existing operation takes the newer payload and
// timestamp and its retry budget starts over. A delete supersedes every
// other queued operation for the list.
func (m *Manager) Enqueue(ctx context.Context, op *types.SyncOperation) error {
	if err := validateOperation(op); err != nil {
		return err
	}

	if op.Type == types.OpDelete {
		superseded, err := m.store.RemoveOperationsForList(ctx, op.ShoppingListID)
		if err != nil {
			return fmt.Errorf("supersede queued operations: %w", err)
		}
		for _, id := range superseded {
			m.cancelRetry(id)
		}
	} else {
		existing, err := m.store.FindOperation(ctx, op.Type, op.ShoppingListID, op.ItemID)
		if err != nil && !errors.Is(err, store.ErrOperationNotFound) {
			return fmt.Errorf("dedup lookup: %w", err)
		}
		if existing != nil {
			// Merge into the queued operation instead of duplicating it.
			m.cancelRetry(existing.ID)
			existing.Payload = op.Payload
			existing.Timestamp = op.Timestamp
			existing.RetryCount = 0
			existing.MaxRetries = op.MaxRetries
			existing.LastError = ""
			if err := m.store.EnqueueOperation(ctx, existing); err != nil {
				return err
			}
			m.notifyStatus(ctx)
			return nil
		}
	}

	if err := m.store.EnqueueOperation(ctx, op); err != nil {
		return err
	}
	m.notifyStatus(ctx)
	return nil
}

// TriggerSync starts an asynchronous queue-processing pass. Implements
// the connection monitor's sync trigger.
func (m *Manager) TriggerSync(ctx context.Context) {
	go func() {
		if _, err := m.ProcessQueue(ctx); err != nil {
			slog.Error("triggered sync failed",
				"error", err,
				"component", "syncqueue",
			)
		}
	}()
}

// ProcessQueue drains pending operations in priority order. It is a
// no-op while offline. Concurrent callers share one pass: the second
// caller blocks and receives the in-flight result.
func (m *Manager) ProcessQueue(ctx context.Context) (ProcessResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ProcessResult{}, nil
	}
	if m.processing {
		ch := make(chan ProcessResult, 1)
		m.waiters = append(m.waiters, ch)
		m.mu.Unlock()
		select {
		case res := <-ch:
			return res, nil
		case <-ctx.Done():
			return ProcessResult{}, ctx.Err()
		}
	}
	if !m.online.IsOnline() {
		m.mu.Unlock()
		return ProcessResult{}, nil
	}
	m.processing = true
	m.mu.Unlock()

	result := m.runPass(ctx)

	m.mu.Lock()
	m.processing = false
	now := time.Now().UTC()
	m.lastSync = &now
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- result
	}
	m.notifyStatus(ctx)
	return result, nil
}

func (m *Manager) runPass(ctx context.Context) ProcessResult {
	var result ProcessResult

	ops, err := m.store.ListPendingOperations(ctx)
	if err != nil {
		m.setLastError(fmt.Sprintf("list pending operations: %v", err))
		return result
	}

	// Operations already waiting on a backoff timer keep their schedule.
	ops = m.withoutScheduled(ops)
	if len(ops) == 0 {
		return result
	}

	slog.Info("processing sync queue",
		"pending", len(ops),
		"batch_size", m.cfg.BatchSize,
		"component", "syncqueue",
	)

	for start := 0; start < len(ops); start += m.cfg.BatchSize {
		end := start + m.cfg.BatchSize
		if end > len(ops) {
			end = len(ops)
		}
		// Batches run sequentially; operations within a batch are
		// attempted independently so one failure never blocks siblings.
		for i := start; i < end; i++ {
			op := ops[i]
			result.Processed++
			switch outcome := m.processOperation(ctx, &op); outcome {
			case outcomeCommitted:
				result.Succeeded++
			case outcomeConflict:
				result.Conflicts++
			case outcomeFailed:
				result.Failed++
			}
		}
	}

	slog.Info("sync queue pass finished",
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"conflicts", result.Conflicts,
		"component", "syncqueue",
	)
	return result
}

func (m *Manager) withoutScheduled(ops []types.SyncOperation) []types.SyncOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return ops
	}
	kept := ops[:0]
	for _, op := range ops {
		if _, scheduled := m.timers[op.ID]; !scheduled {
			kept = append(kept, op)
		}
	}
	return kept
}

type outcome int

const (
	outcomeCommitted outcome = iota
	outcomeConflict
	outcomeFailed
)

// processOperation sends one operation to the server and settles it:
// removed on success, resolved on conflict, or rescheduled with backoff
// on transient failure.
func (m *Manager) processOperation(ctx context.Context, op *types.SyncOperation) outcome {
	serverEntry, err := m.sendOperation(ctx, op)
	if err == nil {
		if err := m.commitOperation(ctx, op, serverEntry); err != nil {
			slog.Error("commit after sync failed",
				"operation_id", op.ID,
				"error", err,
				"component", "syncqueue",
			)
		}
		return outcomeCommitted
	}

	var conflict *server.ConflictError
	if errors.As(err, &conflict) {
		return m.resolveConflict(ctx, op, conflict.Server)
	}

	m.scheduleRetry(ctx, op, err)
	return outcomeFailed
}

func (m *Manager) sendOperation(ctx context.Context, op *types.SyncOperation) (*types.Entry, error) {
	switch op.Type {
	case types.OpCreate:
		entry, err := m.localEntry(ctx, op.ShoppingListID)
		if err != nil {
			return nil, err
		}
		return m.remote.CreateList(ctx, entry)

	case types.OpUpdate:
		entry, err := m.localEntry(ctx, op.ShoppingListID)
		if err != nil {
			return nil, err
		}
		return m.remote.UpdateList(ctx, entry)

	case types.OpDelete:
		var payload deletePayload
		if len(op.Payload) > 0 {
			if err := json.Unmarshal(op.Payload, &payload); err != nil {
				return nil, fmt.Errorf("decode delete payload: %w", err)
			}
		}
		return nil, m.remote.DeleteList(ctx, op.ShoppingListID, payload.Version)

	case types.OpItemCheck, types.OpItemUncheck:
		var payload ItemCheckPayload
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode item payload: %w", err)
		}
		return m.remote.PatchItemCheck(ctx, op.ShoppingListID, op.ItemID,
			payload.Checked, payload.LastModified, payload.Version, m.cfg.DeviceID)

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
}

// localEntry reads the current local state for an operation. The queue
// never caches entry state: each attempt re-reads so a fresher local
// edit is what gets pushed.
func (m *Manager) localEntry(ctx context.Context, listID string) (*types.Entry, error) {
	rec, err := m.store.GetEntryRecord(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("load entry %s: %w", listID, err)
	}
	return rec.Entry, nil
}

// commitOperation settles a server-confirmed operation: the operation
// leaves the queue and the accepted server state is written back,
// unless a newer local edit landed while the request was in flight.
func (m *Manager) commitOperation(ctx context.Context, op *types.SyncOperation, serverEntry *types.Entry) error {
	m.cancelRetry(op.ID)
	if err := m.store.RemoveOperation(ctx, op.ID); err != nil {
		return err
	}

	if op.Type == types.OpDelete {
		return nil
	}

	rec, err := m.store.GetEntryRecord(ctx, op.ShoppingListID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	accepted := rec.Entry
	if serverEntry != nil {
		// Staleness check before write-back: the response was computed
		// from state that may predate a local edit.
		if serverEntry.Metadata.Version < rec.Entry.Metadata.Version {
			return nil
		}
		accepted = serverEntry
	}

	accepted.Metadata.SyncStatus = types.SyncStatusSynced
	markItemsSynced(accepted)

	sum, err := m.checksum(accepted)
	if err != nil {
		return fmt.Errorf("checksum accepted entry: %w", err)
	}
	return m.store.PutEntry(ctx, accepted, sum)
}

func markItemsSynced(entry *types.Entry) {
	for cat := range entry.Categories {
		items := entry.Categories[cat]
		for i := range items {
			items[i].SyncStatus = types.SyncStatusSynced
		}
	}
}

// Close cancels all scheduled retries and stops accepting work.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) setLastError(msg string) {
	m.mu.Lock()
	m.lastError = msg
	m.mu.Unlock()
	slog.Error(msg, "component", "syncqueue")
}

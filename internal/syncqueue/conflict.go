package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basketd/basketd/internal/store"
	"github.com/basketd/basketd/internal/types"
	"github.com/oklog/ulid/v2"
)

// ItemCheckPayload is the queued payload for item-level operations.
type ItemCheckPayload struct {
	Checked      bool      `json:"checked"`
	LastModified time.Time `json:"lastModified"`
	Version      int64     `json:"version"`
}

type deletePayload struct {
	Version int64 `json:"version"`
}

// resolveConflict settles a server-reported conflict per the configured
// strategy. Automatic resolutions are applied locally and remove the
// operation from the queue; manual ones leave the operation queued and
// raise a conflict event.
func (m *Manager) resolveConflict(ctx context.Context, op *types.SyncOperation, serverEntry *types.Entry) outcome {
	slog.Warn("server reported conflict",
		"operation_id", op.ID,
		"list_id", op.ShoppingListID,
		"strategy", string(m.cfg.Strategy),
		"component", "syncqueue",
	)

	local, err := m.localEntry(ctx, op.ShoppingListID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.scheduleRetry(ctx, op, err)
		return outcomeFailed
	}

	switch m.cfg.Strategy {
	case types.StrategyServerWins, types.StrategyTimestamp:
		if err := m.applyServerState(ctx, op, serverEntry); err != nil {
			m.scheduleRetry(ctx, op, err)
			return outcomeFailed
		}
		return outcomeConflict

	case types.StrategyMerge:
		if local == nil || serverEntry == nil {
			// Nothing to merge with; fall back to the server's state.
			if err := m.applyServerState(ctx, op, serverEntry); err != nil {
				m.scheduleRetry(ctx, op, err)
				return outcomeFailed
			}
			return outcomeConflict
		}
		merged := MergeEntries(local, serverEntry)
		if err := m.pushResolution(ctx, op, merged); err != nil {
			m.scheduleRetry(ctx, op, err)
			return outcomeFailed
		}
		return outcomeConflict

	case types.StrategyManual:
		m.raiseManualConflict(ctx, op, local, serverEntry)
		return outcomeConflict

	default: // local-wins, device-priority
		if local == nil {
			// Local copy is gone; the server's state is all that's left.
			if err := m.applyServerState(ctx, op, serverEntry); err != nil {
				m.scheduleRetry(ctx, op, err)
				return outcomeFailed
			}
			return outcomeConflict
		}
		winner := local.Clone()
		if serverEntry != nil {
			winner.Metadata.Version = serverEntry.Metadata.Version
		}
		if err := m.pushResolution(ctx, op, winner); err != nil {
			m.scheduleRetry(ctx, op, err)
			return outcomeFailed
		}
		return outcomeConflict
	}
}

// applyServerState accepts the server's entry as the local truth.
func (m *Manager) applyServerState(ctx context.Context, op *types.SyncOperation, serverEntry *types.Entry) error {
	m.cancelRetry(op.ID)
	if err := m.store.RemoveOperation(ctx, op.ID); err != nil {
		return err
	}

	if serverEntry == nil {
		// Conflict on a list the server no longer has: drop it locally.
		if err := m.store.DeleteEntry(ctx, op.ShoppingListID); err != nil {
			return err
		}
		return nil
	}

	if m.backups != nil {
		if local, err := m.localEntry(ctx, op.ShoppingListID); err == nil {
			if _, err := m.backups.CreateBackup(ctx, local, types.BackupAuto, "pre-resolution"); err != nil {
				slog.Warn("pre-resolution backup failed",
					"list_id", op.ShoppingListID,
					"error", err,
					"component", "syncqueue",
				)
			}
		}
	}

	accepted := serverEntry.Clone()
	accepted.Metadata.SyncStatus = types.SyncStatusSynced
	markItemsSynced(accepted)

	sum, err := m.checksum(accepted)
	if err != nil {
		return fmt.Errorf("checksum server entry: %w", err)
	}
	return m.store.PutEntry(ctx, accepted, sum)
}

// pushResolution uploads a resolved entry and stores the accepted
// state. A second conflict on the resolution push is treated as a
// transient failure and retried.
func (m *Manager) pushResolution(ctx context.Context, op *types.SyncOperation, winner *types.Entry) error {
	winner.Metadata.Version++
	winner.Metadata.LastModified = time.Now().UTC()

	accepted, err := m.remote.UpdateList(ctx, winner)
	if err != nil {
		return fmt.Errorf("push resolution: %w", err)
	}
	if accepted == nil {
		accepted = winner
	}

	m.cancelRetry(op.ID)
	if err := m.store.RemoveOperation(ctx, op.ID); err != nil {
		return err
	}

	final := accepted.Clone()
	final.Metadata.SyncStatus = types.SyncStatusSynced
	markItemsSynced(final)

	sum, err := m.checksum(final)
	if err != nil {
		return fmt.Errorf("checksum resolved entry: %w", err)
	}
	return m.store.PutEntry(ctx, final, sum)
}

// raiseManualConflict marks the entry conflicted, leaves the operation
// queued, and surfaces a conflict event for external resolution.
func (m *Manager) raiseManualConflict(ctx context.Context, op *types.SyncOperation, local, serverEntry *types.Entry) {
	if local != nil {
		local.Metadata.SyncStatus = types.SyncStatusConflict
		if sum, err := m.checksum(local); err == nil {
			if err := m.store.PutEntry(ctx, local, sum); err != nil {
				slog.Error("mark entry conflicted failed",
					"list_id", op.ShoppingListID,
					"error", err,
					"component", "syncqueue",
				)
			}
		}
	}

	conflict := types.Conflict{
		ID:             ulid.Make().String(),
		ShoppingListID: op.ShoppingListID,
		Type:           types.ConflictContent,
		Severity:       types.SeverityMedium,
		AutoResolvable: false,
		Local:          local,
		Remote:         serverEntry,
		DetectedAt:     time.Now().UTC(),
		Context:        "server rejected " + string(op.Type),
	}
	m.notifyConflict(conflict)
}

// MergeEntries merges a local and a server entry. Structure (which
// categories and items exist) comes from the server snapshot so deleted
// items never resurrect; per item, the side with the more recent
// lastModified wins the checked field.
func MergeEntries(local, serverEntry *types.Entry) *types.Entry {
	merged := serverEntry.Clone()
	for cat := range merged.Categories {
		items := merged.Categories[cat]
		for i := range items {
			localItem := local.FindItem(items[i].ID)
			if localItem == nil {
				continue
			}
			if localItem.LastModified.After(items[i].LastModified) {
				items[i].Checked = localItem.Checked
				items[i].LastModified = localItem.LastModified
			}
		}
	}
	if local.Metadata.LastModified.After(merged.Metadata.LastModified) {
		merged.Metadata.LastModified = local.Metadata.LastModified
	}
	return merged
}

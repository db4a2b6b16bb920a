package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basketd/basketd/internal/integrity"
	"github.com/basketd/basketd/internal/store"
	"github.com/basketd/basketd/internal/types"
)

// recoverEntry runs the recovery chain for a corrupted entry: in-place
// repair when the damage allows it, then the newest valid backup, then
// the latest history snapshot. Each recovered form is persisted before
// being returned.
func (m *Manager) recoverEntry(ctx context.Context, id string, rec *store.EntryRecord, result *integrity.CheckResult) (*types.Entry, error) {
	if result.CanRecover {
		if repaired, err := m.repairInPlace(ctx, rec); err == nil {
			m.log.Info("entry repaired in place", "list_id", id)
			return repaired, nil
		} else {
			m.log.Warn("in-place repair failed", "list_id", id, "error", err)
		}
	}

	restored, err := m.backups.RecoverFromBackup(ctx, id, integrity.DefaultRecoverOptions())
	if err == nil {
		if err := m.writeEntry(ctx, restored); err != nil {
			return nil, err
		}
		m.recordHistory(ctx, id, "restore", restored)
		m.log.Info("entry restored from backup", "list_id", id, "version", restored.Metadata.Version)
		return restored, nil
	}
	if !errors.Is(err, integrity.ErrNoValidBackup) && !errors.Is(err, store.ErrBackupNotFound) {
		return nil, fmt.Errorf("recover from backup: %w", err)
	}

	snapshot, err := m.store.LatestHistorySnapshot(ctx, id)
	if err == nil && snapshot.Snapshot != nil {
		restored := snapshot.Snapshot.Clone()
		restored.Metadata.Version++
		restored.Metadata.SyncStatus = types.SyncStatusPending
		restored.Metadata.LastModified = time.Now().UTC()
		if err := m.writeEntry(ctx, restored); err != nil {
			return nil, err
		}
		m.recordHistory(ctx, id, "restore", restored)
		m.log.Info("entry restored from history", "list_id", id, "seq", snapshot.Seq)
		return restored, nil
	}

	return nil, fmt.Errorf("list %s: %w", id, ErrCorrupted)
}

// repairInPlace attempts a field-level repair of the raw stored
// document and persists the result on success.
func (m *Manager) repairInPlace(ctx context.Context, rec *store.EntryRecord) (*types.Entry, error) {
	var doc map[string]any
	if err := json.Unmarshal(rec.Raw, &doc); err != nil {
		return nil, fmt.Errorf("decode stored payload: %w", err)
	}
	result := integrity.CheckDoc(doc, "")
	repaired, err := integrity.RepairEntry(doc, result)
	if err != nil {
		return nil, err
	}
	if err := m.writeEntry(ctx, repaired); err != nil {
		return nil, err
	}
	m.recordHistory(ctx, repaired.Metadata.ID, "repair", repaired)
	return repaired, nil
}

// StartAutoBackup launches the periodic backup worker. Stopped by
// StopAutoBackup or when ctx is cancelled.
func (m *Manager) StartAutoBackup(ctx context.Context) {
	if m.cfg.AutoBackupInterval <= 0 {
		return
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.runAutoBackup(ctx, done)
}

// StopAutoBackup stops the periodic backup worker and waits for it.
func (m *Manager) StopAutoBackup() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) runAutoBackup(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.AutoBackupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.backupAll(ctx)
		}
	}
}

// backupAll snapshots the lists touched during the active session that
// still carry unsynced state. Synced state is recoverable from the
// server, and untouched lists already have a backup from the session
// that last modified them.
func (m *Manager) backupAll(ctx context.Context) {
	sess, err := m.store.GetSession(ctx, m.cfg.DeviceID)
	if err != nil {
		if !errors.Is(err, store.ErrSessionNotFound) {
			m.log.Error("auto-backup session load failed", "error", err)
		}
		return
	}
	created := 0
	for _, id := range sess.Touched {
		rec, err := m.store.GetEntryRecord(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				m.log.Warn("auto-backup load failed", "list_id", id, "error", err)
			}
			continue
		}
		if rec.Entry.Metadata.SyncStatus == types.SyncStatusSynced {
			continue
		}
		if _, err := m.backups.CreateBackup(ctx, rec.Entry, types.BackupAuto, "scheduled"); err != nil {
			m.log.Warn("auto-backup failed", "list_id", id, "error", err)
			continue
		}
		created++
	}
	if created > 0 {
		m.log.Debug("auto-backup pass complete", "backups", created)
	}
}

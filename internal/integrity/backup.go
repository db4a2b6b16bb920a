package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basketd/basketd/internal/store"
	"github.com/basketd/basketd/internal/types"
	"github.com/oklog/ulid/v2"
)

// ErrNoValidBackup is returned when no stored backup passes validation.
var ErrNoValidBackup = errors.New("no valid backup available")

// RecoverOptions controls backup recovery.
type RecoverOptions struct {
	// PreferLatest iterates candidates newest-first when true.
	PreferLatest bool
	// ValidateBeforeRestore re-checks each candidate's integrity and
	// checksum before accepting it.
	ValidateBeforeRestore bool
	// AllowPartialRecovery lets a failing candidate be repaired instead
	// of skipped.
	AllowPartialRecovery bool
	// MaxRecoveryAttempts bounds how many candidates are tried.
	MaxRecoveryAttempts int
}

// DefaultRecoverOptions returns the options used by the automatic
// recovery path.
func DefaultRecoverOptions() RecoverOptions {
	return RecoverOptions{
		PreferLatest:          true,
		ValidateBeforeRestore: true,
		AllowPartialRecovery:  false,
		MaxRecoveryAttempts:   3,
	}
}

// Manager owns backup creation, retention, and recovery for
// shopping-list entries.
type Manager struct {
	store      *store.SQLiteStore
	uploader   Uploader
	maxPerList int
}

// NewManager creates a backup manager. uploader may be a NoopUploader
// when off-device mirroring is not configured.
func NewManager(s *store.SQLiteStore, uploader Uploader, maxPerList int) *Manager {
	if uploader == nil {
		uploader = NoopUploader{}
	}
	return &Manager{store: s, uploader: uploader, maxPerList: maxPerList}
}

// CreateBackup deep-clones the entry, computes its checksum, appends it
// to the entry's backup history, and evicts the oldest backups beyond
// the retention count. Off-device upload is best-effort.
func (m *Manager) CreateBackup(ctx context.Context, entry *types.Entry, source types.BackupSource, reason string) (*types.Backup, error) {
	clone := entry.Clone()
	checksum, err := Checksum(clone)
	if err != nil {
		return nil, fmt.Errorf("checksum entry: %w", err)
	}
	payload, err := json.Marshal(clone)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}

	backup := &types.Backup{
		ID:         ulid.Make().String(),
		OriginalID: clone.Metadata.ID,
		Timestamp:  time.Now().UTC(),
		Data:       clone,
		Checksum:   checksum,
		Size:       int64(len(payload)),
		Version:    clone.Metadata.Version,
		Source:     source,
		Reason:     reason,
	}

	if err := m.store.InsertBackup(ctx, backup); err != nil {
		return nil, fmt.Errorf("store backup: %w", err)
	}

	pruned, err := m.store.PruneBackups(ctx, backup.OriginalID, m.maxPerList)
	if err != nil {
		return nil, fmt.Errorf("prune backups: %w", err)
	}
	if pruned > 0 {
		slog.Debug("evicted old backups",
			"list_id", backup.OriginalID,
			"count", pruned,
			"component", "integrity",
		)
	}

	if err := m.uploader.Upload(ctx, backup.ID, payload); err != nil && !errors.Is(err, ErrNotConfigured) {
		slog.Warn("off-device backup upload failed",
			"backup_id", backup.ID,
			"error", err,
			"component", "integrity",
		)
	}

	return backup, nil
}

// RecoverFromBackup restores the most plausible backup of an entry.
// Candidates are tried in the configured order, optionally re-validated,
// up to MaxRecoveryAttempts. The restored entry gets a bumped version
// and a pending sync status; the caller persists it.
func (m *Manager) RecoverFromBackup(ctx context.Context, id string, opts RecoverOptions) (*types.Entry, error) {
	backups, err := m.store.ListBackups(ctx, id, opts.PreferLatest)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	if len(backups) == 0 {
		return nil, ErrNoValidBackup
	}

	attempts := opts.MaxRecoveryAttempts
	if attempts <= 0 || attempts > len(backups) {
		attempts = len(backups)
	}

	for i := 0; i < attempts; i++ {
		candidate := backups[i]
		restored, err := m.restoreCandidate(&candidate, opts)
		if err != nil {
			slog.Warn("backup candidate rejected",
				"list_id", id,
				"backup_id", candidate.ID,
				"error", err,
				"component", "integrity",
			)
			continue
		}

		restored.Metadata.Version++
		restored.Metadata.SyncStatus = types.SyncStatusPending
		slog.Info("entry recovered from backup",
			"list_id", id,
			"backup_id", candidate.ID,
			"backup_version", candidate.Version,
			"component", "integrity",
		)
		return restored, nil
	}

	return nil, ErrNoValidBackup
}

func (m *Manager) restoreCandidate(candidate *types.Backup, opts RecoverOptions) (*types.Entry, error) {
	restored := candidate.Data.Clone()
	if !opts.ValidateBeforeRestore {
		return restored, nil
	}

	result := CheckEntry(restored, candidate.Checksum)
	if result.IsValid {
		return restored, nil
	}
	if !opts.AllowPartialRecovery {
		return nil, fmt.Errorf("backup failed integrity check: %d errors", len(result.Errors))
	}

	raw, err := json.Marshal(restored)
	if err != nil {
		return nil, fmt.Errorf("encode candidate: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode candidate: %w", err)
	}
	repaired, err := RepairEntry(doc, result)
	if err != nil {
		return nil, fmt.Errorf("partial recovery: %w", err)
	}
	return repaired, nil
}

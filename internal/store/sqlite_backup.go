package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basketd/basketd/internal/types"
)

const backupCols = `id, original_id, timestamp, payload, checksum, size, version, source, reason, tags`

func scanBackup(scanner interface{ Scan(...any) error }) (*types.Backup, error) {
	var (
		b         types.Backup
		timestamp string
		payload   []byte
		source    string
		tags      string
	)
	err := scanner.Scan(&b.ID, &b.OriginalID, &timestamp, &payload,
		&b.Checksum, &b.Size, &b.Version, &source, &b.Reason, &tags)
	if err != nil {
		return nil, err
	}

	b.Source = types.BackupSource(source)
	if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		b.Timestamp = t
	}
	var entry types.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("decode backup payload %s: %w", b.ID, err)
	}
	b.Data = &entry
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &b.Tags); err != nil {
			return nil, fmt.Errorf("decode backup tags %s: %w", b.ID, err)
		}
	}
	return &b, nil
}

// InsertBackup appends a backup to an entry's backup history.
func (s *SQLiteStore) InsertBackup(ctx context.Context, b *types.Backup) error {
	payload, err := json.Marshal(b.Data)
	if err != nil {
		return fmt.Errorf("encode backup payload: %w", err)
	}
	tags, err := json.Marshal(b.Tags)
	if err != nil {
		return fmt.Errorf("encode backup tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backups (`+backupCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.OriginalID, b.Timestamp.UTC().Format(time.RFC3339Nano),
		payload, b.Checksum, b.Size, b.Version, string(b.Source), b.Reason, string(tags))
	return wrapWriteErr("insert backup", err)
}

// ListBackups returns all backups for an entry. newestFirst selects the
// iteration order used by recovery.
func (s *SQLiteStore) ListBackups(ctx context.Context, originalID string, newestFirst bool) ([]types.Backup, error) {
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+backupCols+`
		FROM backups
		WHERE original_id = ?
		ORDER BY timestamp `+order, originalID)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var backups []types.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, *b)
	}
	return backups, rows.Err()
}

// LatestBackup returns the most recent backup for an entry, or
// ErrBackupNotFound.
func (s *SQLiteStore) LatestBackup(ctx context.Context, originalID string) (*types.Backup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+backupCols+`
		FROM backups
		WHERE original_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, originalID)
	b, err := scanBackup(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrBackupNotFound
		}
		return nil, fmt.Errorf("scan backup: %w", err)
	}
	return b, nil
}

// PruneBackups evicts the oldest backups beyond keep for one entry and
// returns how many were removed.
func (s *SQLiteStore) PruneBackups(ctx context.Context, originalID string, keep int) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM backups
		WHERE original_id = ? AND id NOT IN (
			SELECT id FROM backups
			WHERE original_id = ?
			ORDER BY timestamp DESC
			LIMIT ?
		)
	`, originalID, originalID, keep)
	if err != nil {
		return 0, wrapWriteErr("prune backups", err)
	}
	return result.RowsAffected()
}

// CountBackups returns the number of backups stored for an entry.
func (s *SQLiteStore) CountBackups(ctx context.Context, originalID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backups WHERE original_id = ?`, originalID).Scan(&count)
	return count, err
}

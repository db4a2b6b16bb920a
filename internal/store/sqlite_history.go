package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basketd/basketd/internal/types"
)

// HistoryRecord is one immutable entry in the per-list mutation log: a
// snapshot of the entry after the mutation plus a short diff summary.
type HistoryRecord struct {
	Seq       int64        `json:"seq"`
	ListID    string       `json:"listId"`
	Operation string       `json:"operation"`
	Snapshot  *types.Entry `json:"snapshot,omitempty"`
	Diff      string       `json:"diff"`
	DeviceID  string       `json:"deviceId"`
	CreatedAt time.Time    `json:"createdAt"`
}

const historyCols = `seq, list_id, operation, snapshot, diff, device_id, created_at`

func scanHistory(scanner interface{ Scan(...any) error }) (*HistoryRecord, error) {
	var (
		h         HistoryRecord
		snapshot  sql.NullString
		createdAt string
	)
	err := scanner.Scan(&h.Seq, &h.ListID, &h.Operation, &snapshot, &h.Diff, &h.DeviceID, &createdAt)
	if err != nil {
		return nil, err
	}

	if snapshot.Valid && snapshot.String != "" {
		var entry types.Entry
		if err := json.Unmarshal([]byte(snapshot.String), &entry); err != nil {
			return nil, fmt.Errorf("decode history snapshot %d: %w", h.Seq, err)
		}
		h.Snapshot = &entry
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		h.CreatedAt = t
	}
	return &h, nil
}

// AppendHistory appends a mutation record and returns its sequence
// number. Records are append-only; sequence order is wall-clock order
// per list.
func (s *SQLiteStore) AppendHistory(ctx context.Context, h *HistoryRecord) (int64, error) {
	var snapshot any
	if h.Snapshot != nil {
		payload, err := json.Marshal(h.Snapshot)
		if err != nil {
			return 0, fmt.Errorf("encode history snapshot: %w", err)
		}
		snapshot = string(payload)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO history (list_id, operation, snapshot, diff, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, h.ListID, h.Operation, snapshot, h.Diff, h.DeviceID,
		h.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, wrapWriteErr("append history", err)
	}
	return result.LastInsertId()
}

// ListHistory returns up to limit records for a list, newest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, listID string, limit int) ([]HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+historyCols+`
		FROM history
		WHERE list_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, listID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		records = append(records, *h)
	}
	return records, rows.Err()
}

// LatestHistorySnapshot returns the most recent history record for a
// list whose operation is not a delete and which carries a snapshot.
// Used as the second rung of the recovery ladder.
func (s *SQLiteStore) LatestHistorySnapshot(ctx context.Context, listID string) (*HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+historyCols+`
		FROM history
		WHERE list_id = ? AND operation != 'delete' AND snapshot IS NOT NULL
		ORDER BY seq DESC
		LIMIT 1
	`, listID)
	h, err := scanHistory(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return h, nil
}

// PruneHistory evicts oldest-first once either the count or the age
// bound is exceeded. Returns how many records were removed.
func (s *SQLiteStore) PruneHistory(ctx context.Context, listID string, maxEntries int, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM history
		WHERE list_id = ? AND (
			created_at < ?
			OR seq NOT IN (
				SELECT seq FROM history
				WHERE list_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
		)
	`, listID, cutoff, listID, maxEntries)
	if err != nil {
		return 0, wrapWriteErr("prune history", err)
	}
	return result.RowsAffected()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basketd/basketd/internal/types"
)

const opCols = `id, type, shopping_list_id, item_id, payload, timestamp, retry_count, max_retries, last_error`

func scanOperation(scanner interface{ Scan(...any) error }) (*types.SyncOperation, error) {
	var (
		op        types.SyncOperation
		opType    string
		payload   sql.NullString
		timestamp string
	)
	err := scanner.Scan(&op.ID, &opType, &op.ShoppingListID, &op.ItemID,
		&payload, &timestamp, &op.RetryCount, &op.MaxRetries, &op.LastError)
	if err != nil {
		return nil, err
	}

	op.Type = types.OperationType(opType)
	if payload.Valid && payload.String != "" {
		op.Payload = json.RawMessage(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		op.Timestamp = t
	}
	return &op, nil
}

// EnqueueOperation inserts or replaces a sync operation in the durable
// queue. Deduplication policy lives in the queue manager; the store only
// persists.
func (s *SQLiteStore) EnqueueOperation(ctx context.Context, op *types.SyncOperation) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue
			(id, type, shopping_list_id, item_id, payload, timestamp, retry_count, max_retries, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			timestamp = excluded.timestamp,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			last_error = excluded.last_error
	`, op.ID, string(op.Type), op.ShoppingListID, op.ItemID,
		string(op.Payload), op.Timestamp.UTC().Format(time.RFC3339Nano),
		op.RetryCount, op.MaxRetries, op.LastError, now)
	return wrapWriteErr("enqueue operation", err)
}

// RemoveOperation deletes an operation from the queue. Removing a
// missing operation is not an error.
func (s *SQLiteStore) RemoveOperation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	return wrapWriteErr("remove operation", err)
}

// GetOperation retrieves a queued operation by id.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*types.SyncOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+opCols+` FROM sync_queue WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrOperationNotFound
		}
		return nil, fmt.Errorf("scan operation: %w", err)
	}
	return op, nil
}

// FindOperation returns the queued operation matching the dedup key
// (type, shoppingListId, itemId), or ErrOperationNotFound.
func (s *SQLiteStore) FindOperation(ctx context.Context, opType types.OperationType, listID, itemID string) (*types.SyncOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+opCols+`
		FROM sync_queue
		WHERE type = ? AND shopping_list_id = ? AND item_id = ?
	`, string(opType), listID, itemID)
	op, err := scanOperation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrOperationNotFound
		}
		return nil, fmt.Errorf("scan operation: %w", err)
	}
	return op, nil
}

// ListPendingOperations returns operations that have not exhausted their
// retries, in processing order: delete < create < update < item ops,
// then oldest first. The CASE mirrors OperationType.Priority.
func (s *SQLiteStore) ListPendingOperations(ctx context.Context) ([]types.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+opCols+`
		FROM sync_queue
		WHERE retry_count <= max_retries
		ORDER BY
			CASE type
				WHEN 'delete' THEN 0
				WHEN 'create' THEN 1
				WHEN 'update' THEN 2
				ELSE 3
			END,
			timestamp ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending operations: %w", err)
	}
	defer rows.Close()

	var ops []types.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// ListFailedOperations returns operations abandoned after exhausting
// their retries. They stay queued for manual inspection, never silently
// dropped.
func (s *SQLiteStore) ListFailedOperations(ctx context.Context) ([]types.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+opCols+`
		FROM sync_queue
		WHERE retry_count > max_retries
		ORDER BY timestamp ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list failed operations: %w", err)
	}
	defer rows.Close()

	var ops []types.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// CountPendingOperations returns how many operations await processing.
func (s *SQLiteStore) CountPendingOperations(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE retry_count <= max_retries`).Scan(&count)
	return count, err
}

// CountFailedOperations returns how many operations were abandoned.
func (s *SQLiteStore) CountFailedOperations(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE retry_count > max_retries`).Scan(&count)
	return count, err
}

// RemoveOperationsForList deletes every queued operation for a list.
// Used when a delete supersedes earlier pending mutations.
func (s *SQLiteStore) RemoveOperationsForList(ctx context.Context, listID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sync_queue WHERE shopping_list_id = ?`, listID)
	if err != nil {
		return nil, fmt.Errorf("list operations for %s: %w", listID, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE shopping_list_id = ?`, listID)
	if err != nil {
		return nil, wrapWriteErr("remove operations for list", err)
	}
	return ids, nil
}

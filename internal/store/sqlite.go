package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basketd/basketd/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable local store: shopping-list entries, the
// pending sync-operation queue, backups, mutation history, and device and
// session records, all in one SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath, applies
// pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create database directory: %v", ErrUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrUnavailable, err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enable pragmas: %v", ErrUnavailable, err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// wrapWriteErr maps low-level SQLite failures onto the store's sentinel
// error kinds so callers can distinguish quota exhaustion from other
// faults.
func wrapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database or disk is full") {
		return fmt.Errorf("%w: %s: %v", ErrQuotaExceeded, op, err)
	}
	if strings.Contains(msg, "unable to open database") {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// EntryRecord is an entry together with its stored checksum and the raw
// payload as persisted. The raw form is what schema migration and
// integrity checks inspect; Entry is the decoded convenience view.
type EntryRecord struct {
	Entry    *types.Entry
	Checksum string
	Raw      json.RawMessage
}

const entryCols = `id, sync_status, version, schema_version, checksum, payload`

func scanEntryRecord(scanner interface{ Scan(...any) error }) (*EntryRecord, error) {
	var (
		id, syncStatus, checksum string
		version                  int64
		schemaVersion            int
		payload                  []byte
	)
	if err := scanner.Scan(&id, &syncStatus, &version, &schemaVersion, &checksum, &payload); err != nil {
		return nil, err
	}

	var entry types.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", id, err)
	}

	return &EntryRecord{
		Entry:    &entry,
		Checksum: checksum,
		Raw:      json.RawMessage(payload),
	}, nil
}

// GetEntryRecord retrieves an entry with its stored checksum and raw
// payload. Returns ErrNotFound when absent.
func (s *SQLiteStore) GetEntryRecord(ctx context.Context, id string) (*EntryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryCols+`
		FROM shopping_lists
		WHERE id = ?
	`, id)

	rec, err := scanEntryRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan shopping list: %w", err)
	}
	return rec, nil
}

// GetEntry retrieves an entry by id. Returns ErrNotFound when absent.
func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (*types.Entry, error) {
	rec, err := s.GetEntryRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Entry, nil
}

// PutEntry upserts an entry. Atomic per entry; the checksum is stored
// alongside for corruption detection on later reads.
func (s *SQLiteStore) PutEntry(ctx context.Context, entry *types.Entry, checksum string) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	m := entry.Metadata
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shopping_lists
			(id, meal_plan_id, week_start, generated_at, last_modified,
			 sync_status, device_id, version, schema_version, checksum, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			meal_plan_id = excluded.meal_plan_id,
			week_start = excluded.week_start,
			generated_at = excluded.generated_at,
			last_modified = excluded.last_modified,
			sync_status = excluded.sync_status,
			device_id = excluded.device_id,
			version = excluded.version,
			schema_version = excluded.schema_version,
			checksum = excluded.checksum,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, m.ID, m.MealPlanID, m.WeekStart,
		m.GeneratedAt.UTC().Format(time.RFC3339Nano),
		m.LastModified.UTC().Format(time.RFC3339Nano),
		string(m.SyncStatus), m.DeviceID, m.Version, m.SchemaVersion,
		checksum, payload, now)

	return wrapWriteErr("put shopping list", err)
}

// UpdateSyncStatus updates only the sync status of an entry, in both the
// denormalized column and the stored payload.
func (s *SQLiteStore) UpdateSyncStatus(ctx context.Context, id string, status types.SyncStatus) error {
	rec, err := s.GetEntryRecord(ctx, id)
	if err != nil {
		return err
	}
	rec.Entry.Metadata.SyncStatus = status
	return s.PutEntry(ctx, rec.Entry, rec.Checksum)
}

// DeleteEntry removes an entry. Deleting a missing entry is not an error.
func (s *SQLiteStore) DeleteEntry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shopping_lists WHERE id = ?`, id)
	return wrapWriteErr("delete shopping list", err)
}

// ListEntries returns all stored entries ordered by last_modified
// descending.
func (s *SQLiteStore) ListEntries(ctx context.Context) ([]types.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryCols+`
		FROM shopping_lists
		ORDER BY last_modified DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list shopping lists: %w", err)
	}
	defer rows.Close()

	var entries []types.Entry
	for rows.Next() {
		rec, err := scanEntryRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shopping list: %w", err)
		}
		entries = append(entries, *rec.Entry)
	}
	return entries, rows.Err()
}

// CountEntries returns the number of stored entries.
func (s *SQLiteStore) CountEntries(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shopping_lists`).Scan(&count)
	return count, err
}

// GetMetadataValue reads a key from the metadata table. Returns ("",
// nil) when the key is absent.
func (s *SQLiteStore) GetMetadataValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMetadataValue upserts a key in the metadata table.
func (s *SQLiteStore) SetMetadataValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return wrapWriteErr("set metadata", err)
}

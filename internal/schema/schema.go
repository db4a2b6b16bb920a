// Package schema provides schema-version-aware validation and stepwise
// migration of shopping-list entries. Entries written by older builds
// are migrated on read; every step is registered with a forward
// transform and, where meaningful, a rollback.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basketd/basketd/internal/types"
)

var (
	// ErrMissingStep is returned when no migration covers an
	// intermediate version on the path to the target.
	ErrMissingStep = errors.New("no migration registered for version")

	// ErrNoRollback is returned when a step has no rollback transform.
	ErrNoRollback = errors.New("migration step has no rollback")
)

// Migration is one stepwise transform between adjacent schema versions.
type Migration struct {
	From        int
	To          int
	Description string
	Forward     func(doc map[string]any) error
	Rollback    func(doc map[string]any) error
	PostCheck   func(doc map[string]any) error
}

// Registry holds the registered migration steps keyed by from-version.
type Registry struct {
	steps map[int]Migration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[int]Migration)}
}

// Register adds a migration step. Registering two steps with the same
// from-version is a programming error.
func (r *Registry) Register(m Migration) error {
	if m.Forward == nil {
		return fmt.Errorf("migration %d->%d has no forward transform", m.From, m.To)
	}
	if m.To != m.From+1 {
		return fmt.Errorf("migration %d->%d is not stepwise", m.From, m.To)
	}
	if _, exists := r.steps[m.From]; exists {
		return fmt.Errorf("migration from version %d already registered", m.From)
	}
	r.steps[m.From] = m
	return nil
}

// Step returns the migration starting at the given version.
func (r *Registry) Step(from int) (Migration, bool) {
	m, ok := r.steps[from]
	return m, ok
}

// DefaultRegistry returns the registry with all known entry migrations.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// v1 entries carried no per-item sync state.
	if err := r.Register(Migration{
		From:        1,
		To:          2,
		Description: "stamp items with per-item lastModified and syncStatus",
		Forward:     migrateV1ItemSyncState,
		Rollback:    rollbackV2ItemSyncState,
		PostCheck:   postCheckV2,
	}); err != nil {
		panic(err)
	}
	return r
}

// MigrationResult reports the outcome of a migration.
type MigrationResult struct {
	FromVersion  int          `json:"fromVersion"`
	ToVersion    int          `json:"toVersion"`
	StepsApplied []string     `json:"stepsApplied"`
	Entry        *types.Entry `json:"entry"`
}

// Migrate applies registered steps sequentially from the document's
// current version up to target. It aborts with an explicit error when a
// step is missing, fails, or produces data that fails its post-check.
func (r *Registry) Migrate(doc map[string]any, target int) (*MigrationResult, error) {
	from := DocVersion(doc)
	result := &MigrationResult{FromVersion: from, ToVersion: from}

	for v := from; v < target; v++ {
		step, ok := r.Step(v)
		if !ok {
			return nil, fmt.Errorf("%w %d (migrating %d->%d)", ErrMissingStep, v, from, target)
		}
		if err := step.Forward(doc); err != nil {
			return nil, fmt.Errorf("migration %d->%d failed: %w", step.From, step.To, err)
		}
		setDocVersion(doc, step.To)
		if step.PostCheck != nil {
			if err := step.PostCheck(doc); err != nil {
				return nil, fmt.Errorf("migration %d->%d post-check failed: %w", step.From, step.To, err)
			}
		}
		result.StepsApplied = append(result.StepsApplied, step.Description)
		result.ToVersion = step.To
	}

	entry, err := decodeEntry(doc)
	if err != nil {
		return nil, fmt.Errorf("decode migrated entry: %w", err)
	}
	result.Entry = entry
	return result, nil
}

// Rollback walks migrations downward from the document's version to
// target using each step's rollback transform. Applying a step's
// rollback right after its forward transform is a no-op on a
// previously-valid entry.
func (r *Registry) Rollback(doc map[string]any, target int) error {
	for v := DocVersion(doc); v > target; v-- {
		step, ok := r.Step(v - 1)
		if !ok {
			return fmt.Errorf("%w %d (rolling back to %d)", ErrMissingStep, v-1, target)
		}
		if step.Rollback == nil {
			return fmt.Errorf("%w: %d->%d", ErrNoRollback, step.From, step.To)
		}
		if err := step.Rollback(doc); err != nil {
			return fmt.Errorf("rollback %d->%d failed: %w", step.To, step.From, err)
		}
		setDocVersion(doc, step.From)
	}
	return nil
}

// BackupFunc archives an entry before a batch migration touches it.
type BackupFunc func(ctx context.Context, entry *types.Entry) error

// MigrateBatch migrates many documents to target, taking a backup of
// every document in the batch first. Either all backups succeed or
// nothing is migrated.
func (r *Registry) MigrateBatch(ctx context.Context, docs []map[string]any, target int, backup BackupFunc) ([]*MigrationResult, error) {
	if backup != nil {
		for i, doc := range docs {
			entry, err := decodeEntry(doc)
			if err != nil {
				return nil, fmt.Errorf("decode entry %d for backup: %w", i, err)
			}
			if err := backup(ctx, entry); err != nil {
				return nil, fmt.Errorf("backup entry %s: %w", entry.Metadata.ID, err)
			}
		}
	}

	results := make([]*MigrationResult, 0, len(docs))
	for i, doc := range docs {
		result, err := r.Migrate(doc, target)
		if err != nil {
			return results, fmt.Errorf("migrate entry %d: %w", i, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// DocVersion reads the entry's schema version, defaulting to 1 for
// documents written before versioning existed.
func DocVersion(doc map[string]any) int {
	meta, ok := doc["metadata"].(map[string]any)
	if !ok {
		return 1
	}
	if v, ok := meta["schemaVersion"].(float64); ok && v >= 1 {
		return int(v)
	}
	return 1
}

func setDocVersion(doc map[string]any, version int) {
	meta, ok := doc["metadata"].(map[string]any)
	if !ok {
		meta = map[string]any{}
		doc["metadata"] = meta
	}
	meta["schemaVersion"] = float64(version)
}

// EntryFromDoc decodes a generic document back into a typed entry.
func EntryFromDoc(doc map[string]any) (*types.Entry, error) {
	return decodeEntry(doc)
}

func decodeEntry(doc map[string]any) (*types.Entry, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var entry types.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// DocFromEntry renders a typed entry as a generic document.
func DocFromEntry(entry *types.Entry) (map[string]any, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return doc, nil
}

// migrateV1ItemSyncState stamps every item with the entry-level
// lastModified and syncStatus that v1 tracked only per entry.
func migrateV1ItemSyncState(doc map[string]any) error {
	meta, _ := doc["metadata"].(map[string]any)
	entryModified, _ := meta["lastModified"].(string)
	entryStatus, _ := meta["syncStatus"].(string)
	if !types.SyncStatus(entryStatus).Valid() {
		entryStatus = string(types.SyncStatusPending)
	}

	return eachItem(doc, func(item map[string]any) error {
		if _, ok := item["lastModified"].(string); !ok {
			item["lastModified"] = entryModified
		}
		if s, _ := item["syncStatus"].(string); !types.SyncStatus(s).Valid() {
			item["syncStatus"] = entryStatus
		}
		return nil
	})
}

// rollbackV2ItemSyncState strips the per-item sync fields added by the
// 1->2 migration.
func rollbackV2ItemSyncState(doc map[string]any) error {
	return eachItem(doc, func(item map[string]any) error {
		delete(item, "lastModified")
		delete(item, "syncStatus")
		return nil
	})
}

func postCheckV2(doc map[string]any) error {
	return eachItem(doc, func(item map[string]any) error {
		if _, ok := item["lastModified"].(string); !ok {
			return fmt.Errorf("item %v missing lastModified after migration", item["id"])
		}
		if s, _ := item["syncStatus"].(string); !types.SyncStatus(s).Valid() {
			return fmt.Errorf("item %v has invalid syncStatus after migration", item["id"])
		}
		return nil
	})
}

func eachItem(doc map[string]any, fn func(item map[string]any) error) error {
	categories, ok := doc["shoppingList"].(map[string]any)
	if !ok {
		return nil
	}
	for _, rawItems := range categories {
		items, ok := rawItems.([]any)
		if !ok {
			continue
		}
		for _, rawItem := range items {
			if item, ok := rawItem.(map[string]any); ok {
				if err := fn(item); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

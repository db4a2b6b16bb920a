package integrity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basketd/basketd/internal/types"
)

// ErrUnrepairable is returned when an entry is missing fields that
// cannot be defaulted. Repair never fabricates an identity.
var ErrUnrepairable = errors.New("entry cannot be repaired")

// RepairEntry fills in missing optional fields with documented defaults
// (syncStatus -> pending, deviceId -> "unknown"), drops items whose
// identity is gone, bumps the version, and refreshes lastModified.
// Returns ErrUnrepairable when metadata or the entry id is missing.
func RepairEntry(doc map[string]any, prior *CheckResult) (*types.Entry, error) {
	if prior != nil && !prior.CanRecover {
		return nil, fmt.Errorf("%w: prior check marked entry unrecoverable", ErrUnrepairable)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: entry is not an object", ErrUnrepairable)
	}

	meta, ok := doc["metadata"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: metadata object is missing", ErrUnrepairable)
	}
	id, _ := meta["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("%w: entry id is missing", ErrUnrepairable)
	}

	now := time.Now().UTC()

	stringDefault(meta, "mealPlanId", "")
	stringDefault(meta, "weekStartDate", "")
	stringDefault(meta, "deviceId", "unknown")
	if s, _ := meta["syncStatus"].(string); !types.SyncStatus(s).Valid() {
		meta["syncStatus"] = string(types.SyncStatusPending)
	}
	if _, ok := parseTimeValue(meta["lastModified"]); !ok {
		meta["lastModified"] = now.Format(time.RFC3339Nano)
	}
	if _, ok := parseTimeValue(meta["generatedAt"]); !ok {
		meta["generatedAt"] = meta["lastModified"]
	}
	version, _ := meta["version"].(float64)
	if version < 0 {
		version = 0
	}
	if sv, _ := meta["schemaVersion"].(float64); sv < 1 {
		meta["schemaVersion"] = float64(1)
	}

	repairShoppingList(doc, now)

	// The repaired entry is a new committed state.
	meta["version"] = version + 1
	meta["lastModified"] = now.Format(time.RFC3339Nano)
	meta["syncStatus"] = string(types.SyncStatusPending)

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode repaired entry: %w", err)
	}
	var entry types.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode repaired entry: %w", err)
	}
	return &entry, nil
}

func repairShoppingList(doc map[string]any, now time.Time) {
	categories, ok := doc["shoppingList"].(map[string]any)
	if !ok {
		doc["shoppingList"] = map[string]any{}
		return
	}

	seen := make(map[string]bool)
	for category, rawItems := range categories {
		items, ok := rawItems.([]any)
		if !ok {
			delete(categories, category)
			continue
		}
		kept := make([]any, 0, len(items))
		for _, rawItem := range items {
			item, ok := rawItem.(map[string]any)
			if !ok {
				continue
			}
			id, _ := item["id"].(string)
			// Identity is never fabricated; items without one (or with a
			// duplicated one) are dropped rather than invented.
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true

			stringDefault(item, "name", "")
			if name, _ := item["name"].(string); name == "" {
				continue
			}
			stringDefault(item, "unit", "")
			if _, isNum := item["quantity"].(float64); !isNum {
				item["quantity"] = float64(1)
			}
			if _, isBool := item["checked"].(bool); !isBool {
				item["checked"] = false
			}
			if s, _ := item["syncStatus"].(string); !types.SyncStatus(s).Valid() {
				item["syncStatus"] = string(types.SyncStatusPending)
			}
			if _, ok := parseTimeValue(item["lastModified"]); !ok {
				item["lastModified"] = now.Format(time.RFC3339Nano)
			}
			kept = append(kept, item)
		}
		categories[category] = kept
	}
}

func stringDefault(m map[string]any, key, fallback string) {
	if _, ok := m[key].(string); !ok {
		m[key] = fallback
	}
}

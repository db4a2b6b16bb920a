package schema

import (
	"fmt"

	"github.com/basketd/basketd/internal/types"
	"github.com/basketd/basketd/internal/validation"
)

// ValidationResult is the outcome of schema-aware structural validation.
type ValidationResult struct {
	IsValid           bool                         `json:"isValid"`
	Errors            []validation.ValidationError `json:"errors"`
	Warnings          []string                     `json:"warnings"`
	SchemaVersion     int                          `json:"schemaVersion"`
	MigrationRequired bool                         `json:"migrationRequired"`
}

var syncStatusValues = []string{
	string(types.SyncStatusSynced),
	string(types.SyncStatusPending),
	string(types.SyncStatusConflict),
}

// Validate checks an entry document against the rules of its own schema
// version. An outdated version is a warning plus MigrationRequired, not
// an error.
func Validate(doc map[string]any) *ValidationResult {
	version := DocVersion(doc)
	result := &ValidationResult{SchemaVersion: version}
	c := &validation.Collector{}

	if version < types.CurrentSchemaVersion {
		result.MigrationRequired = true
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("entry schema version %d is behind current version %d", version, types.CurrentSchemaVersion))
	} else if version > types.CurrentSchemaVersion {
		c.Addf("metadata.schemaVersion", "version %d is newer than this build supports (%d)",
			version, types.CurrentSchemaVersion)
	}

	validateMetadata(c, doc)
	validateShoppingList(c, doc, version)

	result.Errors = c.Errors()
	result.IsValid = !c.HasErrors()
	return result
}

func validateMetadata(c *validation.Collector, doc map[string]any) {
	meta, ok := doc["metadata"].(map[string]any)
	if !ok {
		c.Addf("metadata", "must be an object")
		return
	}

	for _, field := range []string{"id", "mealPlanId", "weekStartDate", "deviceId"} {
		value, _ := meta[field].(string)
		c.Add(validation.ValidateRequired("metadata."+field, value))
	}

	status, _ := meta["syncStatus"].(string)
	c.Add(validation.ValidateEnum("metadata.syncStatus", status, syncStatusValues))

	generatedAt, okGen := parseDocTime(meta["generatedAt"])
	if !okGen {
		c.Addf("metadata.generatedAt", "must be a valid timestamp")
	}
	lastModified, okMod := parseDocTime(meta["lastModified"])
	if !okMod {
		c.Addf("metadata.lastModified", "must be a valid timestamp")
	}
	if okGen && okMod {
		c.Add(validation.ValidateNotBefore("metadata.lastModified", lastModified, generatedAt))
	}

	if v, ok := meta["version"]; ok {
		if n, isNum := v.(float64); !isNum || n < 0 {
			c.Addf("metadata.version", "must be a non-negative number")
		}
	}
}

func validateShoppingList(c *validation.Collector, doc map[string]any, version int) {
	categories, ok := doc["shoppingList"].(map[string]any)
	if !ok {
		c.Addf("shoppingList", "must be an object mapping categories to item arrays")
		return
	}

	seen := make(map[string]bool)
	for category, rawItems := range categories {
		items, ok := rawItems.([]any)
		if !ok {
			c.Addf("shoppingList."+category, "must be an array of items")
			continue
		}
		for i, rawItem := range items {
			field := fmt.Sprintf("shoppingList.%s[%d]", category, i)
			item, ok := rawItem.(map[string]any)
			if !ok {
				c.Addf(field, "must be an object")
				continue
			}
			validateItem(c, field, item, version)

			if id, _ := item["id"].(string); id != "" {
				if seen[id] {
					c.Addf(field+".id", "duplicate item id %q", id)
				}
				seen[id] = true
			}
		}
	}
}

func validateItem(c *validation.Collector, field string, item map[string]any, version int) {
	id, _ := item["id"].(string)
	c.Add(validation.ValidateRequired(field+".id", id))

	name, _ := item["name"].(string)
	c.Add(validation.ValidateRequired(field+".name", name))

	unit, _ := item["unit"].(string)
	c.Add(validation.ValidateRequired(field+".unit", unit))

	if q, ok := item["quantity"].(float64); ok {
		c.Add(validation.ValidatePositive(field+".quantity", q))
	} else {
		c.Addf(field+".quantity", "must be a number")
	}

	if _, ok := item["checked"].(bool); !ok {
		c.Addf(field+".checked", "must be a boolean")
	}

	// Per-item sync state only exists from schema v2 on.
	if version >= 2 {
		if _, ok := parseDocTime(item["lastModified"]); !ok {
			c.Addf(field+".lastModified", "must be a valid timestamp")
		}
		status, _ := item["syncStatus"].(string)
		c.Add(validation.ValidateEnum(field+".syncStatus", status, syncStatusValues))
	}
}

package integrity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/basketd/basketd/internal/types"
)

// IssueCode classifies a single integrity violation.
type IssueCode string

const (
	CodeNotObject        IssueCode = "not_object"
	CodeMissingField     IssueCode = "missing_field"
	CodeWrongType        IssueCode = "wrong_type"
	CodeInvalidEnum      IssueCode = "invalid_enum"
	CodeInvalidValue     IssueCode = "invalid_value"
	CodeTimeOrder        IssueCode = "time_order"
	CodeDuplicateItemID  IssueCode = "duplicate_item_id"
	CodeChecksumMismatch IssueCode = "checksum_mismatch"
)

// Issue is one typed integrity violation with enough detail for manual
// intervention: the field, what was expected, and what was found.
type Issue struct {
	Code     IssueCode `json:"code"`
	Field    string    `json:"field"`
	Message  string    `json:"message"`
	Expected string    `json:"expected,omitempty"`
	Actual   string    `json:"actual,omitempty"`
}

// CheckResult is the outcome of an integrity check.
type CheckResult struct {
	IsValid           bool     `json:"isValid"`
	Errors            []Issue  `json:"errors"`
	Warnings          []Issue  `json:"warnings"`
	CorruptionLevel   float64  `json:"corruptionLevel"`
	CanRecover        bool     `json:"canRecover"`
	RepairSuggestions []string `json:"repairSuggestions"`
}

type checker struct {
	result  CheckResult
	checked int
}

func (c *checker) fail(code IssueCode, field, message, expected, actual string) {
	c.result.Errors = append(c.result.Errors, Issue{
		Code: code, Field: field, Message: message,
		Expected: expected, Actual: actual,
	})
}

func (c *checker) warn(code IssueCode, field, message string) {
	c.result.Warnings = append(c.result.Warnings, Issue{
		Code: code, Field: field, Message: message,
	})
}

func (c *checker) suggest(s string) {
	c.result.RepairSuggestions = append(c.result.RepairSuggestions, s)
}

// requiredMetadataFields lists fields an entry cannot exist without,
// mapped to the kind of value each must hold.
var requiredMetadataFields = []struct {
	name string
	kind string // "string" | "time"
}{
	{"id", "string"},
	{"mealPlanId", "string"},
	{"weekStartDate", "string"},
	{"generatedAt", "time"},
	{"lastModified", "time"},
	{"syncStatus", "string"},
	{"deviceId", "string"},
}

// CheckEntry validates a typed entry, optionally against an expected
// checksum. Empty expectedChecksum skips the digest comparison.
func CheckEntry(entry *types.Entry, expectedChecksum string) *CheckResult {
	raw, err := json.Marshal(entry)
	if err != nil {
		return &CheckResult{
			Errors: []Issue{{Code: CodeNotObject, Field: "entry",
				Message: fmt.Sprintf("entry not serializable: %v", err)}},
			CorruptionLevel: 1,
		}
	}
	return CheckRaw(raw, expectedChecksum)
}

// CheckRaw validates an entry in raw JSON form.
func CheckRaw(raw json.RawMessage, expectedChecksum string) *CheckResult {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &CheckResult{
			Errors: []Issue{{Code: CodeNotObject, Field: "entry",
				Message: fmt.Sprintf("entry is not valid JSON: %v", err)}},
			CorruptionLevel: 1,
		}
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return &CheckResult{
			Errors: []Issue{{Code: CodeNotObject, Field: "entry",
				Message:  "entry must be an object",
				Expected: "object", Actual: fmt.Sprintf("%T", doc)}},
			CorruptionLevel: 1,
		}
	}
	return CheckDoc(obj, expectedChecksum)
}

// CheckDoc validates an entry in generic-document form. The corruption
// level is the share of checked fields that failed; CanRecover is false
// only when the input is structurally unrecoverable.
func CheckDoc(doc map[string]any, expectedChecksum string) *CheckResult {
	c := &checker{}
	c.checkMetadata(doc)
	c.checkShoppingList(doc)

	if expectedChecksum != "" {
		c.checked++
		actual, err := ChecksumDoc(doc)
		if err != nil {
			c.fail(CodeChecksumMismatch, "checksum",
				"checksum could not be recomputed", expectedChecksum, "")
		} else if actual != expectedChecksum {
			c.fail(CodeChecksumMismatch, "checksum",
				"stored checksum does not match entry contents",
				expectedChecksum, actual)
		}
	}

	c.result.IsValid = len(c.result.Errors) == 0
	c.result.CanRecover = true
	for _, issue := range c.result.Errors {
		if issue.Code == CodeNotObject {
			c.result.CanRecover = false
		}
	}
	if c.checked > 0 {
		c.result.CorruptionLevel = float64(len(c.result.Errors)) / float64(c.checked)
		if c.result.CorruptionLevel > 1 {
			c.result.CorruptionLevel = 1
		}
	} else if len(c.result.Errors) > 0 {
		c.result.CorruptionLevel = 1
	}
	return &c.result
}

func (c *checker) checkMetadata(doc map[string]any) {
	c.checked++
	rawMeta, ok := doc["metadata"]
	if !ok || rawMeta == nil {
		c.fail(CodeMissingField, "metadata", "metadata object is missing", "object", "absent")
		return
	}
	meta, ok := rawMeta.(map[string]any)
	if !ok {
		c.fail(CodeWrongType, "metadata", "metadata must be an object",
			"object", fmt.Sprintf("%T", rawMeta))
		return
	}

	for _, field := range requiredMetadataFields {
		c.checked++
		value, ok := meta[field.name]
		qualified := "metadata." + field.name
		if !ok || value == nil {
			c.fail(CodeMissingField, qualified, "required field is missing", field.kind, "absent")
			if field.name == "syncStatus" {
				c.suggest("set metadata.syncStatus to pending")
			}
			if field.name == "deviceId" {
				c.suggest("set metadata.deviceId to unknown")
			}
			continue
		}
		switch field.kind {
		case "string":
			str, ok := value.(string)
			if !ok {
				c.fail(CodeWrongType, qualified, "field has the wrong type",
					"string", fmt.Sprintf("%T", value))
				continue
			}
			if field.name == "syncStatus" && !types.SyncStatus(str).Valid() {
				c.fail(CodeInvalidEnum, qualified, "sync status outside the closed enum",
					"synced|pending|conflict", str)
			}
		case "time":
			if _, ok := parseTimeValue(value); !ok {
				c.fail(CodeWrongType, qualified, "field is not a timestamp",
					"RFC 3339 timestamp", fmt.Sprintf("%v", value))
			}
		}
	}

	// lastModified >= generatedAt
	c.checked++
	generatedAt, okGen := parseTimeValue(meta["generatedAt"])
	lastModified, okMod := parseTimeValue(meta["lastModified"])
	if okGen && okMod && lastModified.Before(generatedAt) {
		c.fail(CodeTimeOrder, "metadata.lastModified",
			"lastModified precedes generatedAt",
			">= "+generatedAt.Format(time.RFC3339),
			lastModified.Format(time.RFC3339))
	}

	// Version is optional for legacy entries but must be numeric when present.
	if v, ok := meta["version"]; ok && v != nil {
		c.checked++
		if n, isNum := v.(float64); !isNum || n < 0 {
			c.fail(CodeInvalidValue, "metadata.version",
				"version must be a non-negative number",
				"number >= 0", fmt.Sprintf("%v", v))
		}
	}
}

func (c *checker) checkShoppingList(doc map[string]any) {
	c.checked++
	rawList, ok := doc["shoppingList"]
	if !ok || rawList == nil {
		c.fail(CodeMissingField, "shoppingList", "shopping list is missing", "object", "absent")
		return
	}
	categories, ok := rawList.(map[string]any)
	if !ok {
		c.fail(CodeWrongType, "shoppingList", "shopping list must be an object",
			"object", fmt.Sprintf("%T", rawList))
		return
	}

	seen := make(map[string]string) // item id -> first category
	for category, rawItems := range categories {
		c.checked++
		items, ok := rawItems.([]any)
		if !ok {
			c.fail(CodeWrongType, "shoppingList."+category,
				"category must be an array of items",
				"array", fmt.Sprintf("%T", rawItems))
			continue
		}
		for i, rawItem := range items {
			field := fmt.Sprintf("shoppingList.%s[%d]", category, i)
			item, ok := rawItem.(map[string]any)
			if !ok {
				c.checked++
				c.fail(CodeWrongType, field, "item must be an object",
					"object", fmt.Sprintf("%T", rawItem))
				continue
			}
			c.checkItem(field, item)

			if id, ok := item["id"].(string); ok && id != "" {
				if first, dup := seen[id]; dup {
					// Cross-category duplicates corrupt item identity.
					c.fail(CodeDuplicateItemID, field+".id",
						"item id already used in category "+first, "unique id", id)
				} else {
					seen[id] = category
				}
			}
		}
	}
}

func (c *checker) checkItem(field string, item map[string]any) {
	requireString := func(name string) (string, bool) {
		c.checked++
		value, ok := item[name]
		if !ok || value == nil {
			c.fail(CodeMissingField, field+"."+name, "required field is missing", "string", "absent")
			return "", false
		}
		str, ok := value.(string)
		if !ok {
			c.fail(CodeWrongType, field+"."+name, "field has the wrong type",
				"string", fmt.Sprintf("%T", value))
			return "", false
		}
		return str, true
	}

	requireString("id")
	if name, ok := requireString("name"); ok && name == "" {
		c.fail(CodeInvalidValue, field+".name", "item name must be non-empty",
			"non-empty string", `""`)
	}
	requireString("unit")

	c.checked++
	if q, ok := item["quantity"]; !ok || q == nil {
		c.fail(CodeMissingField, field+".quantity", "required field is missing", "number", "absent")
	} else if n, isNum := q.(float64); !isNum {
		c.fail(CodeWrongType, field+".quantity", "quantity must be numeric",
			"number", fmt.Sprintf("%T", q))
	} else if n <= 0 {
		c.fail(CodeInvalidValue, field+".quantity", "quantity must be positive",
			"> 0", fmt.Sprintf("%v", n))
	}

	c.checked++
	if v, ok := item["checked"]; !ok || v == nil {
		c.fail(CodeMissingField, field+".checked", "required field is missing", "boolean", "absent")
	} else if _, isBool := v.(bool); !isBool {
		c.fail(CodeWrongType, field+".checked", "checked must be a boolean",
			"boolean", fmt.Sprintf("%T", v))
	}

	c.checked++
	if v, ok := item["lastModified"]; !ok || v == nil {
		c.fail(CodeMissingField, field+".lastModified", "required field is missing",
			"RFC 3339 timestamp", "absent")
	} else if _, okTime := parseTimeValue(v); !okTime {
		c.fail(CodeWrongType, field+".lastModified", "field is not a timestamp",
			"RFC 3339 timestamp", fmt.Sprintf("%v", v))
	}

	c.checked++
	if v, ok := item["syncStatus"]; !ok || v == nil {
		c.fail(CodeMissingField, field+".syncStatus", "required field is missing", "string", "absent")
	} else if str, isStr := v.(string); !isStr {
		c.fail(CodeWrongType, field+".syncStatus", "field has the wrong type",
			"string", fmt.Sprintf("%T", v))
	} else if !types.SyncStatus(str).Valid() {
		c.fail(CodeInvalidEnum, field+".syncStatus", "sync status outside the closed enum",
			"synced|pending|conflict", str)
	}
}

// parseTimeValue accepts the time encodings that appear in stored
// payloads: RFC 3339 strings with or without sub-second precision.
func parseTimeValue(v any) (time.Time, bool) {
	str, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, str); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

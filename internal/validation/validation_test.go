package validation

import (
	"strings"
	"testing"
	"time"
)

// --- Helper Tests ---

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"present", "list-1", false},
		{"empty", "", true},
		{"whitespace only", "   \t", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequired("metadata.id", tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRequired(%q) = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEnum(t *testing.T) {
	allowed := []string{"synced", "pending", "failed", "conflict"}

	if err := ValidateEnum("syncStatus", "pending", allowed); err != nil {
		t.Errorf("ValidateEnum(pending) = %v, want nil", err)
	}

	err := ValidateEnum("syncStatus", "maybe", allowed)
	if err == nil {
		t.Fatal("ValidateEnum(maybe) = nil, want error")
	}
	if !strings.Contains(err.Message, "synced, pending, failed, conflict") {
		t.Errorf("enum error does not list allowed values: %q", err.Message)
	}
}

func TestValidatePositive(t *testing.T) {
	tests := []struct {
		name    string
		value   float64
		wantErr bool
	}{
		{"positive", 2.5, false},
		{"zero", 0, true},
		{"negative", -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePositive("quantity", tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePositive(%v) = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestValidateNotBefore(t *testing.T) {
	floor := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	if err := ValidateNotBefore("metadata.lastModified", floor.Add(time.Hour), floor); err != nil {
		t.Errorf("later value flagged: %v", err)
	}
	if err := ValidateNotBefore("metadata.lastModified", floor, floor); err != nil {
		t.Errorf("equal value flagged: %v", err)
	}
	if err := ValidateNotBefore("metadata.lastModified", floor.Add(-time.Minute), floor); err == nil {
		t.Error("earlier value not flagged")
	}
}

func TestValidateULID(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid", "01HQZX3VJ4K5M6N7P8Q9R0S1T2", false},
		{"lowercase accepted", "01hqzx3vj4k5m6n7p8q9r0s1t2", false},
		{"too short", "01HQZX3VJ4", true},
		{"excluded letter", "01HQZX3VJ4K5M6N7P8Q9R0S1TU", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateULID("operation.id", tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateULID(%q) = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

// --- Collector Tests ---

func TestCollector_AccumulatesAllErrors(t *testing.T) {
	var c Collector
	c.Add(ValidateRequired("metadata.id", ""))
	c.Add(ValidateRequired("metadata.mealPlanId", "plan-1"))
	c.Add(ValidatePositive("quantity", -3))
	c.Addf("shoppingList.produce[0].unit", "unknown unit %q", "bushels")

	if !c.HasErrors() {
		t.Fatal("HasErrors() = false after adding failures")
	}
	errs := c.Errors()
	if len(errs) != 3 {
		t.Fatalf("Errors() returned %d entries, want 3", len(errs))
	}
	if errs[0].Field != "metadata.id" {
		t.Errorf("first error field = %q, want metadata.id", errs[0].Field)
	}
	if want := `unknown unit "bushels"`; errs[2].Message != want {
		t.Errorf("Addf message = %q, want %q", errs[2].Message, want)
	}
}

func TestCollector_EmptyHasNoErrors(t *testing.T) {
	var c Collector
	c.Add(nil)
	if c.HasErrors() {
		t.Errorf("HasErrors() = true for empty collector: %v", c.Errors())
	}
}

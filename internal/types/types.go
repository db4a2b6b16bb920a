package types

import (
	"encoding/json"
	"time"
)

// CurrentSchemaVersion is the entry schema version written by this build.
// Older entries are migrated on read; see internal/schema.
const CurrentSchemaVersion = 2

// SyncStatus represents the sync state of an entry or item.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
)

// Valid reports whether s is a member of the closed enum.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusSynced, SyncStatusPending, SyncStatusConflict:
		return true
	}
	return false
}

// OperationType classifies a queued sync operation.
type OperationType string

const (
	OpCreate      OperationType = "create"
	OpUpdate      OperationType = "update"
	OpDelete      OperationType = "delete"
	OpItemCheck   OperationType = "item_check"
	OpItemUncheck OperationType = "item_uncheck"
)

// Valid reports whether t is a member of the closed enum.
func (t OperationType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete, OpItemCheck, OpItemUncheck:
		return true
	}
	return false
}

// ItemLevel reports whether the operation targets a single item rather
// than the whole list.
func (t OperationType) ItemLevel() bool {
	return t == OpItemCheck || t == OpItemUncheck
}

// Priority orders queue processing: deletes first so the server never
// applies updates to a list the client already removed.
func (t OperationType) Priority() int {
	switch t {
	case OpDelete:
		return 0
	case OpCreate:
		return 1
	case OpUpdate:
		return 2
	default:
		return 3
	}
}

// ConflictType classifies a detected disagreement between replicas.
type ConflictType string

const (
	ConflictVersionMismatch  ConflictType = "version-mismatch"
	ConflictItemState        ConflictType = "item-state"
	ConflictSimultaneousEdit ConflictType = "simultaneous-edit"
	ConflictTimestamp        ConflictType = "timestamp-conflict"
	ConflictContent          ConflictType = "content"
)

// ConflictSeverity grades how much data diverged.
type ConflictSeverity string

const (
	SeverityLow    ConflictSeverity = "low"
	SeverityMedium ConflictSeverity = "medium"
	SeverityHigh   ConflictSeverity = "high"
)

// ResolutionStrategy selects how conflicts are resolved. One strategy is
// configured for the whole sync layer; the cross-device manager derives
// its device-level behavior from the same policy.
type ResolutionStrategy string

const (
	StrategyLocalWins      ResolutionStrategy = "local-wins"
	StrategyServerWins     ResolutionStrategy = "server-wins"
	StrategyMerge          ResolutionStrategy = "merge"
	StrategyManual         ResolutionStrategy = "manual"
	StrategyTimestamp      ResolutionStrategy = "timestamp"
	StrategyDevicePriority ResolutionStrategy = "device-priority"
)

// Valid reports whether s is a member of the closed enum.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyLocalWins, StrategyServerWins, StrategyMerge,
		StrategyManual, StrategyTimestamp, StrategyDevicePriority:
		return true
	}
	return false
}

// DeviceType classifies the form factor of a registered device.
type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceDesktop DeviceType = "desktop"
)

// Valid reports whether t is a member of the closed enum.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceMobile, DeviceTablet, DeviceDesktop:
		return true
	}
	return false
}

// BackupSource records what triggered a backup.
type BackupSource string

const (
	BackupAuto   BackupSource = "auto"
	BackupManual BackupSource = "manual"
)

// Item is a single line on a shopping list.
type Item struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Quantity     float64    `json:"quantity"`
	Unit         string     `json:"unit"`
	Checked      bool       `json:"checked"`
	LastModified time.Time  `json:"lastModified"`
	SyncStatus   SyncStatus `json:"syncStatus"`
	RecipeID     string     `json:"recipeId,omitempty"`
	RecipeName   string     `json:"recipeName,omitempty"`
}

// EntryMetadata identifies and versions a shopping-list entry.
type EntryMetadata struct {
	ID            string     `json:"id"`
	MealPlanID    string     `json:"mealPlanId"`
	WeekStart     string     `json:"weekStartDate"`
	GeneratedAt   time.Time  `json:"generatedAt"`
	LastModified  time.Time  `json:"lastModified"`
	SyncStatus    SyncStatus `json:"syncStatus"`
	DeviceID      string     `json:"deviceId"`
	Version       int64      `json:"version"`
	SchemaVersion int        `json:"schemaVersion"`
}

// Entry is a shopping list plus its metadata: the unit of storage,
// versioning and sync. Categories maps a category name to its ordered
// items.
type Entry struct {
	Metadata   EntryMetadata     `json:"metadata"`
	Categories map[string][]Item `json:"shoppingList"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	out := &Entry{
		Metadata:   e.Metadata,
		Categories: make(map[string][]Item, len(e.Categories)),
	}
	for cat, items := range e.Categories {
		cp := make([]Item, len(items))
		copy(cp, items)
		out.Categories[cat] = cp
	}
	return out
}

// ItemCount returns the total number of items across all categories.
func (e *Entry) ItemCount() int {
	n := 0
	for _, items := range e.Categories {
		n += len(items)
	}
	return n
}

// FindItem returns the item with the given id, or nil.
func (e *Entry) FindItem(itemID string) *Item {
	for cat := range e.Categories {
		items := e.Categories[cat]
		for i := range items {
			if items[i].ID == itemID {
				return &items[i]
			}
		}
	}
	return nil
}

// SyncOperation is a queued, retryable intent to mutate server state.
type SyncOperation struct {
	ID             string          `json:"id"`
	Type           OperationType   `json:"type"`
	ShoppingListID string          `json:"shoppingListId"`
	ItemID         string          `json:"itemId,omitempty"`
	Payload        json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	RetryCount     int             `json:"retryCount"`
	MaxRetries     int             `json:"maxRetries"`
	LastError      string          `json:"lastError,omitempty"`
}

// Backup is an immutable snapshot of an entry usable for recovery.
type Backup struct {
	ID         string       `json:"id"`
	OriginalID string       `json:"originalId"`
	Timestamp  time.Time    `json:"timestamp"`
	Data       *Entry       `json:"data"`
	Checksum   string       `json:"checksum"`
	Size       int64        `json:"size"`
	Version    int64        `json:"version"`
	Source     BackupSource `json:"source"`
	Reason     string       `json:"reason,omitempty"`
	Tags       []string     `json:"tags,omitempty"`
}

// DeviceInfo describes one registered device belonging to the user.
type DeviceInfo struct {
	DeviceID        string     `json:"deviceId"`
	DeviceName      string     `json:"deviceName"`
	DeviceType      DeviceType `json:"deviceType"`
	LastSeen        time.Time  `json:"lastSeen"`
	IsCurrentDevice bool       `json:"isCurrentDevice"`
}

// ChangeNotification is a cross-device change broadcast: a device tells
// its peers that a list changed so they can refresh or detect conflicts.
type ChangeNotification struct {
	ShoppingListID string    `json:"shoppingListId"`
	DeviceID       string    `json:"deviceId"`
	Version        int64     `json:"version"`
	Timestamp      time.Time `json:"timestamp"`
	Entry          *Entry    `json:"entry,omitempty"`
}

// Conflict is a detected disagreement between two or more sources of
// truth for the same entry. Transient: produced during sync, consumed by
// a resolver, then discarded.
type Conflict struct {
	ID             string           `json:"id"`
	ShoppingListID string           `json:"shoppingListId"`
	Type           ConflictType     `json:"conflictType"`
	Severity       ConflictSeverity `json:"severity"`
	AutoResolvable bool             `json:"autoResolvable"`
	Local          *Entry           `json:"local,omitempty"`
	Remote         *Entry           `json:"remote,omitempty"`
	DeviceIDs      []string         `json:"deviceIds,omitempty"`
	DetectedAt     time.Time        `json:"detectedAt"`
	Context        string           `json:"context,omitempty"`
}

// Resolution is the outcome of resolving a conflict.
type Resolution struct {
	ConflictID  string             `json:"conflictId"`
	Strategy    ResolutionStrategy `json:"strategy"`
	Winner      *Entry             `json:"winner,omitempty"`
	WinnerID    string             `json:"winnerDeviceId,omitempty"`
	Confidence  float64            `json:"confidence"`
	Explanation string             `json:"explanation"`
	ResolvedAt  time.Time          `json:"resolvedAt"`
}

// SyncState summarizes the sync layer for the UI collaborator.
type SyncState struct {
	Online            bool       `json:"online"`
	Syncing           bool       `json:"syncing"`
	PendingOperations int        `json:"pendingOperations"`
	FailedOperations  int        `json:"failedOperations"`
	LastSync          *time.Time `json:"lastSync,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
}

// CrossDeviceState summarizes cross-device consistency for the UI.
type CrossDeviceState struct {
	DeviceID      string       `json:"deviceId"`
	KnownDevices  []DeviceInfo `json:"knownDevices"`
	ActiveDevices int          `json:"activeDevices"`
	LastDownload  *time.Time   `json:"lastDownload,omitempty"`
}

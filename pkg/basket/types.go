package basket

import "time"

// Item is one shopping-list item as the daemon serves it.
type Item struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Quantity     float64   `json:"quantity"`
	Unit         string    `json:"unit"`
	Checked      bool      `json:"checked"`
	LastModified time.Time `json:"lastModified"`
	SyncStatus   string    `json:"syncStatus"`
	RecipeID     string    `json:"recipeId,omitempty"`
	RecipeName   string    `json:"recipeName,omitempty"`
}

// Metadata identifies and versions a shopping list.
type Metadata struct {
	ID            string    `json:"id"`
	MealPlanID    string    `json:"mealPlanId"`
	WeekStart     string    `json:"weekStartDate"`
	GeneratedAt   time.Time `json:"generatedAt"`
	LastModified  time.Time `json:"lastModified"`
	SyncStatus    string    `json:"syncStatus"`
	DeviceID      string    `json:"deviceId"`
	Version       int64     `json:"version"`
	SchemaVersion int       `json:"schemaVersion"`
}

// List is a shopping list: its metadata plus items grouped by category.
type List struct {
	Metadata   Metadata          `json:"metadata"`
	Categories map[string][]Item `json:"shoppingList"`
}

// FindItem returns the item with the given id, or nil.
func (l *List) FindItem(id string) *Item {
	for cat := range l.Categories {
		items := l.Categories[cat]
		for i := range items {
			if items[i].ID == id {
				return &items[i]
			}
		}
	}
	return nil
}

// SyncState is the daemon's connection and queue state.
type SyncState struct {
	Online            bool       `json:"online"`
	Syncing           bool       `json:"syncing"`
	PendingOperations int        `json:"pendingOperations"`
	FailedOperations  int        `json:"failedOperations"`
	LastSync          *time.Time `json:"lastSync,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
}

// DeviceInfo describes one of the user's devices.
type DeviceInfo struct {
	DeviceID        string    `json:"deviceId"`
	DeviceName      string    `json:"deviceName"`
	DeviceType      string    `json:"deviceType"`
	LastSeen        time.Time `json:"lastSeen"`
	IsCurrentDevice bool      `json:"isCurrentDevice"`
}

// DeviceState is the daemon's cross-device view.
type DeviceState struct {
	DeviceID      string       `json:"deviceId"`
	KnownDevices  []DeviceInfo `json:"knownDevices"`
	ActiveDevices int          `json:"activeDevices"`
	LastDownload  *time.Time   `json:"lastDownload,omitempty"`
}

// Conflict is a disagreement between device replicas that the daemon
// could not resolve automatically. The UI shows it to the user, applies
// their choice as a normal update, then acknowledges the conflict.
type Conflict struct {
	ID             string    `json:"id"`
	ShoppingListID string    `json:"shoppingListId"`
	Type           string    `json:"conflictType"`
	Severity       string    `json:"severity"`
	AutoResolvable bool      `json:"autoResolvable"`
	Local          *List     `json:"local,omitempty"`
	Remote         *List     `json:"remote,omitempty"`
	DeviceIDs      []string  `json:"deviceIds,omitempty"`
	DetectedAt     time.Time `json:"detectedAt"`
	Context        string    `json:"context,omitempty"`
}

// SyncResult summarizes one manual sync pass.
type SyncResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

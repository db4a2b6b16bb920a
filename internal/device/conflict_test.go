package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basketd/basketd/internal/types"
)

func replicaEntry(deviceID string, version int64, modified time.Time, status types.SyncStatus) *types.Entry {
	return &types.Entry{
		Metadata: types.EntryMetadata{
			ID:            "list-1",
			MealPlanID:    "plan",
			WeekStart:     "2026-03-02",
			GeneratedAt:   modified.Add(-time.Hour),
			LastModified:  modified,
			SyncStatus:    status,
			DeviceID:      deviceID,
			Version:       version,
			SchemaVersion: types.CurrentSchemaVersion,
		},
		Categories: map[string][]types.Item{
			"produce": {
				{ID: "item-1", Name: "Carrots", Quantity: 2, Unit: "kg",
					LastModified: modified, SyncStatus: status},
			},
		},
	}
}

func resolverManager(strategy types.ResolutionStrategy) *Manager {
	return NewManager(nil, nil, nil, nil, Config{
		DeviceID: "device-a",
		Strategy: strategy,
	})
}

// --- DetectConflict Tests ---

func TestDetectConflict_IdenticalReplicas(t *testing.T) {
	now := time.Now().UTC()
	local := replicaEntry("device-a", 3, now, types.SyncStatusSynced)
	remote := replicaEntry("device-a", 3, now, types.SyncStatusSynced)
	if c := DetectConflict(local, remote, "device-a"); c != nil {
		t.Errorf("DetectConflict(identical) = %+v, want nil", c)
	}
}

func TestDetectConflict_SyncedLocalAcceptsNewerRemote(t *testing.T) {
	now := time.Now().UTC()
	local := replicaEntry("device-a", 3, now.Add(-time.Hour), types.SyncStatusSynced)
	remote := replicaEntry("device-b", 5, now, types.SyncStatusSynced)
	if c := DetectConflict(local, remote, "device-a"); c != nil {
		t.Errorf("DetectConflict(synced + newer remote) = %+v, want nil", c)
	}
}

func TestDetectConflict_SimultaneousEditWithinWindow(t *testing.T) {
	now := time.Now().UTC()
	local := replicaEntry("device-a", 4, now, types.SyncStatusPending)
	remote := replicaEntry("device-b", 4, now.Add(-10*time.Second), types.SyncStatusPending)

	c := DetectConflict(local, remote, "device-a")
	if c == nil {
		t.Fatal("DetectConflict() = nil, want simultaneous-edit conflict")
	}
	if c.Type != types.ConflictSimultaneousEdit {
		t.Errorf("Type = %s, want simultaneous-edit", c.Type)
	}
	if c.Severity != types.SeverityHigh {
		t.Errorf("Severity = %s, want high", c.Severity)
	}
	if c.AutoResolvable {
		t.Error("simultaneous edit marked auto-resolvable")
	}
}

func TestDetectConflict_EditsOutsideWindowAreVersionMismatch(t *testing.T) {
	now := time.Now().UTC()
	local := replicaEntry("device-a", 4, now, types.SyncStatusPending)
	remote := replicaEntry("device-b", 6, now.Add(-5*time.Minute), types.SyncStatusPending)

	c := DetectConflict(local, remote, "device-a")
	if c == nil {
		t.Fatal("DetectConflict() = nil, want version-mismatch conflict")
	}
	if c.Type != types.ConflictVersionMismatch {
		t.Errorf("Type = %s, want version-mismatch", c.Type)
	}
	if !c.AutoResolvable {
		t.Error("version mismatch not auto-resolvable")
	}
}

func TestDetectConflict_ItemStateDisagreement(t *testing.T) {
	now := time.Now().UTC()
	local := replicaEntry("device-a", 4, now, types.SyncStatusPending)
	remote := replicaEntry("device-b", 5, now.Add(-2*time.Minute), types.SyncStatusSynced)
	remote.Categories["produce"][0].Checked = true

	c := DetectConflict(local, remote, "device-a")
	if c == nil {
		t.Fatal("DetectConflict() = nil, want item-state conflict")
	}
	if c.Type != types.ConflictItemState {
		t.Errorf("Type = %s, want item-state", c.Type)
	}
	if c.Severity != types.SeverityLow {
		t.Errorf("Severity = %s, want low", c.Severity)
	}
}

func TestDetectConflict_NilSides(t *testing.T) {
	now := time.Now().UTC()
	entry := replicaEntry("device-a", 1, now, types.SyncStatusPending)
	if c := DetectConflict(nil, entry, "device-a"); c != nil {
		t.Error("DetectConflict(nil local) != nil")
	}
	if c := DetectConflict(entry, nil, "device-a"); c != nil {
		t.Error("DetectConflict(nil remote) != nil")
	}
}

// --- deriveStrategy Tests ---

func TestDeriveStrategy(t *testing.T) {
	tests := []struct {
		in   types.ResolutionStrategy
		want types.ResolutionStrategy
	}{
		{types.StrategyLocalWins, types.StrategyDevicePriority},
		{types.StrategyServerWins, types.StrategyTimestamp},
		{types.StrategyMerge, types.StrategyTimestamp},
		{types.StrategyManual, types.StrategyManual},
		{types.StrategyTimestamp, types.StrategyTimestamp},
		{types.StrategyDevicePriority, types.StrategyDevicePriority},
	}
	for _, tt := range tests {
		if got := deriveStrategy(tt.in); got != tt.want {
			t.Errorf("deriveStrategy(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// --- Resolve Tests ---

func TestResolve_TimestampPicksMostRecent(t *testing.T) {
	m := resolverManager(types.StrategyTimestamp)
	now := time.Now().UTC()
	local := replicaEntry("device-a", 4, now.Add(-time.Minute), types.SyncStatusPending)
	remote := replicaEntry("device-b", 4, now, types.SyncStatusPending)

	conflict := DetectConflict(local, remote, "device-a")
	if conflict == nil {
		t.Fatal("expected a conflict")
	}
	resolution, err := m.Resolve(context.Background(), *conflict)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if resolution.WinnerID != "device-b" {
		t.Errorf("WinnerID = %s, want most recent device-b", resolution.WinnerID)
	}
	if resolution.Confidence < 0.5 || resolution.Confidence > 0.99 {
		t.Errorf("Confidence = %v, want within [0.5, 0.99]", resolution.Confidence)
	}
	if resolution.Explanation == "" {
		t.Error("Explanation empty")
	}
}

func TestResolve_DevicePriorityKeepsLocal(t *testing.T) {
	m := resolverManager(types.StrategyLocalWins) // derives to device-priority
	now := time.Now().UTC()
	local := replicaEntry("device-a", 4, now.Add(-time.Minute), types.SyncStatusPending)
	remote := replicaEntry("device-b", 4, now, types.SyncStatusPending)

	conflict := DetectConflict(local, remote, "device-a")
	resolution, err := m.Resolve(context.Background(), *conflict)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if resolution.WinnerID != "device-a" {
		t.Errorf("WinnerID = %s, want local device-a despite older edit", resolution.WinnerID)
	}
	if resolution.Strategy != types.StrategyDevicePriority {
		t.Errorf("Strategy = %s, want device-priority", resolution.Strategy)
	}
}

func TestResolve_ManualRequiresHuman(t *testing.T) {
	m := resolverManager(types.StrategyManual)
	now := time.Now().UTC()
	local := replicaEntry("device-a", 4, now, types.SyncStatusPending)
	remote := replicaEntry("device-b", 4, now.Add(-5*time.Second), types.SyncStatusPending)

	conflict := DetectConflict(local, remote, "device-a")
	if conflict == nil {
		t.Fatal("expected a conflict")
	}
	_, err := m.Resolve(context.Background(), *conflict)
	if !errors.Is(err, ErrManualResolution) {
		t.Errorf("Resolve() error = %v, want ErrManualResolution", err)
	}
}

// --- ResolveMultiDevice Tests ---

func TestResolveMultiDevice_TimestampWinner(t *testing.T) {
	m := resolverManager(types.StrategyTimestamp)
	base := time.Now().UTC()
	edits := []DeviceEdit{
		{DeviceID: "device-a", EditedAt: base},
		{DeviceID: "device-b", EditedAt: base.Add(20 * time.Second)},
		{DeviceID: "device-c", EditedAt: base.Add(5 * time.Second)},
	}

	resolution, err := m.ResolveMultiDevice(context.Background(), "list-1", edits)
	if err != nil {
		t.Fatalf("ResolveMultiDevice() error: %v", err)
	}
	if resolution.WinnerID != "device-b" {
		t.Errorf("WinnerID = %s, want last editor device-b", resolution.WinnerID)
	}
	// Winner leads the runner-up by 15s over a 20s window: high confidence.
	want := 0.5 + 0.5*(15.0/20.0)
	if diff := resolution.Confidence - want; diff > 0.001 || diff < -0.001 {
		t.Errorf("Confidence = %v, want %v", resolution.Confidence, want)
	}
}

func TestResolveMultiDevice_DevicePriorityPrefersCurrentDevice(t *testing.T) {
	m := resolverManager(types.StrategyDevicePriority)
	base := time.Now().UTC()
	edits := []DeviceEdit{
		{DeviceID: "device-b", EditedAt: base.Add(20 * time.Second)},
		{DeviceID: "device-a", EditedAt: base},
	}

	resolution, err := m.ResolveMultiDevice(context.Background(), "list-1", edits)
	if err != nil {
		t.Fatalf("ResolveMultiDevice() error: %v", err)
	}
	if resolution.WinnerID != "device-a" {
		t.Errorf("WinnerID = %s, want current device-a", resolution.WinnerID)
	}
}

func TestResolveMultiDevice_NoEdits(t *testing.T) {
	m := resolverManager(types.StrategyTimestamp)
	if _, err := m.ResolveMultiDevice(context.Background(), "list-1", nil); err == nil {
		t.Error("ResolveMultiDevice(no edits) = nil error, want failure")
	}
}

// --- resolutionConfidence Tests ---

func TestResolutionConfidence_Bounds(t *testing.T) {
	tests := []struct {
		name   string
		margin time.Duration
		window time.Duration
		want   float64
	}{
		{"zero window", 0, 0, 0.5},
		{"no margin", 0, 30 * time.Second, 0.5},
		{"half margin", 15 * time.Second, 30 * time.Second, 0.75},
		{"full margin capped", 30 * time.Second, 30 * time.Second, 0.99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolutionConfidence(tt.margin, tt.window)
			if diff := got - tt.want; diff > 0.001 || diff < -0.001 {
				t.Errorf("resolutionConfidence(%v, %v) = %v, want %v", tt.margin, tt.window, got, tt.want)
			}
		})
	}
}

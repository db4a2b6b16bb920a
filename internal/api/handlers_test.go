package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basketd/basketd/internal/device"
	"github.com/basketd/basketd/internal/persist"
	"github.com/basketd/basketd/internal/syncqueue"
	"github.com/basketd/basketd/internal/types"
)

// fakeLists is an in-memory Lists implementation.
type fakeLists struct {
	entries map[string]*types.Entry
	session *persist.SessionStats
	err     error
}

func newFakeLists() *fakeLists {
	return &fakeLists{entries: map[string]*types.Entry{}}
}

func (f *fakeLists) StoreShoppingList(_ context.Context, entry *types.Entry) (*types.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	stored := entry.Clone()
	stored.Metadata.Version = 1
	stored.Metadata.SyncStatus = types.SyncStatusPending
	f.entries[stored.Metadata.ID] = stored
	return stored, nil
}

func (f *fakeLists) GetShoppingList(_ context.Context, id string) (*types.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	entry, ok := f.entries[id]
	if !ok {
		return nil, persist.ErrNotFound
	}
	return entry, nil
}

func (f *fakeLists) UpdateShoppingList(_ context.Context, entry *types.Entry) (*types.Entry, error) {
	current, ok := f.entries[entry.Metadata.ID]
	if !ok {
		return nil, persist.ErrNotFound
	}
	updated := entry.Clone()
	updated.Metadata.Version = current.Metadata.Version + 1
	f.entries[updated.Metadata.ID] = updated
	return updated, nil
}

func (f *fakeLists) DeleteShoppingList(_ context.Context, id string) error {
	if _, ok := f.entries[id]; !ok {
		return persist.ErrNotFound
	}
	delete(f.entries, id)
	return nil
}

func (f *fakeLists) ListShoppingLists(_ context.Context) ([]types.Entry, error) {
	var out []types.Entry
	for _, e := range f.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeLists) SetItemChecked(_ context.Context, listID, itemID string, checked bool) (*types.Entry, error) {
	entry, ok := f.entries[listID]
	if !ok {
		return nil, persist.ErrNotFound
	}
	item := entry.FindItem(itemID)
	if item == nil {
		return nil, persist.ErrNotFound
	}
	item.Checked = checked
	return entry, nil
}

func (f *fakeLists) SessionStats(_ context.Context) (*persist.SessionStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.session != nil {
		return f.session, nil
	}
	return &persist.SessionStats{DeviceID: "device-a", ListsTouched: []string{}}, nil
}

type fakeSync struct {
	state  types.SyncState
	result syncqueue.ProcessResult
	err    error
	runs   int
}

func (f *fakeSync) State(_ context.Context) types.SyncState { return f.state }

func (f *fakeSync) ProcessQueue(_ context.Context) (syncqueue.ProcessResult, error) {
	f.runs++
	if f.err != nil {
		return syncqueue.ProcessResult{}, f.err
	}
	return f.result, nil
}

type fakeDevices struct {
	state     types.CrossDeviceState
	conflicts []types.Conflict
}

func (f *fakeDevices) State(_ context.Context) (types.CrossDeviceState, error) {
	return f.state, nil
}

func (f *fakeDevices) PendingConflicts(_ context.Context) []types.Conflict {
	return f.conflicts
}

func (f *fakeDevices) AcknowledgeConflict(_ context.Context, id string) error {
	for i := range f.conflicts {
		if f.conflicts[i].ID == id {
			f.conflicts = append(f.conflicts[:i], f.conflicts[i+1:]...)
			return nil
		}
	}
	return device.ErrConflictNotFound
}

func apiEntry(id string) *types.Entry {
	now := time.Now().UTC()
	return &types.Entry{
		Metadata: types.EntryMetadata{
			ID:            id,
			MealPlanID:    "plan-1",
			WeekStart:     "2026-03-02",
			GeneratedAt:   now.Add(-time.Hour),
			LastModified:  now,
			SyncStatus:    types.SyncStatusPending,
			DeviceID:      "device-a",
			Version:       1,
			SchemaVersion: types.CurrentSchemaVersion,
		},
		Categories: map[string][]types.Item{
			"produce": {
				{ID: "item-1", Name: "Chard", Quantity: 1, Unit: "bunch",
					LastModified: now, SyncStatus: types.SyncStatusPending},
			},
		},
	}
}

type testAPI struct {
	lists   *fakeLists
	sync    *fakeSync
	devices *fakeDevices
	router  http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	a := &testAPI{
		lists:   newFakeLists(),
		sync:    &fakeSync{},
		devices: &fakeDevices{},
	}
	a.router = NewRouter(NewHandler(a.lists, a.sync, a.devices, "test"))
	return a
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

// --- List Endpoint Tests ---

func TestStoreList(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/lists", apiEntry("list-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", rec.Code, rec.Body)
	}
	var stored types.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stored.Metadata.ID != "list-1" || stored.Metadata.Version != 1 {
		t.Errorf("stored = %+v, want list-1 at version 1", stored.Metadata)
	}
}

func TestStoreList_MalformedBody(t *testing.T) {
	a := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/lists", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %s, want application/problem+json", ct)
	}
}

func TestGetList_NotFoundProblem(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/v1/lists/absent", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var problem struct {
		Type   string `json:"type"`
		Title  string `json:"title"`
		Status int    `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &problem); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if problem.Status != http.StatusNotFound || problem.Type == "" {
		t.Errorf("problem = %+v, want typed 404", problem)
	}
}

func TestListLists_EmptyIsArray(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/v1/lists/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %s, want empty JSON array", got)
	}
}

func TestUpdateList(t *testing.T) {
	a := newTestAPI(t)
	if rec := a.do(t, http.MethodPost, "/api/v1/lists", apiEntry("list-1")); rec.Code != http.StatusCreated {
		t.Fatalf("seed failed: %d", rec.Code)
	}

	rec := a.do(t, http.MethodPut, "/api/v1/lists/list-1", apiEntry("list-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var updated types.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if updated.Metadata.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Metadata.Version)
	}
}

func TestUpdateList_IDMismatch(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPut, "/api/v1/lists/list-1", apiEntry("list-2"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for mismatched ids", rec.Code)
	}
}

func TestDeleteList(t *testing.T) {
	a := newTestAPI(t)
	if rec := a.do(t, http.MethodPost, "/api/v1/lists", apiEntry("list-1")); rec.Code != http.StatusCreated {
		t.Fatalf("seed failed: %d", rec.Code)
	}

	rec := a.do(t, http.MethodDelete, "/api/v1/lists/list-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/api/v1/lists/list-1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", rec.Code)
	}
}

func TestCheckItem(t *testing.T) {
	a := newTestAPI(t)
	if rec := a.do(t, http.MethodPost, "/api/v1/lists", apiEntry("list-1")); rec.Code != http.StatusCreated {
		t.Fatalf("seed failed: %d", rec.Code)
	}

	rec := a.do(t, http.MethodPatch, "/api/v1/lists/list-1/items/item-1/check",
		map[string]bool{"checked": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var entry types.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if item := entry.FindItem("item-1"); item == nil || !item.Checked {
		t.Errorf("item = %+v, want checked", item)
	}
}

func TestCheckItem_UnknownItem(t *testing.T) {
	a := newTestAPI(t)
	if rec := a.do(t, http.MethodPost, "/api/v1/lists", apiEntry("list-1")); rec.Code != http.StatusCreated {
		t.Fatalf("seed failed: %d", rec.Code)
	}

	rec := a.do(t, http.MethodPatch, "/api/v1/lists/list-1/items/item-99/check",
		map[string]bool{"checked": true})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// --- Sync Endpoint Tests ---

func TestSyncStatus(t *testing.T) {
	a := newTestAPI(t)
	a.sync.state = types.SyncState{Online: true, PendingOperations: 4, FailedOperations: 1}

	rec := a.do(t, http.MethodGet, "/api/v1/sync/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var state types.SyncState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !state.Online || state.PendingOperations != 4 || state.FailedOperations != 1 {
		t.Errorf("state = %+v", state)
	}
}

func TestTriggerSync(t *testing.T) {
	a := newTestAPI(t)
	a.sync.result = syncqueue.ProcessResult{Processed: 3, Succeeded: 2, Failed: 1}

	rec := a.do(t, http.MethodPost, "/api/v1/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if a.sync.runs != 1 {
		t.Errorf("ProcessQueue ran %d times, want 1", a.sync.runs)
	}
	var result syncResultResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Processed != 3 || result.Succeeded != 2 || result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestSessionStats(t *testing.T) {
	a := newTestAPI(t)
	a.lists.session = &persist.SessionStats{
		SessionID:    "device-a-1700000000000",
		DeviceID:     "device-a",
		ListsTouched: []string{"list-1", "list-2"},
		Active:       true,
	}

	rec := a.do(t, http.MethodGet, "/api/v1/session", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats persist.SessionStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.SessionID != "device-a-1700000000000" || !stats.Active {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.ListsTouched) != 2 {
		t.Errorf("listsTouched = %v, want 2 entries", stats.ListsTouched)
	}
}

// --- Device and Health Endpoint Tests ---

func TestDeviceStatus(t *testing.T) {
	a := newTestAPI(t)
	a.devices.state = types.CrossDeviceState{
		DeviceID:      "device-a",
		KnownDevices:  []types.DeviceInfo{{DeviceID: "device-a"}, {DeviceID: "device-b"}},
		ActiveDevices: 2,
	}

	rec := a.do(t, http.MethodGet, "/api/v1/devices/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var state types.CrossDeviceState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if state.DeviceID != "device-a" || len(state.KnownDevices) != 2 {
		t.Errorf("state = %+v", state)
	}
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	a.sync.state = types.SyncState{Online: true, PendingOperations: 2}

	rec := a.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "healthy" || resp.Version != "test" || !resp.Online || resp.Pending != 2 {
		t.Errorf("health = %+v", resp)
	}
}

// --- Conflict Endpoint Tests ---

func TestListConflicts_EmptyIsArray(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/v1/conflicts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestAcknowledgeConflict(t *testing.T) {
	a := newTestAPI(t)
	a.devices.conflicts = []types.Conflict{
		{ID: "conf-1", ShoppingListID: "list-1", Type: types.ConflictSimultaneousEdit},
	}

	rec := a.do(t, http.MethodGet, "/api/v1/conflicts", nil)
	var conflicts []types.Conflict
	if err := json.Unmarshal(rec.Body.Bytes(), &conflicts); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].ID != "conf-1" {
		t.Fatalf("conflicts = %+v", conflicts)
	}

	if rec := a.do(t, http.MethodDelete, "/api/v1/conflicts/conf-1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("acknowledge status = %d, want 204", rec.Code)
	}
	if rec := a.do(t, http.MethodDelete, "/api/v1/conflicts/conf-1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second acknowledge status = %d, want 404", rec.Code)
	}
}

// --- Error Mapping Tests ---

func TestMapPersistError_NeverLeaksInternals(t *testing.T) {
	a := newTestAPI(t)
	a.lists.err = context.DeadlineExceeded

	rec := a.do(t, http.MethodGet, "/api/v1/lists/list-1", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "deadline") {
		t.Errorf("response leaks internal error text: %s", rec.Body)
	}
}

package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/basketd/basketd/internal/server"
	"github.com/basketd/basketd/internal/store"
	"github.com/basketd/basketd/internal/types"
)

// --- Fakes ---

type fakeStore struct {
	mu      sync.Mutex
	ops     map[string]types.SyncOperation
	entries map[string]*store.EntryRecord
	puts    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ops:     make(map[string]types.SyncOperation),
		entries: make(map[string]*store.EntryRecord),
	}
}

func (f *fakeStore) EnqueueOperation(ctx context.Context, op *types.SyncOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops[op.ID] = *op
	return nil
}

func (f *fakeStore) RemoveOperation(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ops, id)
	return nil
}

func (f *fakeStore) GetOperation(ctx context.Context, id string) (*types.SyncOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok {
		return nil, store.ErrOperationNotFound
	}
	return &op, nil
}

func (f *fakeStore) FindOperation(ctx context.Context, opType types.OperationType, listID, itemID string) (*types.SyncOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range f.ops {
		if op.Type == opType && op.ShoppingListID == listID && op.ItemID == itemID {
			found := op
			return &found, nil
		}
	}
	return nil, store.ErrOperationNotFound
}

func (f *fakeStore) ListPendingOperations(ctx context.Context) ([]types.SyncOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.SyncOperation
	for _, op := range f.ops {
		if op.RetryCount <= op.MaxRetries {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type.Priority() != out[j].Type.Priority() {
			return out[i].Type.Priority() < out[j].Type.Priority()
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (f *fakeStore) CountPendingOperations(ctx context.Context) (int, error) {
	ops, _ := f.ListPendingOperations(ctx)
	return len(ops), nil
}

func (f *fakeStore) CountFailedOperations(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, op := range f.ops {
		if op.RetryCount > op.MaxRetries {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) RemoveOperationsForList(ctx context.Context, listID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed []string
	for id, op := range f.ops {
		if op.ShoppingListID == listID {
			removed = append(removed, id)
			delete(f.ops, id)
		}
	}
	return removed, nil
}

func (f *fakeStore) GetEntryRecord(ctx context.Context, id string) (*store.EntryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) PutEntry(ctx context.Context, entry *types.Entry, checksum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.entries[entry.Metadata.ID] = &store.EntryRecord{Entry: entry.Clone(), Checksum: checksum}
	return nil
}

func (f *fakeStore) DeleteEntry(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
	return nil
}

func (f *fakeStore) opCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ops)
}

type fakeRemote struct {
	mu          sync.Mutex
	err         error
	conflict    *types.Entry // non-nil: first call returns ConflictError
	created     []string
	updated     []*types.Entry
	deleted     []string
	patched     []string
	updateEchos bool          // echo the submitted entry back as accepted
	entered     chan struct{} // receives when a create reaches the remote
	release     chan struct{} // creates block until closed
}

func (f *fakeRemote) fail(err error) { f.mu.Lock(); f.err = err; f.mu.Unlock() }

func (f *fakeRemote) takeConflict() *types.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conflict
	f.conflict = nil
	return c
}

func (f *fakeRemote) CreateList(ctx context.Context, entry *types.Entry) (*types.Entry, error) {
	f.mu.Lock()
	err := f.err
	entered, release := f.entered, f.release
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	if c := f.takeConflict(); c != nil {
		return nil, &server.ConflictError{Server: c}
	}
	f.mu.Lock()
	f.created = append(f.created, entry.Metadata.ID)
	f.mu.Unlock()
	return entry.Clone(), nil
}

func (f *fakeRemote) UpdateList(ctx context.Context, entry *types.Entry) (*types.Entry, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if c := f.takeConflict(); c != nil {
		return nil, &server.ConflictError{Server: c}
	}
	f.mu.Lock()
	f.updated = append(f.updated, entry.Clone())
	f.mu.Unlock()
	return entry.Clone(), nil
}

func (f *fakeRemote) DeleteList(ctx context.Context, id string, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRemote) PatchItemCheck(ctx context.Context, listID, itemID string, checked bool, lastModified time.Time, version int64, deviceID string) (*types.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.patched = append(f.patched, listID+"/"+itemID)
	return nil, nil
}

type fakeOnline struct{ online bool }

func (f *fakeOnline) IsOnline() bool { return f.online }

type fakeBackups struct {
	mu    sync.Mutex
	count int
}

func (f *fakeBackups) CreateBackup(ctx context.Context, entry *types.Entry, source types.BackupSource, reason string) (*types.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return &types.Backup{ID: "backup", OriginalID: entry.Metadata.ID}, nil
}

func fakeChecksum(entry *types.Entry) (string, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	return string(rune(len(raw))) + entry.Metadata.ID, nil
}

func testEntry(id string, version int64) *types.Entry {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	return &types.Entry{
		Metadata: types.EntryMetadata{
			ID:            id,
			MealPlanID:    "plan",
			WeekStart:     "2026-03-02",
			GeneratedAt:   now.Add(-time.Hour),
			LastModified:  now,
			SyncStatus:    types.SyncStatusPending,
			DeviceID:      "device-a",
			Version:       version,
			SchemaVersion: types.CurrentSchemaVersion,
		},
		Categories: map[string][]types.Item{
			"produce": {
				{ID: "item-1", Name: "Carrots", Quantity: 2, Unit: "kg",
					LastModified: now, SyncStatus: types.SyncStatusPending},
			},
		},
	}
}

func newTestManager(s *fakeStore, remote *fakeRemote, online *fakeOnline) *Manager {
	return NewManager(s, remote, online, &fakeBackups{}, fakeChecksum, Config{
		BatchSize:  10,
		BaseDelay:  time.Second,
		MaxDelay:   8 * time.Second,
		MaxRetries: 3,
		Strategy:   types.StrategyLocalWins,
		DeviceID:   "device-a",
	})
}

// --- Enqueue Tests ---

func TestEnqueue_RejectsInvalidOperation(t *testing.T) {
	m := newTestManager(newFakeStore(), &fakeRemote{}, &fakeOnline{})
	defer m.Close()

	tests := []struct {
		name string
		op   *types.SyncOperation
	}{
		{"missing list id", &types.SyncOperation{
			ID: "op-1", Type: types.OpUpdate, Timestamp: time.Now(), MaxRetries: 3}},
		{"malformed id", &types.SyncOperation{
			ID: "not-a-ulid", Type: types.OpUpdate, ShoppingListID: "list-1",
			Timestamp: time.Now(), MaxRetries: 3}},
		{"unknown type", &types.SyncOperation{
			ID: "op-2", Type: "rename", ShoppingListID: "list-1",
			Timestamp: time.Now(), MaxRetries: 3}},
		{"item op without item id", &types.SyncOperation{
			ID: "op-3", Type: types.OpItemCheck, ShoppingListID: "list-1",
			Timestamp: time.Now(), MaxRetries: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Enqueue(context.Background(), tt.op)
			if !errors.Is(err, ErrInvalidOperation) {
				t.Errorf("Enqueue() error = %v, want ErrInvalidOperation", err)
			}
		})
	}
}

func TestEnqueue_DeduplicatesSameTarget(t *testing.T) {
	s := newFakeStore()
	m := newTestManager(s, &fakeRemote{}, &fakeOnline{})
	defer m.Close()
	ctx := context.Background()

	first, err := m.NewOperation(types.OpUpdate, "list-1", "", map[string]any{"rev": 1})
	if err != nil {
		t.Fatalf("NewOperation() error: %v", err)
	}
	if err := m.Enqueue(ctx, first); err != nil {
		t.Fatalf("Enqueue(first) error: %v", err)
	}

	second, _ := m.NewOperation(types.OpUpdate, "list-1", "", map[string]any{"rev": 2})
	if err := m.Enqueue(ctx, second); err != nil {
		t.Fatalf("Enqueue(second) error: %v", err)
	}

	if got := s.opCount(); got != 1 {
		t.Fatalf("queued operations = %d, want 1 after dedup", got)
	}
	// The surviving operation keeps the first id but carries the newer payload.
	merged, err := s.GetOperation(ctx, first.ID)
	if err != nil {
		t.Fatalf("merged operation gone: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(merged.Payload, &payload); err != nil {
		t.Fatalf("decode merged payload: %v", err)
	}
	if payload["rev"] != float64(2) {
		t.Errorf("merged payload rev = %v, want 2", payload["rev"])
	}
	if merged.RetryCount != 0 {
		t.Errorf("merged RetryCount = %d, want reset to 0", merged.RetryCount)
	}
}

func TestEnqueue_DifferentItemsNotDeduplicated(t *testing.T) {
	s := newFakeStore()
	m := newTestManager(s, &fakeRemote{}, &fakeOnline{})
	defer m.Close()
	ctx := context.Background()

	a, _ := m.NewOperation(types.OpItemCheck, "list-1", "item-1", ItemCheckPayload{Checked: true})
	b, _ := m.NewOperation(types.OpItemCheck, "list-1", "item-2", ItemCheckPayload{Checked: true})
	if err := m.Enqueue(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := m.Enqueue(ctx, b); err != nil {
		t.Fatal(err)
	}
	if got := s.opCount(); got != 2 {
		t.Errorf("queued operations = %d, want 2", got)
	}
}

func TestEnqueue_DeleteSupersedesQueuedOperations(t *testing.T) {
	s := newFakeStore()
	m := newTestManager(s, &fakeRemote{}, &fakeOnline{})
	defer m.Close()
	ctx := context.Background()

	upd, _ := m.NewOperation(types.OpUpdate, "list-1", "", nil)
	chk, _ := m.NewOperation(types.OpItemCheck, "list-1", "item-1", ItemCheckPayload{Checked: true})
	other, _ := m.NewOperation(types.OpUpdate, "list-2", "", nil)
	for _, op := range []*types.SyncOperation{upd, chk, other} {
		if err := m.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	del, _ := m.NewOperation(types.OpDelete, "list-1", "", nil)
	if err := m.Enqueue(ctx, del); err != nil {
		t.Fatalf("Enqueue(delete) error: %v", err)
	}

	if got := s.opCount(); got != 2 {
		t.Fatalf("queued operations = %d, want delete + unrelated", got)
	}
	if _, err := s.GetOperation(ctx, del.ID); err != nil {
		t.Error("delete operation missing from queue")
	}
	if _, err := s.GetOperation(ctx, other.ID); err != nil {
		t.Error("operation for other list was superseded")
	}
}

// --- ProcessQueue Tests ---

func TestProcessQueue_OfflineIsNoop(t *testing.T) {
	s := newFakeStore()
	remote := &fakeRemote{}
	m := newTestManager(s, remote, &fakeOnline{online: false})
	defer m.Close()
	ctx := context.Background()

	op, _ := m.NewOperation(types.OpUpdate, "list-1", "", nil)
	if err := m.Enqueue(ctx, op); err != nil {
		t.Fatal(err)
	}

	result, err := m.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue() error: %v", err)
	}
	if result.Processed != 0 {
		t.Errorf("Processed = %d, want 0 while offline", result.Processed)
	}
	if got := s.opCount(); got != 1 {
		t.Errorf("queued operations = %d, want untouched 1", got)
	}
}

func TestProcessQueue_CommitsAndMarksSynced(t *testing.T) {
	s := newFakeStore()
	remote := &fakeRemote{}
	m := newTestManager(s, remote, &fakeOnline{online: true})
	defer m.Close()
	ctx := context.Background()

	entry := testEntry("list-1", 1)
	if err := s.PutEntry(ctx, entry, "sum"); err != nil {
		t.Fatal(err)
	}
	op, _ := m.NewOperation(types.OpCreate, "list-1", "", nil)
	if err := m.Enqueue(ctx, op); err != nil {
		t.Fatal(err)
	}

	result, err := m.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue() error: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 0 {
		t.Errorf("result = %+v, want one success", result)
	}
	if got := s.opCount(); got != 0 {
		t.Errorf("queued operations = %d, want 0 after commit", got)
	}

	rec, err := s.GetEntryRecord(ctx, "list-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Entry.Metadata.SyncStatus != types.SyncStatusSynced {
		t.Errorf("entry SyncStatus = %s, want synced", rec.Entry.Metadata.SyncStatus)
	}
	for _, item := range rec.Entry.Categories["produce"] {
		if item.SyncStatus != types.SyncStatusSynced {
			t.Errorf("item %s SyncStatus = %s, want synced", item.ID, item.SyncStatus)
		}
	}
}

func TestProcessQueue_DeleteReachesServer(t *testing.T) {
	s := newFakeStore()
	remote := &fakeRemote{}
	m := newTestManager(s, remote, &fakeOnline{online: true})
	defer m.Close()
	ctx := context.Background()

	op, _ := m.NewOperation(types.OpDelete, "list-1", "", deletePayload{Version: 4})
	if err := m.Enqueue(ctx, op); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ProcessQueue(ctx); err != nil {
		t.Fatal(err)
	}
	if len(remote.deleted) != 1 || remote.deleted[0] != "list-1" {
		t.Errorf("deleted = %v, want [list-1]", remote.deleted)
	}
	if got := s.opCount(); got != 0 {
		t.Errorf("queued operations = %d, want 0", got)
	}
}

func TestProcessQueue_TransientFailureSchedulesRetry(t *testing.T) {
	s := newFakeStore()
	remote := &fakeRemote{}
	remote.fail(errors.New("connection refused"))
	m := newTestManager(s, remote, &fakeOnline{online: true})
	defer m.Close()
	ctx := context.Background()

	if err := s.PutEntry(ctx, testEntry("list-1", 1), "sum"); err != nil {
		t.Fatal(err)
	}
	op, _ := m.NewOperation(types.OpUpdate, "list-1", "", nil)
	if err := m.Enqueue(ctx, op); err != nil {
		t.Fatal(err)
	}

	result, err := m.ProcessQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}

	stored, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatal("failed operation left the queue")
	}
	if stored.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", stored.RetryCount)
	}
	if stored.LastError == "" {
		t.Error("LastError empty after failure")
	}
}

func TestProcessQueue_AbandonedOperationStaysQueued(t *testing.T) {
	s := newFakeStore()
	remote := &fakeRemote{}
	remote.fail(errors.New("server down"))
	m := newTestManager(s, remote, &fakeOnline{online: true})
	defer m.Close()
	ctx := context.Background()

	if err := s.PutEntry(ctx, testEntry("list-1", 1), "sum"); err != nil {
		t.Fatal(err)
	}
	op, _ := m.NewOperation(types.OpUpdate, "list-1", "", nil)
	op.RetryCount = 3 // full retry budget already spent
	if err := s.EnqueueOperation(ctx, op); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ProcessQueue(ctx); err != nil {
		t.Fatal(err)
	}

	// Spent budget: the operation is abandoned but never dropped.
	stored, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatal("abandoned operation was dropped")
	}
	if stored.RetryCount != 4 {
		t.Errorf("RetryCount = %d, want 4", stored.RetryCount)
	}
	failed, _ := s.CountFailedOperations(ctx)
	if failed != 1 {
		t.Errorf("failed operations = %d, want 1", failed)
	}
	pending, _ := s.CountPendingOperations(ctx)
	if pending != 0 {
		t.Errorf("pending operations = %d, want 0", pending)
	}
}

func TestProcessQueue_ConcurrentCallersShareOnePass(t *testing.T) {
	s := newFakeStore()
	remote := &fakeRemote{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	m := newTestManager(s, remote, &fakeOnline{online: true})
	defer m.Close()
	ctx := context.Background()

	if err := s.PutEntry(ctx, testEntry("list-1", 1), "sum"); err != nil {
		t.Fatal(err)
	}
	op, _ := m.NewOperation(types.OpCreate, "list-1", "", nil)
	if err := m.Enqueue(ctx, op); err != nil {
		t.Fatal(err)
	}

	first := make(chan ProcessResult, 1)
	go func() {
		res, err := m.ProcessQueue(ctx)
		if err != nil {
			t.Errorf("first ProcessQueue() error: %v", err)
		}
		first <- res
	}()

	// Hold the pass inside the remote call, then start a second caller.
	<-remote.entered
	second := make(chan ProcessResult, 1)
	go func() {
		res, err := m.ProcessQueue(ctx)
		if err != nil {
			t.Errorf("second ProcessQueue() error: %v", err)
		}
		second <- res
	}()

	// Wait until the second caller is parked on the in-flight pass.
	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		parked := len(m.waiters) == 1
		m.mu.Unlock()
		if parked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second caller never joined the in-flight pass")
		}
		time.Sleep(time.Millisecond)
	}
	close(remote.release)

	res1 := <-first
	res2 := <-second
	if res1 != res2 {
		t.Errorf("results diverged: %+v vs %+v", res1, res2)
	}
	if res1.Processed != 1 || res1.Succeeded != 1 {
		t.Errorf("result = %+v, want one processed success", res1)
	}

	remote.mu.Lock()
	creates := len(remote.created)
	remote.mu.Unlock()
	if creates != 1 {
		t.Errorf("remote creates = %d, want 1 for two concurrent callers", creates)
	}
}

func TestScheduleRetry_ArmsFullBackoffSequence(t *testing.T) {
	s := newFakeStore()
	remote := &fakeRemote{}
	remote.fail(errors.New("server down"))
	m := newTestManager(s, remote, &fakeOnline{online: true})
	defer m.Close()
	ctx := context.Background()

	if err := s.PutEntry(ctx, testEntry("list-1", 1), "sum"); err != nil {
		t.Fatal(err)
	}
	op, _ := m.NewOperation(types.OpUpdate, "list-1", "", nil)
	op.RetryCount = 2 // two of three retries used
	if err := s.EnqueueOperation(ctx, op); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ProcessQueue(ctx); err != nil {
		t.Fatal(err)
	}

	// The last retry of the budget still gets its 4s delay armed
	// instead of the operation being abandoned one step early.
	stored, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", stored.RetryCount)
	}
	m.mu.Lock()
	_, armed := m.timers[op.ID]
	m.mu.Unlock()
	if !armed {
		t.Error("no retry timer armed for the final retry")
	}
	failed, _ := s.CountFailedOperations(ctx)
	if failed != 0 {
		t.Errorf("failed operations = %d, want 0 while a retry is still due", failed)
	}
	pending, _ := s.CountPendingOperations(ctx)
	if pending != 1 {
		t.Errorf("pending operations = %d, want 1", pending)
	}
}

// --- Conflict Tests ---

func TestProcessQueue_ConflictLocalWins(t *testing.T) {
	s := newFakeStore()
	serverCopy := testEntry("list-1", 7)
	serverCopy.Categories["produce"][0].Checked = true
	remote := &fakeRemote{conflict: serverCopy}
	m := newTestManager(s, remote, &fakeOnline{online: true})
	defer m.Close()
	ctx := context.Background()

	local := testEntry("list-1", 3)
	if err := s.PutEntry(ctx, local, "sum"); err != nil {
		t.Fatal(err)
	}
	op, _ := m.NewOperation(types.OpUpdate, "list-1", "", nil)
	if err := m.Enqueue(ctx, op); err != nil {
		t.Fatal(err)
	}

	result, err := m.ProcessQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", result.Conflicts)
	}
	if got := s.opCount(); got != 0 {
		t.Errorf("queued operations = %d, want resolved 0", got)
	}

	// Local content won and was re-pushed above the server version.
	if len(remote.updated) != 1 {
		t.Fatalf("resolution pushes = %d, want 1", len(remote.updated))
	}
	pushed := remote.updated[0]
	if pushed.Metadata.Version != 8 {
		t.Errorf("resolved version = %d, want server version + 1", pushed.Metadata.Version)
	}
	if pushed.Categories["produce"][0].Checked {
		t.Error("server item state overwrote the local winner")
	}

	rec, _ := s.GetEntryRecord(ctx, "list-1")
	if rec.Entry.Metadata.SyncStatus != types.SyncStatusSynced {
		t.Errorf("final SyncStatus = %s, want synced", rec.Entry.Metadata.SyncStatus)
	}
}

func TestProcessQueue_ConflictServerWins(t *testing.T) {
	s := newFakeStore()
	serverCopy := testEntry("list-1", 9)
	serverCopy.Categories["produce"][0].Name = "Parsnips"
	remote := &fakeRemote{conflict: serverCopy}
	backups := &fakeBackups{}
	m := NewManager(s, remote, &fakeOnline{online: true}, backups, fakeChecksum, Config{
		BatchSize: 10, BaseDelay: time.Second, MaxDelay: 8 * time.Second,
		MaxRetries: 3, Strategy: types.StrategyServerWins, DeviceID: "device-a",
	})
	defer m.Close()
	ctx := context.Background()

	if err := s.PutEntry(ctx, testEntry("list-1", 3), "sum"); err != nil {
		t.Fatal(err)
	}
	op, _ := m.NewOperation(types.OpUpdate, "list-1", "", nil)
	if err := m.Enqueue(ctx, op); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ProcessQueue(ctx); err != nil {
		t.Fatal(err)
	}

	rec, _ := s.GetEntryRecord(ctx, "list-1")
	if rec.Entry.Categories["produce"][0].Name != "Parsnips" {
		t.Errorf("local name = %q, want server copy adopted", rec.Entry.Categories["produce"][0].Name)
	}
	if rec.Entry.Metadata.Version != 9 {
		t.Errorf("version = %d, want server version 9", rec.Entry.Metadata.Version)
	}
	if backups.count == 0 {
		t.Error("no backup taken before the resolution overwrote local state")
	}
}

func TestProcessQueue_ConflictManualLeavesOperationQueued(t *testing.T) {
	s := newFakeStore()
	remote := &fakeRemote{conflict: testEntry("list-1", 9)}
	m := NewManager(s, remote, &fakeOnline{online: true}, &fakeBackups{}, fakeChecksum, Config{
		BatchSize: 10, BaseDelay: time.Second, MaxDelay: 8 * time.Second,
		MaxRetries: 3, Strategy: types.StrategyManual, DeviceID: "device-a",
	})
	defer m.Close()
	ctx := context.Background()

	var raised []types.Conflict
	m.SubscribeConflicts(func(c types.Conflict) { raised = append(raised, c) })

	if err := s.PutEntry(ctx, testEntry("list-1", 3), "sum"); err != nil {
		t.Fatal(err)
	}
	op, _ := m.NewOperation(types.OpUpdate, "list-1", "", nil)
	if err := m.Enqueue(ctx, op); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ProcessQueue(ctx); err != nil {
		t.Fatal(err)
	}

	if got := s.opCount(); got != 1 {
		t.Errorf("queued operations = %d, want 1 pending manual resolution", got)
	}
	if len(raised) != 1 {
		t.Fatalf("conflicts raised = %d, want 1", len(raised))
	}
	if raised[0].AutoResolvable {
		t.Error("manual conflict marked auto-resolvable")
	}
	rec, _ := s.GetEntryRecord(ctx, "list-1")
	if rec.Entry.Metadata.SyncStatus != types.SyncStatusConflict {
		t.Errorf("entry SyncStatus = %s, want conflict", rec.Entry.Metadata.SyncStatus)
	}
}

// --- MergeEntries Tests ---

func TestMergeEntries_ServerStructureLatestItemState(t *testing.T) {
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	local := testEntry("list-1", 3)
	local.Categories["produce"][0].Checked = true
	local.Categories["produce"][0].LastModified = base.Add(time.Minute)
	// Item only known locally: structure comes from the server, so it stays gone.
	local.Categories["produce"] = append(local.Categories["produce"], types.Item{
		ID: "item-99", Name: "Ghost", Quantity: 1, Unit: "piece",
		LastModified: base, SyncStatus: types.SyncStatusPending,
	})

	remote := testEntry("list-1", 7)
	remote.Categories["produce"][0].Checked = false
	remote.Categories["produce"][0].LastModified = base.Add(-time.Minute)

	merged := MergeEntries(local, remote)

	if merged.FindItem("item-99") != nil {
		t.Error("locally-added item resurrected into server structure")
	}
	item := merged.FindItem("item-1")
	if item == nil {
		t.Fatal("merged entry lost item-1")
	}
	// Local edit is newer, so its checked state wins.
	if !item.Checked {
		t.Error("older server state won the checked field")
	}
}

// --- State Tests ---

func TestState_ReportsCounts(t *testing.T) {
	s := newFakeStore()
	m := newTestManager(s, &fakeRemote{}, &fakeOnline{online: true})
	defer m.Close()
	ctx := context.Background()

	op, _ := m.NewOperation(types.OpUpdate, "list-1", "", nil)
	if err := m.Enqueue(ctx, op); err != nil {
		t.Fatal(err)
	}

	state := m.State(ctx)
	if !state.Online {
		t.Error("State.Online = false, want true")
	}
	if state.PendingOperations != 1 {
		t.Errorf("PendingOperations = %d, want 1", state.PendingOperations)
	}
	if state.Syncing {
		t.Error("Syncing = true with no pass running")
	}
}

// --- Backoff Tests ---

func TestBackoffDelay(t *testing.T) {
	base := 1000 * time.Millisecond
	cap := 8000 * time.Millisecond
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 1000 * time.Millisecond},
		{2, 2000 * time.Millisecond},
		{3, 4000 * time.Millisecond},
		{4, 8000 * time.Millisecond},
		{5, 8000 * time.Millisecond}, // capped
		{0, 1000 * time.Millisecond}, // clamped to first attempt
	}
	for _, tt := range tests {
		if got := backoffDelay(base, cap, tt.retry); got != tt.want {
			t.Errorf("backoffDelay(retry=%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

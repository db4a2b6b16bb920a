package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/basketd/basketd/internal/api"
	"github.com/basketd/basketd/internal/connection"
	"github.com/basketd/basketd/internal/device"
	"github.com/basketd/basketd/internal/integrity"
	"github.com/basketd/basketd/internal/persist"
	"github.com/basketd/basketd/internal/server"
	"github.com/basketd/basketd/internal/store"
	"github.com/basketd/basketd/internal/syncqueue"
	"github.com/basketd/basketd/internal/types"
	"github.com/basketd/basketd/pkg/basket"
)

// --- Fake Central Server ---

// central is an in-memory stand-in for the remote sync server. Tests
// toggle it down to simulate connectivity loss and arm one-shot
// conflicts to exercise resolution paths.
type central struct {
	mu       sync.Mutex
	entries  map[string]*types.Entry
	devices  map[string]types.DeviceInfo
	down     bool
	conflict map[string]*types.Entry

	creates int
	updates int
	deletes int
}

func newCentral() *central {
	return &central{
		entries:  make(map[string]*types.Entry),
		devices:  make(map[string]types.DeviceInfo),
		conflict: make(map[string]*types.Entry),
	}
}

func (c *central) setDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

// seed plants an entry server-side, as if another device uploaded it.
func (c *central) seed(entry *types.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Metadata.ID] = entry.Clone()
}

// armConflict makes the next update of listID answer 409 with the given
// server-side copy.
func (c *central) armConflict(listID string, serverCopy *types.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflict[listID] = serverCopy
	c.entries[listID] = serverCopy.Clone()
}

func (c *central) entry(id string) *types.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return e.Clone()
	}
	return nil
}

func (c *central) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

func (c *central) unavailable(w http.ResponseWriter) bool {
	if c.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	}
	return false
}

func (c *central) handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.unavailable(w) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/v1/lists", func(w http.ResponseWriter, req *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.unavailable(w) {
			return
		}
		var entry types.Entry
		if err := json.NewDecoder(req.Body).Decode(&entry); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.creates++
		accepted := entry.Clone()
		accepted.Metadata.SyncStatus = types.SyncStatusSynced
		c.entries[accepted.Metadata.ID] = accepted
		writeJSON(w, http.StatusCreated, accepted)
	})

	r.Put("/api/v1/lists/{id}", func(w http.ResponseWriter, req *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.unavailable(w) {
			return
		}
		id := chi.URLParam(req, "id")
		if serverCopy, armed := c.conflict[id]; armed {
			delete(c.conflict, id)
			writeJSON(w, http.StatusConflict, map[string]*types.Entry{"server": serverCopy})
			return
		}
		var entry types.Entry
		if err := json.NewDecoder(req.Body).Decode(&entry); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.updates++
		accepted := entry.Clone()
		accepted.Metadata.SyncStatus = types.SyncStatusSynced
		c.entries[id] = accepted
		writeJSON(w, http.StatusOK, accepted)
	})

	r.Delete("/api/v1/lists/{id}", func(w http.ResponseWriter, req *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.unavailable(w) {
			return
		}
		id := chi.URLParam(req, "id")
		if _, ok := c.entries[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		c.deletes++
		delete(c.entries, id)
		w.WriteHeader(http.StatusNoContent)
	})

	r.Patch("/api/v1/lists/{id}/items/{itemId}/check", func(w http.ResponseWriter, req *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.unavailable(w) {
			return
		}
		id := chi.URLParam(req, "id")
		itemID := chi.URLParam(req, "itemId")
		entry, ok := c.entries[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			Checked bool `json:"checked"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if item := entry.FindItem(itemID); item != nil {
			item.Checked = body.Checked
		}
		writeJSON(w, http.StatusOK, entry)
	})

	r.Get("/api/v1/lists", func(w http.ResponseWriter, _ *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.unavailable(w) {
			return
		}
		lists := make([]types.Entry, 0, len(c.entries))
		for _, e := range c.entries {
			lists = append(lists, *e.Clone())
		}
		writeJSON(w, http.StatusOK, map[string][]types.Entry{"lists": lists})
	})

	r.Post("/api/v1/devices", func(w http.ResponseWriter, req *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.unavailable(w) {
			return
		}
		var info types.DeviceInfo
		if err := json.NewDecoder(req.Body).Decode(&info); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.devices[info.DeviceID] = info
		w.WriteHeader(http.StatusCreated)
	})

	r.Get("/api/v1/devices", func(w http.ResponseWriter, _ *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.unavailable(w) {
			return
		}
		devices := make([]types.DeviceInfo, 0, len(c.devices))
		for _, d := range c.devices {
			devices = append(devices, d)
		}
		writeJSON(w, http.StatusOK, devices)
	})

	r.Post("/api/v1/changes", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/v1/conflicts/resolutions", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// --- Daemon Harness ---

// daemon assembles the real component graph against a temp SQLite store
// and serves the facade over httptest.
type daemon struct {
	Store   *store.SQLiteStore
	Remote  *server.Client
	Monitor *connection.Monitor
	Queue   *syncqueue.Manager
	Devices *device.Manager
	Persist *persist.Manager
	Client  *basket.Client
}

type daemonOptions struct {
	strategy types.ResolutionStrategy
}

type daemonOption func(*daemonOptions)

func withStrategy(s types.ResolutionStrategy) daemonOption {
	return func(o *daemonOptions) { o.strategy = s }
}

func newDaemon(t *testing.T, centralURL string, opts ...daemonOption) *daemon {
	t.Helper()

	options := daemonOptions{strategy: types.StrategyLocalWins}
	for _, opt := range opts {
		opt(&options)
	}

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "basketd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	remote := server.NewClient(centralURL, "e2e-key")
	monitor := connection.NewMonitor(remote, time.Hour)
	backups := integrity.NewManager(s, nil, 5)

	queue := syncqueue.NewManager(s, remote, monitor, backups, integrity.Checksum, syncqueue.Config{
		BatchSize:  10,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   200 * time.Millisecond,
		MaxRetries: 3,
		Strategy:   options.strategy,
		DeviceID:   "device-e2e",
	})
	t.Cleanup(queue.Close)
	monitor.SetTrigger(queue)

	devices := device.NewManager(s, remote, monitor, integrity.Checksum, device.Config{
		DeviceID:   "device-e2e",
		DeviceName: "e2e-harness",
		DeviceType: types.DeviceDesktop,
		Strategy:   options.strategy,
	})
	queue.SubscribeConflicts(devices.RecordConflict)

	pm := persist.NewManager(s, queue, backups, devices, persist.Config{
		DeviceID:          "device-e2e",
		SessionTTL:        time.Hour,
		HistoryMaxEntries: 50,
		HistoryMaxAge:     24 * time.Hour,
	})

	router := api.NewRouter(api.NewHandler(pm, queue, devices, "e2e"))
	facade := httptest.NewServer(router)
	t.Cleanup(facade.Close)

	return &daemon{
		Store:   s,
		Remote:  remote,
		Monitor: monitor,
		Queue:   queue,
		Devices: devices,
		Persist: pm,
		Client:  basket.New(basket.Config{BaseURL: facade.URL}),
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// --- Fixtures ---

func groceryList(id string) *basket.List {
	now := time.Now().UTC()
	return &basket.List{
		Metadata: basket.Metadata{
			ID:           id,
			MealPlanID:   "plan-week-35",
			WeekStart:    "2026-08-24",
			GeneratedAt:  now,
			LastModified: now,
			SyncStatus:   "pending",
		},
		Categories: map[string][]basket.Item{
			"produce": {
				{ID: "item-fennel", Name: "Fennel", Quantity: 2, Unit: "pcs", LastModified: now, SyncStatus: "pending"},
				{ID: "item-kale", Name: "Kale", Quantity: 1, Unit: "bunch", LastModified: now, SyncStatus: "pending"},
			},
			"dairy": {
				{ID: "item-yoghurt", Name: "Yoghurt", Quantity: 500, Unit: "g", LastModified: now, SyncStatus: "pending"},
			},
		},
	}
}

func serverCopy(id string, version int64, modified time.Time) *types.Entry {
	return &types.Entry{
		Metadata: types.EntryMetadata{
			ID:            id,
			MealPlanID:    "plan-week-35",
			WeekStart:     "2026-08-24",
			GeneratedAt:   modified.Add(-time.Hour),
			LastModified:  modified,
			SyncStatus:    types.SyncStatusSynced,
			DeviceID:      "device-other",
			Version:       version,
			SchemaVersion: types.CurrentSchemaVersion,
		},
		Categories: map[string][]types.Item{
			"produce": {
				{ID: "item-fennel", Name: "Fennel", Quantity: 3, Unit: "pcs", LastModified: modified, SyncStatus: types.SyncStatusSynced},
				{ID: "item-kale", Name: "Kale", Quantity: 1, Unit: "bunch", Checked: true, LastModified: modified, SyncStatus: types.SyncStatusSynced},
			},
			"dairy": {
				{ID: "item-yoghurt", Name: "Yoghurt", Quantity: 500, Unit: "g", LastModified: modified, SyncStatus: types.SyncStatusSynced},
			},
		},
	}
}

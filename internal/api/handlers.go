package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/basketd/basketd/internal/persist"
	"github.com/basketd/basketd/internal/syncqueue"
	"github.com/basketd/basketd/internal/types"
	"github.com/go-chi/chi/v5"
)

// Lists is the persistence surface the facade exposes.
type Lists interface {
	StoreShoppingList(ctx context.Context, entry *types.Entry) (*types.Entry, error)
	GetShoppingList(ctx context.Context, id string) (*types.Entry, error)
	UpdateShoppingList(ctx context.Context, entry *types.Entry) (*types.Entry, error)
	DeleteShoppingList(ctx context.Context, id string) error
	ListShoppingLists(ctx context.Context) ([]types.Entry, error)
	SetItemChecked(ctx context.Context, listID, itemID string, checked bool) (*types.Entry, error)
	SessionStats(ctx context.Context) (*persist.SessionStats, error)
}

// Sync is the queue surface the facade exposes.
type Sync interface {
	State(ctx context.Context) types.SyncState
	ProcessQueue(ctx context.Context) (syncqueue.ProcessResult, error)
}

// Devices is the cross-device surface the facade exposes.
type Devices interface {
	State(ctx context.Context) (types.CrossDeviceState, error)
	PendingConflicts(ctx context.Context) []types.Conflict
	AcknowledgeConflict(ctx context.Context, id string) error
}

// Handler implements the local API handlers.
type Handler struct {
	lists   Lists
	sync    Sync
	devices Devices
	version string
}

// NewHandler creates a new Handler.
func NewHandler(lists Lists, sync Sync, devices Devices, version string) *Handler {
	return &Handler{
		lists:   lists,
		sync:    sync,
		devices: devices,
		version: version,
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Online  bool   `json:"online"`
	Pending int    `json:"pendingOperations"`
}

// Health returns the health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	state := h.sync.State(r.Context())
	resp := healthResponse{
		Status:  "healthy",
		Version: h.version,
		Online:  state.Online,
		Pending: state.PendingOperations,
	}
	writeJSON(w, http.StatusOK, resp)
}

// StoreList handles POST /api/v1/lists.
func (h *Handler) StoreList(w http.ResponseWriter, r *http.Request) {
	var entry types.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	stored, err := h.lists.StoreShoppingList(r.Context(), &entry)
	if err != nil {
		slog.Error("store list failed", "list_id", entry.Metadata.ID, "error", err)
		MapPersistError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// GetList handles GET /api/v1/lists/{id}.
func (h *Handler) GetList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := h.lists.GetShoppingList(r.Context(), id)
	if err != nil {
		MapPersistError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ListLists handles GET /api/v1/lists.
func (h *Handler) ListLists(w http.ResponseWriter, r *http.Request) {
	entries, err := h.lists.ListShoppingLists(r.Context())
	if err != nil {
		MapPersistError(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// UpdateList handles PUT /api/v1/lists/{id}.
func (h *Handler) UpdateList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var entry types.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if entry.Metadata.ID != id {
		WriteProblem(w, r, http.StatusBadRequest, "Entry id does not match URL")
		return
	}
	updated, err := h.lists.UpdateShoppingList(r.Context(), &entry)
	if err != nil {
		slog.Error("update list failed", "list_id", id, "error", err)
		MapPersistError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteList handles DELETE /api/v1/lists/{id}.
func (h *Handler) DeleteList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.lists.DeleteShoppingList(r.Context(), id); err != nil {
		MapPersistError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type itemCheckRequest struct {
	Checked bool `json:"checked"`
}

// CheckItem handles PATCH /api/v1/lists/{id}/items/{itemId}/check.
func (h *Handler) CheckItem(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "id")
	itemID := chi.URLParam(r, "itemId")
	var req itemCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	entry, err := h.lists.SetItemChecked(r.Context(), listID, itemID, req.Checked)
	if err != nil {
		MapPersistError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// SessionStats handles GET /api/v1/session.
func (h *Handler) SessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.lists.SessionStats(r.Context())
	if err != nil {
		slog.Error("session stats failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// SyncStatus handles GET /api/v1/sync/status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sync.State(r.Context()))
}

type syncResultResponse struct {
	Processed int       `json:"processed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Conflicts int       `json:"conflicts"`
	StartedAt time.Time `json:"startedAt"`
}

// TriggerSync handles POST /api/v1/sync.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	started := time.Now().UTC()
	result, err := h.sync.ProcessQueue(r.Context())
	if err != nil {
		slog.Error("manual sync failed", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Sync could not run")
		return
	}
	writeJSON(w, http.StatusOK, syncResultResponse{
		Processed: result.Processed,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		Conflicts: result.Conflicts,
		StartedAt: started,
	})
}

// ListConflicts handles GET /api/v1/conflicts. The UI collaborator
// polls this for conflicts the daemon could not resolve automatically.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := h.devices.PendingConflicts(r.Context())
	if conflicts == nil {
		conflicts = []types.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

// AcknowledgeConflict handles DELETE /api/v1/conflicts/{id}.
func (h *Handler) AcknowledgeConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.devices.AcknowledgeConflict(r.Context(), id); err != nil {
		WriteProblem(w, r, http.StatusNotFound, fmt.Sprintf("No pending conflict with id %q", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeviceStatus handles GET /api/v1/devices/status.
func (h *Handler) DeviceStatus(w http.ResponseWriter, r *http.Request) {
	state, err := h.devices.State(r.Context())
	if err != nil {
		slog.Error("device status failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

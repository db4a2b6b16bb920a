package syncqueue

import (
	"context"
	"log/slog"

	"github.com/basketd/basketd/internal/types"
)

// SubscribeStatus registers a sync-state listener and returns its
// unsubscribe function.
func (m *Manager) SubscribeStatus(fn StatusListener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.statusSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.statusSubs, id)
	}
}

// SubscribeConflicts registers a listener for conflicts requiring
// manual resolution.
func (m *Manager) SubscribeConflicts(fn ConflictListener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.conflictSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.conflictSubs, id)
	}
}

// State returns a snapshot of the sync layer for the UI collaborator.
func (m *Manager) State(ctx context.Context) types.SyncState {
	pending, err := m.store.CountPendingOperations(ctx)
	if err != nil {
		slog.Error("count pending operations failed",
			"error", err,
			"component", "syncqueue",
		)
	}
	failed, err := m.store.CountFailedOperations(ctx)
	if err != nil {
		slog.Error("count failed operations failed",
			"error", err,
			"component", "syncqueue",
		)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return types.SyncState{
		Online:            m.online.IsOnline(),
		Syncing:           m.processing,
		PendingOperations: pending,
		FailedOperations:  failed,
		LastSync:          m.lastSync,
		LastError:         m.lastError,
	}
}

// notifyStatus delivers the current state to every status listener.
// A panicking listener never breaks delivery to the others.
func (m *Manager) notifyStatus(ctx context.Context) {
	state := m.State(ctx)

	m.mu.Lock()
	listeners := make([]StatusListener, 0, len(m.statusSubs))
	for _, fn := range m.statusSubs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		safeNotifyStatus(fn, state)
	}
}

func (m *Manager) notifyConflict(conflict types.Conflict) {
	m.mu.Lock()
	listeners := make([]ConflictListener, 0, len(m.conflictSubs))
	for _, fn := range m.conflictSubs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		safeNotifyConflict(fn, conflict)
	}
}

func safeNotifyStatus(fn StatusListener, state types.SyncState) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("status listener panicked",
				"panic", r,
				"component", "syncqueue",
			)
		}
	}()
	fn(state)
}

func safeNotifyConflict(fn ConflictListener, conflict types.Conflict) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("conflict listener panicked",
				"panic", r,
				"component", "syncqueue",
			)
		}
	}()
	fn(conflict)
}

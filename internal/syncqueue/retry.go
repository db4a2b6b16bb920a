package syncqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/basketd/basketd/internal/types"
)

// backoffDelay computes the wait before retry attempt retryCount:
// min(base * 2^(retryCount-1), cap).
func backoffDelay(base, cap time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// scheduleRetry increments the operation's retry count and either arms
// a backoff timer for the next attempt or, once the budget is spent,
// abandons the operation in place. MaxRetries counts retries beyond the
// initial attempt, so every delay in the backoff sequence gets armed
// before the operation is given up. Abandoned operations stay queued
// for manual inspection and are reported, never silently dropped.
func (m *Manager) scheduleRetry(ctx context.Context, op *types.SyncOperation, cause error) {
	op.RetryCount++
	op.LastError = cause.Error()
	if err := m.store.EnqueueOperation(ctx, op); err != nil {
		slog.Error("persist retry state failed",
			"operation_id", op.ID,
			"error", err,
			"component", "syncqueue",
		)
	}

	if op.RetryCount > op.MaxRetries {
		m.setLastError("sync operation " + op.ID + " abandoned after retries: " + cause.Error())
		slog.Error("sync operation abandoned",
			"operation_id", op.ID,
			"type", string(op.Type),
			"list_id", op.ShoppingListID,
			"retries", op.RetryCount,
			"error", cause,
			"component", "syncqueue",
		)
		m.notifyStatus(ctx)
		return
	}

	delay := backoffDelay(m.cfg.BaseDelay, m.cfg.MaxDelay, op.RetryCount)
	slog.Warn("sync operation failed, retry scheduled",
		"operation_id", op.ID,
		"type", string(op.Type),
		"retry", op.RetryCount,
		"delay", delay,
		"error", cause,
		"component", "syncqueue",
	)

	opID := op.ID
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if existing, ok := m.timers[opID]; ok {
		existing.Stop()
	}
	m.timers[opID] = time.AfterFunc(delay, func() {
		m.retryOperation(opID)
	})
	m.mu.Unlock()
}

// retryOperation re-attempts a single operation when its backoff timer
// fires. The operation may have been removed or superseded in the
// meantime; a missing row simply cancels the retry.
func (m *Manager) retryOperation(opID string) {
	m.mu.Lock()
	delete(m.timers, opID)
	closed := m.closed
	m.mu.Unlock()
	if closed || !m.online.IsOnline() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	op, err := m.store.GetOperation(ctx, opID)
	if err != nil {
		return
	}
	m.processOperation(ctx, op)
	m.notifyStatus(ctx)
}

// cancelRetry clears a scheduled retry timer so a removed or superseded
// operation does not fire a stale attempt.
func (m *Manager) cancelRetry(opID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[opID]; ok {
		timer.Stop()
		delete(m.timers, opID)
	}
}

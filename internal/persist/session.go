package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basketd/basketd/internal/store"
)

// BeginSession returns the device's active session, starting a fresh
// one when none exists or the previous one expired.
func (m *Manager) BeginSession(ctx context.Context) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, m.cfg.DeviceID)
	if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		return nil, fmt.Errorf("load session: %w", err)
	}
	now := time.Now().UTC()
	if sess != nil && now.Sub(sess.LastActive) < m.cfg.SessionTTL {
		sess.LastActive = now
		if err := m.store.SaveSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("refresh session: %w", err)
		}
		return sess, nil
	}

	sess = &store.Session{
		ID:         fmt.Sprintf("%s-%d", m.cfg.DeviceID, now.UnixMilli()),
		DeviceID:   m.cfg.DeviceID,
		StartedAt:  now,
		LastActive: now,
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	m.log.Info("session started", "session_id", sess.ID)
	return sess, nil
}

// SessionStats summarizes the device's current session for the facade.
type SessionStats struct {
	SessionID    string    `json:"sessionId"`
	DeviceID     string    `json:"deviceId"`
	StartedAt    time.Time `json:"startedAt"`
	LastActive   time.Time `json:"lastActive"`
	ListsTouched []string  `json:"listsTouched"`
	Active       bool      `json:"active"`
}

// SessionStats reports the active session. When no session exists the
// stats come back inactive and empty rather than as an error.
func (m *Manager) SessionStats(ctx context.Context) (*SessionStats, error) {
	stats := &SessionStats{
		DeviceID:     m.cfg.DeviceID,
		ListsTouched: []string{},
	}
	sess, err := m.store.GetSession(ctx, m.cfg.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return stats, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	stats.SessionID = sess.ID
	stats.StartedAt = sess.StartedAt
	stats.LastActive = sess.LastActive
	stats.ListsTouched = append(stats.ListsTouched, sess.Touched...)
	stats.Active = time.Now().UTC().Sub(sess.LastActive) < m.cfg.SessionTTL
	return stats, nil
}

// EndSession discards the device's active session.
func (m *Manager) EndSession(ctx context.Context) error {
	if err := m.store.DeleteSession(ctx, m.cfg.DeviceID); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// touchSession records that the current session modified a list.
// Best-effort: a missing or expired session is started lazily.
func (m *Manager) touchSession(ctx context.Context, listID string) {
	sess, err := m.store.GetSession(ctx, m.cfg.DeviceID)
	if err != nil {
		if !errors.Is(err, store.ErrSessionNotFound) {
			m.log.Warn("session load failed", "error", err)
			return
		}
		sess, err = m.BeginSession(ctx)
		if err != nil {
			m.log.Warn("session start failed", "error", err)
			return
		}
	}

	now := time.Now().UTC()
	if now.Sub(sess.LastActive) >= m.cfg.SessionTTL {
		if sess, err = m.BeginSession(ctx); err != nil {
			m.log.Warn("session restart failed", "error", err)
			return
		}
	}

	for _, id := range sess.Touched {
		if id == listID {
			sess.LastActive = now
			if err := m.store.SaveSession(ctx, sess); err != nil {
				m.log.Warn("session save failed", "error", err)
			}
			return
		}
	}
	sess.Touched = append(sess.Touched, listID)
	sess.LastActive = now
	if err := m.store.SaveSession(ctx, sess); err != nil {
		m.log.Warn("session save failed", "error", err)
	}
}

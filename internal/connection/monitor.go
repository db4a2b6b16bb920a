// Package connection tracks online/offline state and triggers sync when
// connectivity returns. The monitor and the sync queue manager only
// know each other through small interfaces wired once at startup.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe checks whether the server is reachable.
type Probe interface {
	Ping(ctx context.Context) error
}

// SyncTrigger starts a queue-processing pass. Implemented by the sync
// queue manager; the monitor never imports it directly.
type SyncTrigger interface {
	TriggerSync(ctx context.Context)
}

// Listener receives connection-state transitions.
type Listener func(online bool)

// Monitor polls a connectivity probe and notifies subscribers of
// transitions. On an offline-to-online transition it triggers queue
// processing exactly once, regardless of subscriber count.
type Monitor struct {
	probe    Probe
	interval time.Duration

	mu          sync.Mutex
	online      bool
	started     bool
	trigger     SyncTrigger
	subscribers map[int]Listener
	nextID      int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. The device starts offline until the
// first successful probe.
func NewMonitor(probe Probe, interval time.Duration) *Monitor {
	return &Monitor{
		probe:       probe,
		interval:    interval,
		subscribers: make(map[int]Listener),
	}
}

// SetTrigger wires the sync trigger invoked on reconnect. Must be
// called before Start.
func (m *Monitor) SetTrigger(t SyncTrigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trigger = t
}

// IsOnline reports the last observed connection state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a connection-state listener and returns its
// unsubscribe function. A panicking listener never breaks delivery to
// the others.
func (m *Monitor) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Start begins probing. It returns immediately; probing stops when ctx
// is cancelled or Close is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Close stops probing and waits for the loop to exit.
func (m *Monitor) Close() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	err := m.probe.Ping(probeCtx)
	cancel()
	m.SetOnline(ctx, err == nil)
}

// SetOnline records a connection-state observation. Exposed so platform
// connectivity events can feed the monitor directly alongside the
// polling probe.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	trigger := m.trigger
	listeners := make([]Listener, 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	slog.Info("connection state changed",
		"online", online,
		"component", "connection",
	)

	for _, fn := range listeners {
		notify(fn, online)
	}

	// One trigger per transition, not per listener.
	if online && trigger != nil {
		trigger.TriggerSync(ctx)
	}
}

func notify(fn Listener, online bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("connection listener panicked",
				"panic", r,
				"component", "connection",
			)
		}
	}()
	fn(online)
}

// Package app assembles the basketd components into a running
// application. Construction is explicit dependency injection: nothing
// here is a singleton, and each component receives only the surfaces
// it consumes.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basketd/basketd/internal/config"
	"github.com/basketd/basketd/internal/connection"
	"github.com/basketd/basketd/internal/device"
	"github.com/basketd/basketd/internal/integrity"
	"github.com/basketd/basketd/internal/persist"
	"github.com/basketd/basketd/internal/server"
	"github.com/basketd/basketd/internal/store"
	"github.com/basketd/basketd/internal/syncqueue"
	"github.com/basketd/basketd/internal/types"
)

// App owns the assembled component graph and its lifecycle.
type App struct {
	Config   *config.Config
	Store    *store.SQLiteStore
	Remote   *server.Client
	Monitor  *connection.Monitor
	Backups  *integrity.Manager
	Queue    *syncqueue.Manager
	Devices  *device.Manager
	Persist  *persist.Manager
	DeviceID string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs the full component graph. Nothing starts running
// until Start is called.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	deviceID, err := device.LoadOrCreateDeviceID(ctx, s)
	if err != nil {
		s.Close()
		return nil, err
	}

	remote := server.NewClient(cfg.Server.URL, cfg.Server.APIKey)
	monitor := connection.NewMonitor(remote, time.Duration(cfg.Server.ProbeInterval))

	var uploader integrity.Uploader
	if cfg.Integrity.S3.Endpoint != "" {
		up, err := integrity.NewS3Uploader(integrity.S3Config{
			Endpoint:  cfg.Integrity.S3.Endpoint,
			Bucket:    cfg.Integrity.S3.Bucket,
			Region:    cfg.Integrity.S3.Region,
			AccessKey: cfg.Integrity.S3.AccessKey,
			SecretKey: cfg.Integrity.S3.SecretKey,
			UseSSL:    cfg.Integrity.S3.UseSSL,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("configure backup mirroring: %w", err)
		}
		uploader = up
	}
	backups := integrity.NewManager(s, uploader, cfg.Integrity.MaxBackupsPerList)

	strategy := types.ResolutionStrategy(cfg.Sync.Strategy)
	queue := syncqueue.NewManager(s, remote, monitor, backups, integrity.Checksum, syncqueue.Config{
		BatchSize:  cfg.Sync.BatchSize,
		BaseDelay:  time.Duration(cfg.Sync.BaseRetryDelay),
		MaxDelay:   time.Duration(cfg.Sync.MaxRetryDelay),
		MaxRetries: cfg.Sync.MaxRetries,
		Strategy:   strategy,
		DeviceID:   deviceID,
	})
	monitor.SetTrigger(queue)

	devices := device.NewManager(s, remote, monitor, integrity.Checksum, device.Config{
		DeviceID:       deviceID,
		DeviceName:     cfg.Device.Name,
		DeviceType:     types.DeviceType(cfg.Device.Type),
		Strategy:       strategy,
		ActivityWindow: time.Duration(cfg.Device.ActivityWindow),
	})

	queue.SubscribeConflicts(devices.RecordConflict)

	pm := persist.NewManager(s, queue, backups, devices, persist.Config{
		DeviceID:           deviceID,
		SessionTTL:         time.Duration(cfg.Persist.SessionTTL),
		HistoryMaxEntries:  cfg.Persist.HistoryMaxEntries,
		HistoryMaxAge:      time.Duration(cfg.Persist.HistoryMaxAge),
		AutoBackupInterval: time.Duration(cfg.Persist.AutoBackupInterval),
	})

	return &App{
		Config:   cfg,
		Store:    s,
		Remote:   remote,
		Monitor:  monitor,
		Backups:  backups,
		Queue:    queue,
		Devices:  devices,
		Persist:  pm,
		DeviceID: deviceID,
	}, nil
}

// Start brings the application online: connection probing, device
// registration and bootstrap, the change-feed listener, and the
// auto-backup worker.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.Monitor.Start(ctx)

	if _, err := a.Persist.BeginSession(ctx); err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	if err := a.Devices.Register(ctx); err != nil {
		return err
	}
	if err := a.Devices.Bootstrap(ctx); err != nil {
		slog.Warn("bootstrap failed, continuing offline", "error", err)
	}

	// Once online, retry registration and bootstrap if they were
	// deferred, then let the queue drain.
	a.Monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			if err := a.Devices.Register(ctx); err != nil {
				slog.Warn("deferred registration failed", "error", err)
			}
			if err := a.Devices.Bootstrap(ctx); err != nil {
				slog.Warn("deferred bootstrap failed", "error", err)
			}
		}()
	})

	a.Persist.StartAutoBackup(ctx)

	if a.Remote.Configured() {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.Devices.ListenChanges(ctx); err != nil && ctx.Err() == nil {
				slog.Error("change feed listener stopped", "error", err)
			}
		}()
	}

	// Periodic drain catches operations whose retry timers were lost
	// across a restart or whose enqueue-time trigger raced a flap.
	interval := time.Duration(a.Config.Sync.Interval)
	if interval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					a.Queue.TriggerSync(ctx)
				}
			}
		}()
	}

	a.Queue.TriggerSync(ctx)
	return nil
}

// Close shuts the application down in reverse dependency order.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.Persist.StopAutoBackup()
	a.Queue.Close()
	a.Monitor.Close()
	return a.Store.Close()
}

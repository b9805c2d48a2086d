package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const retentionSweepInterval = 24 * time.Hour

// MaintenanceStore is the persistence interface consumed by Maintenance.
type MaintenanceStore interface {
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Compact(ctx context.Context) error
}

// Maintenance runs the 24-hour retention sweep and serves admin-triggered
// database compaction. Both operations hold the same mutex so a manual
// compact never runs concurrently with the scheduled sweep.
type Maintenance struct {
	store     MaintenanceStore
	retention time.Duration
	mu        sync.Mutex
}

// NewMaintenance creates a Maintenance worker that retains logs for
// `retention` before they become eligible for deletion.
func NewMaintenance(store MaintenanceStore, retention time.Duration) *Maintenance {
	return &Maintenance{store: store, retention: retention}
}

// Name returns the worker identifier.
func (m *Maintenance) Name() string { return "maintenance" }

// Run sweeps expired logs every 24 hours until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) error {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Maintenance) sweep(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.retention)
	n, err := m.store.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "retention sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "retention sweep complete",
		slog.Int64("deleted", n),
		slog.Time("cutoff", cutoff),
	)
}

// Compact runs an immediate wal_checkpoint(TRUNCATE) + VACUUM. It is called
// from the admin "compact database" endpoint and blocks until the scheduled
// sweep, if one is in flight, finishes.
func (m *Maintenance) Compact(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Compact(ctx)
}

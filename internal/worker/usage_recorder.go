package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder. A
// single flush both appends the detailed log rows and folds them into the
// running daily aggregate, rather than running a separate rollup worker on
// its own schedule.
type UsageStore interface {
	InsertRequestLogs(ctx context.Context, logs []gateway.RequestLog) error
	UpsertDailyMetrics(ctx context.Context, logs []gateway.RequestLog) error
	InsertPayload(ctx context.Context, logID string, compressedPrompt, compressedResponse []byte) error
}

// UsageRecorder buffers request logs and batch-flushes them to the store.
// Records are dropped if the channel is full (back-pressure on slow DB).
type UsageRecorder struct {
	ch    chan gateway.RequestLog
	store UsageStore
}

// NewUsageRecorder creates a UsageRecorder backed by store.
func NewUsageRecorder(store UsageStore) *UsageRecorder {
	return &UsageRecorder{
		ch:    make(chan gateway.RequestLog, usageChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a request log. It never blocks; drops on full channel.
func (u *UsageRecorder) Record(r gateway.RequestLog) {
	select {
	case u.ch <- r:
	default:
		slog.Warn("request log dropped, channel full")
	}
}

// Run processes records until ctx is cancelled, then drains remaining records.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.RequestLog, 0, usageBatchSize)

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			// Drain remaining records with a timeout.
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf []gateway.RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context, buf []gateway.RequestLog) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.RequestLog, len(buf))
	copy(batch, buf)

	// Assign an ID to any record that arrived without one.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := u.store.InsertRequestLogs(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := u.store.UpsertDailyMetrics(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "daily metrics upsert failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}

	// Payload rows carry a foreign key into request_logs, so they can only
	// be written once the batch above has committed -- never before, and
	// never from a goroutine racing this flush.
	for _, l := range batch {
		if l.CompressedPrompt == nil && l.CompressedResponse == nil {
			continue
		}
		if err := u.store.InsertPayload(ctx, l.ID, l.CompressedPrompt, l.CompressedResponse); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "failed to persist request payload",
				slog.String("log_id", l.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

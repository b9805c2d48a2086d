package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

type fakeUsageStore struct {
	mu       sync.Mutex
	batches  [][]gateway.RequestLog
	rollups  [][]gateway.RequestLog
	payloads []string
	// insertedLogIDs is checked by InsertPayload to catch a payload write
	// for a log id this fake hasn't committed a request_logs row for yet --
	// the FK violation the real sqlite store would reject.
	insertedLogIDs map[string]bool
}

func (s *fakeUsageStore) InsertRequestLogs(_ context.Context, logs []gateway.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, logs)
	if s.insertedLogIDs == nil {
		s.insertedLogIDs = make(map[string]bool)
	}
	for _, l := range logs {
		s.insertedLogIDs[l.ID] = true
	}
	return nil
}

func (s *fakeUsageStore) UpsertDailyMetrics(_ context.Context, logs []gateway.RequestLog) error {
	s.mu.Lock()
	s.rollups = append(s.rollups, logs)
	s.mu.Unlock()
	return nil
}

func (s *fakeUsageStore) InsertPayload(_ context.Context, logID string, _, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.insertedLogIDs[logID] {
		return fmt.Errorf("FOREIGN KEY constraint failed: no request_logs row for %q yet", logID)
	}
	s.payloads = append(s.payloads, logID)
	return nil
}

func (s *fakeUsageStore) payloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *fakeUsageStore) totalRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *fakeUsageStore) rollupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rollups)
}

func TestUsageRecorder_BatchOnSize(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	// Send exactly usageBatchSize records.
	for i := range usageBatchSize {
		rec.Record(gateway.RequestLog{ID: string(rune('a' + i%26))})
	}

	// Wait for batch to be flushed.
	deadline := time.After(2 * time.Second)
	for {
		if store.totalRecords() >= usageBatchSize {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("batch not flushed; got %d records", store.totalRecords())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	if store.rollupCount() == 0 {
		t.Error("expected daily metrics upsert alongside log insert")
	}

	cancel()
	<-done
}

func TestUsageRecorder_FlushOnTimeout(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{
		ch:    make(chan gateway.RequestLog, usageChanSize),
		store: store,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	// Send fewer than batch size.
	rec.Record(gateway.RequestLog{ID: "test-1"})
	rec.Record(gateway.RequestLog{ID: "test-2"})

	// Wait for ticker-based flush (usageFlushEvery = 5s, but test should pass).
	deadline := time.After(10 * time.Second)
	for {
		if store.totalRecords() >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timeout flush not triggered; got %d records", store.totalRecords())
		default:
			time.Sleep(100 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestUsageRecorder_DropOnFull(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{
		ch:    make(chan gateway.RequestLog, 2), // tiny buffer
		store: store,
	}

	// Fill the channel.
	rec.Record(gateway.RequestLog{ID: "1"})
	rec.Record(gateway.RequestLog{ID: "2"})
	// This should be dropped silently.
	rec.Record(gateway.RequestLog{ID: "3"})

	if len(rec.ch) != 2 {
		t.Errorf("channel len = %d, want 2", len(rec.ch))
	}
}

func TestUsageRecorder_PayloadWrittenAfterParentRowCommits(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(gateway.RequestLog{
		ID:                 "log-with-payload",
		CompressedPrompt:   []byte("prompt"),
		CompressedResponse: []byte("response"),
	})

	deadline := time.After(10 * time.Second)
	for {
		if store.payloadCount() >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("payload never persisted (or was rejected as out-of-order)")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestUsageRecorder_DrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	// Send some records.
	rec.Record(gateway.RequestLog{ID: "drain-1"})
	rec.Record(gateway.RequestLog{ID: "drain-2"})

	// Cancel immediately -- should drain.
	time.Sleep(50 * time.Millisecond) // let the goroutine start
	cancel()
	<-done

	if store.totalRecords() < 2 {
		t.Errorf("expected at least 2 drained records, got %d", store.totalRecords())
	}
}

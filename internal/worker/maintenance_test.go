package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeMaintenanceStore struct {
	deleteCalls atomic.Int32
	compactCalls atomic.Int32
	deleted     int64
}

func (s *fakeMaintenanceStore) DeleteLogsBefore(_ context.Context, _ time.Time) (int64, error) {
	s.deleteCalls.Add(1)
	return s.deleted, nil
}

func (s *fakeMaintenanceStore) Compact(_ context.Context) error {
	s.compactCalls.Add(1)
	return nil
}

func TestMaintenance_Compact(t *testing.T) {
	t.Parallel()
	store := &fakeMaintenanceStore{}
	m := NewMaintenance(store, 30*24*time.Hour)

	if err := m.Compact(t.Context()); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if store.compactCalls.Load() != 1 {
		t.Errorf("compact calls = %d, want 1", store.compactCalls.Load())
	}
}

func TestMaintenance_StopOnCancel(t *testing.T) {
	t.Parallel()
	store := &fakeMaintenanceStore{}
	m := NewMaintenance(store, 30*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance worker did not stop after cancel")
	}
}

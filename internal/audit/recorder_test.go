package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	mu      sync.Mutex
	reasons []string
}

func (o *countingObserver) AuditDropped(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reasons = append(o.reasons, reason)
}

func (o *countingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.reasons...)
}

type failingSink struct{}

func (failingSink) Append(ctx context.Context, event SecurityEvent) error {
	return errors.New("sink unavailable")
}

type blockingSink struct {
	release chan struct{}
}

func (s blockingSink) Append(ctx context.Context, event SecurityEvent) error {
	<-s.release
	return nil
}

func TestRecorderWritesAndFillsDefaults(t *testing.T) {
	store := NewMemoryStore()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecorder(store, RecorderConfig{Clock: func() time.Time { return fixed }})
	rec.Record(context.Background(), SecurityEvent{UserID: 1, CompanyID: 2, EventType: EventPermissionDenied})
	require.NoError(t, rec.Close(context.Background()))

	events := store.Events()
	require.Len(t, events, 1)
	require.NotEmpty(t, events[0].ID)
	require.Equal(t, fixed, events[0].Timestamp)
	require.Equal(t, RiskLow, events[0].RiskLevel)
}

func TestRecorderSinkFailureIsReportedNotReturned(t *testing.T) {
	obs := &countingObserver{}
	rec := NewRecorder(failingSink{}, RecorderConfig{Observer: obs})
	rec.Record(context.Background(), SecurityEvent{UserID: 1, CompanyID: 2, EventType: EventRoleAssigned})
	require.NoError(t, rec.Close(context.Background()))
	require.Equal(t, []string{"sink_error"}, obs.snapshot())
}

func TestRecorderDropsWhenFull(t *testing.T) {
	obs := &countingObserver{}
	sink := blockingSink{release: make(chan struct{})}
	rec := NewRecorder(sink, RecorderConfig{BufferSize: 1, Observer: obs})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			rec.Record(context.Background(), SecurityEvent{UserID: 1, CompanyID: 2, EventType: EventPermissionDenied})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	require.NotEmpty(t, obs.snapshot())
	for _, reason := range obs.snapshot() {
		require.Equal(t, "buffer_full", reason)
	}
	close(sink.release)
	require.NoError(t, rec.Close(context.Background()))
}

func TestRecorderAfterClose(t *testing.T) {
	obs := &countingObserver{}
	rec := NewRecorder(NewMemoryStore(), RecorderConfig{Observer: obs})
	require.NoError(t, rec.Close(context.Background()))
	rec.Record(context.Background(), SecurityEvent{UserID: 1, CompanyID: 2})
	require.Equal(t, []string{"closed"}, obs.snapshot())
}

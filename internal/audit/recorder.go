package audit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Sink persists security events.
type Sink interface {
	Append(ctx context.Context, event SecurityEvent) error
}

// Observer is notified when an event could not be persisted.
type Observer interface {
	AuditDropped(reason string)
}

// RecorderConfig configures the asynchronous recorder.
type RecorderConfig struct {
	BufferSize   int
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Observer     Observer
	Clock        func() time.Time
}

// Recorder queues events and writes them from a background worker so callers on the
// decision path never block on, or fail because of, the audit sink.
type Recorder struct {
	sink     Sink
	ch       chan SecurityEvent
	cfg      RecorderConfig
	logger   *slog.Logger
	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewRecorder creates and starts a Recorder.
func NewRecorder(sink Sink, cfg RecorderConfig) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Recorder{
		sink:   sink,
		ch:     make(chan SecurityEvent, cfg.BufferSize),
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	go r.worker()
	return r
}

// Record enqueues the event. It never blocks; a full buffer drops the event.
func (r *Recorder) Record(ctx context.Context, event SecurityEvent) {
	if r == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.cfg.Clock().UTC()
	}
	if event.ID == "" {
		event.ID = shared.NewSortableID(event.Timestamp)
	}
	if event.RiskLevel == "" {
		event.RiskLevel = RiskLow
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(event, "closed")
		return
	}
	select {
	case r.ch <- event:
	default:
		r.drop(event, "buffer_full")
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) worker() {
	defer close(r.done)
	for event := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		err := r.sink.Append(ctx, event)
		cancel()
		if err != nil {
			r.logger.Error("audit append",
				slog.String("event_id", event.ID),
				slog.String("event_type", string(event.EventType)),
				slog.Any("error", err))
			if r.cfg.Observer != nil {
				r.cfg.Observer.AuditDropped("sink_error")
			}
		}
	}
}

func (r *Recorder) drop(event SecurityEvent, reason string) {
	r.logger.Warn("audit event dropped",
		slog.String("reason", reason),
		slog.String("event_type", string(event.EventType)),
		slog.Int64("user_id", event.UserID))
	if r.cfg.Observer != nil {
		r.cfg.Observer.AuditDropped(reason)
	}
}

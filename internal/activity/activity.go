// Package activity records an audit trail of account mutations. Recording
// is best effort: it never blocks or fails the operation being recorded.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account/pkg/utilities"
)

// Actions written to the activity log.
const (
	ActionAccountCreated    = "ACCOUNT_CREATED"
	ActionAccountUpdated    = "ACCOUNT_UPDATED"
	ActionAccountDeleted    = "ACCOUNT_DELETED"
	ActionAccountVerified   = "ACCOUNT_VERIFIED"
	ActionAccountLocked     = "ACCOUNT_LOCKED"
	ActionCredentialReset   = "CREDENTIAL_RESET"
	ActionCredentialChanged = "CREDENTIAL_CHANGED"
	ActionLoginSucceeded    = "LOGIN_SUCCEEDED"
)

// Entry is one row of the activity log.
type Entry struct {
	ID            string    `db:"id"`
	ActorID       string    `db:"actor_id"`
	Action        string    `db:"action"`
	Details       string    `db:"details"`
	SourceAddress string    `db:"source_address"`
	CreatedAt     time.Time `db:"created_at"`
}

// Recorder accepts entries without blocking.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Sink persists a single entry.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

var droppedEntries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "account_activity_dropped_total",
	Help: "Activity entries dropped because the buffer was full or the sink failed.",
})

// AsyncRecorder queues entries on a bounded buffer drained by one worker.
// A full buffer drops the entry.
type AsyncRecorder struct {
	sink    Sink
	logger  *zap.SugaredLogger
	timeout time.Duration
	entries chan Entry
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsyncRecorder(sink Sink, buffer int, timeout time.Duration, logger *zap.SugaredLogger) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &AsyncRecorder{
		sink:    sink,
		logger:  logger,
		timeout: timeout,
		entries: make(chan Entry, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record stamps e with an id and time when missing and enqueues it.
func (r *AsyncRecorder) Record(_ context.Context, e Entry) {
	if e.ID == "" {
		e.ID = utilities.NewKSUID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		droppedEntries.Inc()
		return
	}
	select {
	case r.entries <- e:
	default:
		droppedEntries.Inc()
		r.logger.Warnw("activity buffer full, entry dropped", "action", e.Action, "actor", e.ActorID)
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	for e := range r.entries {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.sink.Write(ctx, e); err != nil {
			droppedEntries.Inc()
			r.logger.Warnw("activity write failed", "action", e.Action, "actor", e.ActorID, "err", err)
		}
		cancel()
	}
}

// Close stops accepting entries and waits for queued ones to be written
// or for ctx to end.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.entries)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes entries to the structured log.
type LogSink struct {
	logger *zap.SugaredLogger
}

func NewLogSink(logger *zap.SugaredLogger) *LogSink { return &LogSink{logger: logger} }

func (s *LogSink) Write(_ context.Context, e Entry) error {
	s.logger.Infow("activity",
		"id", e.ID,
		"actor", e.ActorID,
		"action", e.Action,
		"details", e.Details,
		"address", e.SourceAddress,
		"at", e.CreatedAt,
	)
	return nil
}

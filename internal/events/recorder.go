// Package events is the audit stream of the engine: every component appends
// MarginEvent records here, and the recorder fans them out to the persistent
// store plus optional Kafka and S3 sinks. Failures in this path never block
// or fail the triggering operation.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civitas/resilience-engine/internal/models"
	"github.com/civitas/resilience-engine/internal/store"
)

// Producer is the subset of Kafka producer behavior the recorder needs.
type Producer interface {
	ProduceJSON(ctx context.Context, key []byte, v interface{}) (time.Time, error)
	Close() error
}

// Recorder accepts events synchronously and publishes them asynchronously.
// Record never blocks: when the publish queue is full the event is still
// persisted to the store and the sink publish is dropped with a log line.
type Recorder struct {
	store    store.Store
	producer Producer
	archiver Archiver
	logger   *slog.Logger

	queue chan models.MarginEvent

	mu     sync.RWMutex
	recent []models.MarginEvent
	keep   int
}

type RecorderConfig struct {
	// QueueSize bounds the async publish queue. Defaults to 256.
	QueueSize int

	// Keep is how many recent events stay queryable in memory. Defaults to 500.
	Keep int
}

func NewRecorder(st store.Store, producer Producer, archiver Archiver, cfg RecorderConfig, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 500
	}
	return &Recorder{
		store:    st,
		producer: producer,
		archiver: archiver,
		logger:   logger,
		queue:    make(chan models.MarginEvent, cfg.QueueSize),
		keep:     cfg.Keep,
	}
}

// Record appends ev to the store and recent buffer and enqueues it for the
// external sinks. Best-effort: a failed store append is logged, not returned.
func (r *Recorder) Record(ctx context.Context, ev models.MarginEvent) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := r.store.AppendMarginEvent(ctx, ev); err != nil {
		r.logger.Warn("append margin event failed", "event", ev.ID, "error", err)
	}

	r.mu.Lock()
	r.recent = append(r.recent, ev)
	if len(r.recent) > r.keep {
		r.recent = r.recent[len(r.recent)-r.keep:]
	}
	r.mu.Unlock()

	if r.producer == nil && r.archiver == nil {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("event publish queue full, dropping sink publish", "event", ev.ID)
	}
}

// Recent returns up to limit of the most recent events, newest first.
func (r *Recorder) Recent(limit int) []models.MarginEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.MarginEvent, 0, n)
	for i := len(r.recent) - 1; i >= len(r.recent)-n; i-- {
		out = append(out, r.recent[i])
	}
	return out
}

// Run drains the publish queue until ctx is cancelled. Safe to run in a
// goroutine; without a producer or archiver it returns immediately.
func (r *Recorder) Run(ctx context.Context) error {
	if r.producer == nil && r.archiver == nil {
		return nil
	}
	r.logger.Info("event recorder publishing", "queue", cap(r.queue))
	defer r.logger.Info("event recorder stopped")

	for {
		select {
		case <-ctx.Done():
			if r.producer != nil {
				_ = r.producer.Close()
			}
			return ctx.Err()
		case ev := <-r.queue:
			r.publish(ctx, ev)
		}
	}
}

func (r *Recorder) publish(parent context.Context, ev models.MarginEvent) {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	if r.producer != nil {
		if _, err := r.producer.ProduceJSON(ctx, []byte(ev.MarginType), ev); err != nil {
			r.logger.Warn("kafka produce failed", "event", ev.ID, "error", err)
		}
	}
	if r.archiver != nil {
		if err := r.archiver.ArchiveEvent(ctx, ev); err != nil {
			r.logger.Warn("s3 archive failed", "event", ev.ID, "error", err)
		}
	}
}

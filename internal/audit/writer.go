package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"cartguard/internal/retry"
)

const (
	writerChanSize  = 4096
	writerBatchSize = 100
	writerFlushMs   = 500
)

// Writer asynchronously batches events to a Store.
type Writer struct {
	store   Store
	logger  *slog.Logger
	ch      chan *Event
	stop    chan struct{}
	running atomic.Bool
	dropped atomic.Int64
}

// NewWriter creates an async audit writer.
func NewWriter(store Store, logger *slog.Logger) *Writer {
	return &Writer{
		store:  store,
		logger: logger,
		ch:     make(chan *Event, writerChanSize),
		stop:   make(chan struct{}),
	}
}

// Send enqueues an event. Non-blocking: drops and increments a counter if
// the channel is full.
func (w *Writer) Send(e *Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	select {
	case w.ch <- e:
	default:
		w.dropped.Add(1)
	}
}

// Dropped returns the number of events dropped due to a full channel.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Start begins draining the channel and flushing batches. Call in a goroutine.
func (w *Writer) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(writerFlushMs * time.Millisecond)
	defer ticker.Stop()

	var buf []*Event

	for {
		select {
		case <-ctx.Done():
			w.flush(buf)
			return
		case <-w.stop:
			w.flush(buf)
			return
		case e := <-w.ch:
			buf = append(buf, e)
			if len(buf) >= writerBatchSize {
				w.flush(buf)
				buf = nil
			}
		case <-ticker.C:
			if len(buf) > 0 {
				w.flush(buf)
				buf = nil
			}
		}
	}
}

// Stop signals the writer to flush remaining events and exit.
func (w *Writer) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

// Running reports whether the writer loop is active.
func (w *Writer) Running() bool {
	return w.running.Load()
}

func (w *Writer) flush(buf []*Event) {
	if len(buf) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		return w.store.RecordBatch(ctx, buf)
	})
	if err != nil {
		w.logger.Warn("audit batch write failed", "count", len(buf), "error", err)
	}
}

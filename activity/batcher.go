package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BatchSink accepts many entries in one write.
type BatchSink interface {
	RecordBatch(ctx context.Context, entries []Entry) error
	Audit(ctx context.Context, audit Audit) error
}

// Batcher buffers activity entries and flushes them to a BatchSink when the
// buffer fills up or the timeout passes. Audits are written through.
type Batcher struct {
	sink       BatchSink
	logger     *slog.Logger
	maxSize    int
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration

	mu     sync.Mutex
	buffer []Entry
	full   chan struct{}
	done   chan struct{}
}

var _ Recorder = (*Batcher)(nil)

// NewBatcher creates a batcher. Run must be started for entries to flush.
func NewBatcher(sink BatchSink, logger *slog.Logger, maxSize int, timeout time.Duration) *Batcher {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Batcher{
		sink:       sink,
		logger:     logger,
		maxSize:    maxSize,
		timeout:    timeout,
		maxRetries: 3,
		retryDelay: time.Second,
		buffer:     make([]Entry, 0, maxSize),
		full:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (b *Batcher) Record(_ context.Context, entry Entry) error {
	b.mu.Lock()
	b.buffer = append(b.buffer, entry)
	size := len(b.buffer)
	b.mu.Unlock()

	if size >= b.maxSize {
		select {
		case b.full <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Batcher) Audit(ctx context.Context, audit Audit) error {
	return b.sink.Audit(ctx, audit)
}

// Run flushes until ctx is cancelled, then flushes what is left.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.done)

	b.logger.Info("activity batcher started",
		"max_batch_size", b.maxSize,
		"batch_timeout", b.timeout,
	)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush gets its own short deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			b.flush(flushCtx)
			cancel()
			return
		case <-b.full:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			b.flush(ctx)
			timer.Reset(b.timeout)
		case <-timer.C:
			b.flush(ctx)
			timer.Reset(b.timeout)
		}
	}
}

// Wait blocks until Run has returned.
func (b *Batcher) Wait() {
	<-b.done
}

// Pending returns the number of buffered entries.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	batch := make([]Entry, len(b.buffer))
	copy(batch, b.buffer)
	b.buffer = b.buffer[:0]
	b.mu.Unlock()

	var err error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		err = b.sink.RecordBatch(ctx, batch)
		if err == nil {
			b.logger.Debug("flushed activity batch", "batch_size", len(batch))
			return
		}

		b.logger.Warn("failed to flush activity batch",
			"attempt", attempt,
			"max_retries", b.maxRetries,
			"batch_size", len(batch),
			"error", err,
		)

		if attempt < b.maxRetries {
			select {
			case <-time.After(time.Duration(attempt) * b.retryDelay):
			case <-ctx.Done():
				b.logger.Error("dropping activity batch",
					"batch_size", len(batch),
					"error", fmt.Errorf("flush cancelled: %w", ctx.Err()),
				)
				return
			}
		}
	}

	b.logger.Error("dropping activity batch after retries",
		"batch_size", len(batch),
		"error", err,
	)
}

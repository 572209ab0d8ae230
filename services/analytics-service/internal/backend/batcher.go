package backend

import (
	"context"
	"sync"
	"time"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second

	// сколько батчей можно держать в буфере после неудачных записей
	maxPendingBatches = 10
)

type batchWriter func(ctx context.Context, events []models.Event) error

// batcher накапливает события и пишет их пачками
type batcher struct {
	name     string
	size     int
	interval time.Duration
	write    batchWriter
	logger   logger.Logger

	mu     sync.Mutex
	buf    []models.Event
	closed bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func newBatcher(name string, size int, interval time.Duration, write batchWriter, log logger.Logger) *batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	b := &batcher{
		name:     name,
		size:     size,
		interval: interval,
		write:    write,
		logger:   log.WithField("backend", name),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if size > 1 {
		go b.run()
	} else {
		close(b.doneCh)
	}
	return b
}

func (b *batcher) add(ctx context.Context, event models.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.size == 1 {
		b.mu.Unlock()
		return b.write(ctx, []models.Event{event})
	}

	b.buf = append(b.buf, event)
	if len(b.buf) < b.size {
		b.mu.Unlock()
		return nil
	}
	batch := b.take()
	b.mu.Unlock()

	return b.flushBatch(ctx, batch)
}

// take забирает буфер; вызывается под mu
func (b *batcher) take() []models.Event {
	batch := b.buf
	b.buf = nil
	return batch
}

func (b *batcher) flushBatch(ctx context.Context, batch []models.Event) error {
	if len(batch) == 0 {
		return nil
	}
	err := b.write(ctx, batch)
	if err == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf)+len(batch) <= b.size*maxPendingBatches {
		b.buf = append(batch, b.buf...)
	} else {
		b.logger.WithError(err).Error("Dropping event batch after failed write",
			logger.Field{Key: "events", Value: len(batch)})
	}
	return err
}

func (b *batcher) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.take()
	b.mu.Unlock()
	return b.flushBatch(ctx, batch)
}

func (b *batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.size > 1 {
		close(b.stopCh)
		<-b.doneCh
	}
	return b.Flush(ctx)
}

func (b *batcher) run() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := b.Flush(ctx); err != nil {
				b.logger.WithError(err).Warn("Periodic batch flush failed")
			}
			cancel()
		case <-b.stopCh:
			return
		}
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BatcherConfig tunes flushing.
type BatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	Topic         string
}

// Batcher buffers items per collection and flushes them through a Writer when
// BatchSize items have accumulated or FlushInterval has passed. A failed
// flush keeps its items buffered for the next attempt, so delivery is
// at-least-once.
type Batcher struct {
	writer    Writer
	publisher Publisher
	cfg       BatcherConfig
	logger    *zap.Logger

	mu      sync.Mutex
	buffers map[string][]Item
	closed  bool

	flushMu sync.Mutex
	stop    chan struct{}
	done    chan struct{}
}

// NewBatcher starts a batcher with a background flush loop. publisher may be
// nil.
func NewBatcher(writer Writer, publisher Publisher, cfg BatcherConfig, logger *zap.Logger) (*Batcher, error) {
	if writer == nil {
		return nil, errors.New("writer is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 300 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Batcher{
		writer:    writer,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("batcher"),
		buffers:   make(map[string][]Item),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.loop()
	return b, nil
}

// Collect buffers items, flushing any collection that reached the batch size.
func (b *Batcher) Collect(ctx context.Context, items []Item) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("batcher closed")
	}
	for _, item := range items {
		b.buffers[item.Collection] = append(b.buffers[item.Collection], item)
	}
	var full []string
	for collection, buf := range b.buffers {
		if len(buf) >= b.cfg.BatchSize {
			full = append(full, collection)
		}
	}
	b.mu.Unlock()
	sort.Strings(full)

	var errs []error
	for _, collection := range full {
		if err := b.flushCollection(ctx, collection); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush writes every buffered item.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	collections := make([]string, 0, len(b.buffers))
	for c, items := range b.buffers {
		if len(items) > 0 {
			collections = append(collections, c)
		}
	}
	b.mu.Unlock()
	sort.Strings(collections)

	var errs []error
	for _, c := range collections {
		if err := b.flushCollection(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops the flush loop and writes what is left.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	<-b.done
	return b.Flush(ctx)
}

// Pending returns the number of buffered items.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, items := range b.buffers {
		n += len(items)
	}
	return n
}

func (b *Batcher) loop() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if err := b.Flush(context.Background()); err != nil {
				b.logger.Warn("timed flush failed", zap.Error(err))
			}
		}
	}
}

func (b *Batcher) flushCollection(ctx context.Context, collection string) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	items := b.buffers[collection]
	delete(b.buffers, collection)
	b.mu.Unlock()
	if len(items) == 0 {
		return nil
	}

	location, err := b.writer.WriteBatch(ctx, collection, items)
	if err != nil {
		b.mu.Lock()
		b.buffers[collection] = append(items, b.buffers[collection]...)
		b.mu.Unlock()
		return fmt.Errorf("write %s batch: %w", collection, err)
	}
	b.logger.Debug("batch written",
		zap.String("collection", collection),
		zap.Int("count", len(items)),
		zap.String("location", location),
	)
	if b.publisher != nil {
		event := BatchWritten{Collection: collection, Count: len(items), Location: location}
		if _, err := b.publisher.Publish(ctx, b.cfg.Topic, event); err != nil {
			b.logger.Warn("publish batch notification failed", zap.String("collection", collection), zap.Error(err))
		}
	}
	return nil
}

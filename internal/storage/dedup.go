package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SeenFilter is the membership test used to drop repeated items.
type SeenFilter interface {
	Exists(ctx context.Context, id string) (bool, error)
	Add(ctx context.Context, id string) error
}

// DedupCollector forwards only items whose ID the filter has not seen. Items
// without an ID always pass. Check and mark are separate steps, so two
// concurrent engines sharing a remote filter can both forward the same item.
type DedupCollector struct {
	next   Collector
	filter SeenFilter
	logger *zap.Logger
}

// NewDedupCollector wraps next.
func NewDedupCollector(next Collector, filter SeenFilter, logger *zap.Logger) *DedupCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DedupCollector{next: next, filter: filter, logger: logger.Named("dedup_collector")}
}

// Collect filters items, preserving order, then forwards the rest.
func (d *DedupCollector) Collect(ctx context.Context, items []Item) error {
	kept := make([]Item, 0, len(items))
	for _, item := range items {
		if item.ID == "" {
			kept = append(kept, item)
			continue
		}
		key := item.Collection + ":" + item.ID
		seen, err := d.filter.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("check item %s: %w", key, err)
		}
		if seen {
			d.logger.Debug("dropping duplicate item", zap.String("id", key))
			continue
		}
		if err := d.filter.Add(ctx, key); err != nil {
			return fmt.Errorf("mark item %s: %w", key, err)
		}
		kept = append(kept, item)
	}
	if len(kept) == 0 {
		return nil
	}
	return d.next.Collect(ctx, kept)
}

// Close closes the wrapped collector.
func (d *DedupCollector) Close(ctx context.Context) error {
	return d.next.Close(ctx)
}

// Package storage defines where parsed items go once a crawl produces them.
//
// Engines hand items to a Collector in the order a parser produced them. The
// Batcher collector buffers items per collection and writes them through a
// Writer in batches, either when a batch fills up or on a timer. Writers exist
// for blob stores (memory, local disk, GCS) and for Postgres.
package storage

import (
	"context"
	"io"
)

// Item is one parsed record. Items with an ID can be deduplicated.
type Item struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id,omitempty"`
	Fields     map[string]any `json:"fields"`
}

// Collector accepts parsed items.
type Collector interface {
	Collect(ctx context.Context, items []Item) error
	Close(ctx context.Context) error
}

// Writer persists one batch of items from a single collection and returns a
// location describing where they went.
type Writer interface {
	WriteBatch(ctx context.Context, collection string, items []Item) (string, error)
}

// BlobStore writes raw objects and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher announces stored batches.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher digests content into a stable name.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// BatchWritten is published after every successful flush.
type BatchWritten struct {
	Collection string `json:"collection"`
	Count      int    `json:"count"`
	Location   string `json:"location"`
}

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
)

// BlobWriter stores each batch as a JSON-lines object named after the hash of
// its content, so rewriting a batch after a failed flush lands on the same
// object.
type BlobWriter struct {
	store  BlobStore
	hasher Hasher
	prefix string
}

// NewBlobWriter builds a writer over store.
func NewBlobWriter(store BlobStore, hasher Hasher, prefix string) (*BlobWriter, error) {
	if store == nil || hasher == nil {
		return nil, errors.New("blob store and hasher are required")
	}
	return &BlobWriter{store: store, hasher: hasher, prefix: prefix}, nil
}

// WriteBatch encodes items as JSON lines and uploads them.
func (w *BlobWriter) WriteBatch(ctx context.Context, collection string, items []Item) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return "", fmt.Errorf("encode item: %w", err)
		}
	}
	digest, err := w.hasher.Hash(buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("hash batch: %w", err)
	}
	name := path.Join(w.prefix, collectionDir(collection), digest+".jsonl")
	uri, err := w.store.PutObject(ctx, name, "application/x-ndjson", &buf)
	if err != nil {
		return "", fmt.Errorf("put batch: %w", err)
	}
	return uri, nil
}

func collectionDir(collection string) string {
	if collection == "" {
		return "default"
	}
	return collection
}

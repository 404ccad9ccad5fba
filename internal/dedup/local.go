package dedup

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Local is an in-process bloom filter.
type Local struct {
	name   string
	params Params

	mu   sync.RWMutex
	bits *bitset.BitSet
}

// NewLocal allocates an in-memory filter.
func NewLocal(name string, params Params) *Local {
	return &Local{
		name:   name,
		params: params,
		bits:   bitset.New(uint(params.Bits)),
	}
}

// Exists reports whether every bucket for id is set.
func (l *Local) Exists(_ context.Context, id string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, idx := range l.params.indexes(id) {
		if !l.bits.Test(uint(idx)) {
			return false, nil
		}
	}
	return true, nil
}

// Add sets every bucket for id.
func (l *Local) Add(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, idx := range l.params.indexes(id) {
		l.bits.Set(uint(idx))
	}
	return nil
}

// Name returns the filter name.
func (l *Local) Name() string { return l.name }

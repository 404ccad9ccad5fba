package dedup

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis is a bloom filter whose bit array lives in a redis string so that
// several engine instances can share it. Exists followed by Add is not a
// transaction: concurrent instances can both see an id as new.
type Redis struct {
	client redis.UniversalClient
	key    string
	params Params
}

// NewRedis binds a shared filter under name. The hash count is stored next to
// the bit array; opening an existing filter with a different count fails
// because the two would disagree about bucket positions. Bits are placed by
// double hashing, so arrays written with a plain digest+i layout are not
// compatible.
func NewRedis(ctx context.Context, client redis.UniversalClient, name string, params Params) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	hashKey := name + ":num_hashes"
	set, err := client.SetNX(ctx, hashKey, params.Hashes, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("store hash count: %w", err)
	}
	if !set {
		raw, err := client.Get(ctx, hashKey).Result()
		if err != nil {
			return nil, fmt.Errorf("read hash count: %w", err)
		}
		stored, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse hash count %q: %w", raw, err)
		}
		if stored != params.Hashes {
			return nil, fmt.Errorf("filter %s uses %d hashes, configured %d", name, stored, params.Hashes)
		}
	}
	return &Redis{client: client, key: name + ":bitarray", params: params}, nil
}

// Exists reports whether every bucket for id is set.
func (r *Redis) Exists(ctx context.Context, id string) (bool, error) {
	idx := r.params.indexes(id)
	cmds := make([]*redis.IntCmd, len(idx))
	pipe := r.client.Pipeline()
	for i, offset := range idx {
		cmds[i] = pipe.GetBit(ctx, r.key, int64(offset))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("read filter bits: %w", err)
	}
	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Add sets every bucket for id.
func (r *Redis) Add(ctx context.Context, id string) error {
	pipe := r.client.Pipeline()
	for _, offset := range r.params.indexes(id) {
		pipe.SetBit(ctx, r.key, int64(offset), 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write filter bits: %w", err)
	}
	return nil
}

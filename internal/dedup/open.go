package dedup

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backend names accepted by Open.
const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

// Config selects and sizes a filter.
type Config struct {
	Backend   string
	Name      string
	Capacity  int
	ErrorRate float64
	Redis     redis.UniversalClient
}

// Open builds the configured filter.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Filter, error) {
	params, err := Size(cfg.Capacity, cfg.ErrorRate)
	if err != nil {
		return nil, fmt.Errorf("size filter: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("dedup")
	switch cfg.Backend {
	case "", BackendLocal:
		logger.Info("using local bloom filter",
			zap.String("name", cfg.Name),
			zap.Uint64("bits", params.Bits),
			zap.Int("hashes", params.Hashes),
		)
		return NewLocal(cfg.Name, params), nil
	case BackendRedis:
		f, err := NewRedis(ctx, cfg.Redis, cfg.Name, params)
		if err != nil {
			return nil, err
		}
		logger.Info("using redis bloom filter",
			zap.String("name", cfg.Name),
			zap.Uint64("bits", params.Bits),
			zap.Int("hashes", params.Hashes),
		)
		return f, nil
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Backend)
	}
}

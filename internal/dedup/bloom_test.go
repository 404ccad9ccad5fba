package dedup

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSize(t *testing.T) {
	t.Parallel()

	p, err := Size(1000, 0.01)
	require.NoError(t, err)
	require.Equal(t, uint64(9586), p.Bits)
	require.Equal(t, 7, p.Hashes)

	_, err = Size(0, 0.01)
	require.Error(t, err)
	_, err = Size(10, 0)
	require.Error(t, err)
	_, err = Size(10, 1)
	require.Error(t, err)
}

func TestIndexesStayInRange(t *testing.T) {
	t.Parallel()

	p := Params{Bits: 97, Hashes: 5}
	for i := 0; i < 200; i++ {
		idx := p.indexes(fmt.Sprintf("id-%d", i))
		require.Len(t, idx, 5)
		for _, v := range idx {
			require.Less(t, v, uint64(97))
		}
	}
	require.Equal(t, p.indexes("same"), p.indexes("same"))
}

func TestLocalNoFalseNegativesAndBoundedFalsePositives(t *testing.T) {
	t.Parallel()

	const capacity = 2000
	const rate = 0.01
	p, err := Size(capacity, rate)
	require.NoError(t, err)
	f := NewLocal("items", p)
	ctx := context.Background()

	for i := 0; i < capacity; i++ {
		require.NoError(t, f.Add(ctx, fmt.Sprintf("inserted-%d", i)))
	}
	for i := 0; i < capacity; i++ {
		ok, err := f.Exists(ctx, fmt.Sprintf("inserted-%d", i))
		require.NoError(t, err)
		require.True(t, ok, "inserted id %d reported missing", i)
	}

	falsePositives := 0
	for i := 0; i < capacity; i++ {
		ok, err := f.Exists(ctx, fmt.Sprintf("probe-%d", i))
		require.NoError(t, err)
		if ok {
			falsePositives++
		}
	}
	// Expected around capacity*rate hits; allow twice that for sampling noise.
	require.LessOrEqual(t, float64(falsePositives)/capacity, 2*rate)
}

func newRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisFilter(t *testing.T) {
	t.Parallel()

	mr, client := newRedisClient(t)
	ctx := context.Background()
	p, err := Size(100, 0.01)
	require.NoError(t, err)

	f, err := NewRedis(ctx, client, "crawl.down_item", p)
	require.NoError(t, err)

	ok, err := f.Exists(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, f.Add(ctx, "https://example.com/a"))
	ok, err = f.Exists(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, mr.Exists("crawl.down_item:bitarray"))
	got, err := mr.Get("crawl.down_item:num_hashes")
	require.NoError(t, err)
	require.Equal(t, fmt.Sprint(p.Hashes), got)

	// A second instance shares the same bits.
	other, err := NewRedis(ctx, client, "crawl.down_item", p)
	require.NoError(t, err)
	ok, err = other.Exists(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisFilterRejectsHashMismatch(t *testing.T) {
	t.Parallel()

	_, client := newRedisClient(t)
	ctx := context.Background()
	_, err := NewRedis(ctx, client, "shared", Params{Bits: 1024, Hashes: 3})
	require.NoError(t, err)
	_, err = NewRedis(ctx, client, "shared", Params{Bits: 1024, Hashes: 4})
	require.ErrorContains(t, err, "uses 3 hashes")
}

func TestOpenSelectsBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f, err := Open(ctx, Config{Name: "x", Capacity: 10, ErrorRate: 0.1}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &Local{}, f)

	_, client := newRedisClient(t)
	f, err = Open(ctx, Config{Backend: BackendRedis, Name: "x", Capacity: 10, ErrorRate: 0.1, Redis: client}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &Redis{}, f)

	_, err = Open(ctx, Config{Backend: "mongo", Name: "x", Capacity: 10, ErrorRate: 0.1}, zap.NewNop())
	require.Error(t, err)
	_, err = Open(ctx, Config{Name: "x", Capacity: 0, ErrorRate: 0.1}, zap.NewNop())
	require.Error(t, err)
}

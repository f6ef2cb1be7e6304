package cachebackend

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grcache/internal/backend"
	"grcache/internal/cachekey"
)

// fakeRedis is an in-memory stand-in for *redis.Client, exercised through
// the redisClient seam so these tests never need a live Redis server.
type fakeRedis struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string][]byte)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	v, ok := f.data[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(string(v))
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = v
	case string:
		f.data[key] = []byte(v)
	}
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func newTestBackend(t *testing.T, backends []backend.Backend) (*Backend, *backend.Handle, map[string]*fakeRedis) {
	t.Helper()
	handle := backend.NewHandle(nil)
	handle.Publish(backend.NewSet(backends))

	fakes := make(map[string]*fakeRedis)
	b := &Backend{
		handle: handle,
		log:    nil,
		done:   make(chan struct{}),
	}
	b.newClient = func(be backend.Backend) redisClient {
		f := newFakeRedis()
		fakes[be.ID()] = f
		return f
	}
	// replicate New()'s nil-log default and initial reconcile without
	// starting the background watch goroutine, keeping the test synchronous.
	b.log = slog.New(slog.DiscardHandler)
	b.reconcile(handle.Current())
	return b, handle, fakes
}

func TestLookupMissWhenNoPools(t *testing.T) {
	b, _, _ := newTestBackend(t, nil)
	_, ok := b.Lookup(context.Background(), cachekey.Key{1})
	assert.False(t, ok)
}

func TestStoreThenLookupRoundTrips(t *testing.T) {
	backends := []backend.Backend{
		{IP: "10.0.0.1", Port: 6379},
		{IP: "10.0.0.2", Port: 6379},
		{IP: "10.0.0.3", Port: 6379},
	}
	b, _, _ := newTestBackend(t, backends)

	key := cachekey.Key{9, 9, 9}
	miss := b.BeginMiss(key)
	miss.WriteBody([]byte("hello "))
	miss.WriteBody([]byte("world"))
	miss.SetMeta([]byte("h"), []byte("e"))
	miss.Finish(context.Background())

	entry, ok := b.Lookup(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, []byte("hello world"), entry.Data)
	assert.Equal(t, []byte("h"), entry.HeadersBlob)
	assert.Equal(t, []byte("e"), entry.ExtendedBlob)
}

func TestPickIsStableForRepeatedLookups(t *testing.T) {
	backends := []backend.Backend{
		{IP: "10.0.0.1", Port: 6379},
		{IP: "10.0.0.2", Port: 6379},
	}
	b, _, _ := newTestBackend(t, backends)

	key := cachekey.Key{5, 5, 5}
	c1, ok1 := b.pick(key)
	c2, ok2 := b.pick(key)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Same(t, c1.(*fakeRedis), c2.(*fakeRedis))
}

func TestReconcileRemovesDroppedBackend(t *testing.T) {
	backends := []backend.Backend{
		{IP: "10.0.0.1", Port: 6379},
		{IP: "10.0.0.2", Port: 6379},
	}
	b, _, fakes := newTestBackend(t, backends)
	require.Len(t, fakes, 2)

	b.reconcile(backend.NewSet(backends[:1]))

	_, stillPooled := b.pools.Load(backends[1].ID())
	assert.False(t, stillPooled)
	assert.True(t, fakes[backends[1].ID()].closed)
}

func TestPurgeAndUpdateMetaAreNoops(t *testing.T) {
	b, _, _ := newTestBackend(t, nil)
	assert.NoError(t, b.Purge(context.Background(), cachekey.Key{}))
	assert.NoError(t, b.UpdateMeta(context.Background(), cachekey.Key{}, nil, nil))
}

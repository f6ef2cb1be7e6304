// Package cachebackend presents the proxy pipeline a unified cache storage
// interface while distributing entries across a changing set of Redis
// shards, selected per key by consistent hashing.
package cachebackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"grcache/internal/backend"
	"grcache/internal/cachekey"
)

// MaxProbeCandidates bounds how many ranked shards a lookup or store will
// try before giving up, per spec section 4.3.
const MaxProbeCandidates = 255

// Storage is the capability the proxy pipeline consumes: lookup, begin a
// miss, accumulate body bytes, finish the miss by writing the entry, and
// two no-op best-effort hooks. Expressed as an interface (rather than a
// concrete struct) so tests can substitute a mock deterministically, per
// spec section 9's "abstract capability" guidance.
type Storage interface {
	Lookup(ctx context.Context, key cachekey.Key) (cachekey.Entry, bool)
	BeginMiss(key cachekey.Key) Miss
	Purge(ctx context.Context, key cachekey.Key) error
	UpdateMeta(ctx context.Context, key cachekey.Key, headers, extended []byte) error
}

// Miss is the write-side capability for one cache miss: accumulate body
// bytes as they stream from the upstream, attach opaque metadata, and
// commit on Finish.
type Miss interface {
	WriteBody(b []byte)
	SetMeta(headers, extended []byte)
	Finish(ctx context.Context)
}

// MissHandler accumulates a response body in memory while a request is
// being forwarded, then writes the assembled entry on Finish.
type MissHandler struct {
	key     cachekey.Key
	backend *Backend
	buf     []byte

	headersBlob  []byte
	extendedBlob []byte
}

// WriteBody appends body bytes as they arrive from the upstream.
func (m *MissHandler) WriteBody(b []byte) {
	m.buf = append(m.buf, b...)
}

// SetMeta attaches the opaque metadata blobs produced by the pipeline's
// cache-meta serializer. Storage never inspects their contents.
func (m *MissHandler) SetMeta(headers, extended []byte) {
	m.headersBlob = headers
	m.extendedBlob = extended
}

// Finish re-selects a shard (the backend set may have changed since
// lookup) and writes the entry with no expiry; TTL enforcement is the
// pipeline's responsibility (section 4.5.3). Errors are logged and
// swallowed: correctness never depends on a successful store.
func (m *MissHandler) Finish(ctx context.Context) {
	m.backend.writeEntry(ctx, m.key, cachekey.Entry{
		StoredAt:     time.Now().UnixNano(),
		HeadersBlob:  m.headersBlob,
		ExtendedBlob: m.extendedBlob,
		Data:         m.buf,
	})
}

// redisClient is the slice of *redis.Client this package relies on. It
// exists so tests can substitute a fake shard without a live Redis server.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	Close() error
}

// Backend is the sharded cache client: it owns a lazily constructed pool
// of redisClient, one per backend.Backend, and routes every key to a
// shard via rendezvous hashing over the cache host's live backend set.
type Backend struct {
	handle    *backend.Handle
	rv        backend.Rendezvous
	log       *slog.Logger
	newClient func(be backend.Backend) redisClient

	pools sync.Map // backend.Backend.ID() -> redisClient

	done chan struct{}
}

// New builds a Backend watching handle for shard membership changes. The
// returned Backend must have Close called to stop its pool-maintenance
// task; it does not release handle (the caller owns that reference).
func New(handle *backend.Handle, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	b := &Backend{
		handle: handle,
		log:    log,
		newClient: func(be backend.Backend) redisClient {
			return redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%d", be.IP, be.Port)})
		},
		done: make(chan struct{}),
	}
	b.reconcile(handle.Current())
	go b.maintainPools()
	return b
}

// Close stops the pool-maintenance task and closes every open client.
func (b *Backend) Close() {
	close(b.done)
	b.pools.Range(func(_, v any) bool {
		_ = v.(redisClient).Close()
		return true
	})
}

func (b *Backend) maintainPools() {
	watch := b.handle.Watch()
	for {
		select {
		case <-b.done:
			return
		case set := <-watch:
			b.reconcile(set)
		}
	}
}

// reconcile adds pools for newly-present backends and removes pools for
// backends no longer in the set. Safe against concurrent lookups/stores:
// the pools map is a sync.Map, and a reader that misses an in-flight
// construction simply treats the request as a miss.
func (b *Backend) reconcile(set backend.Set) {
	live := make(map[string]bool, set.Len())
	for _, be := range set.Members() {
		live[be.ID()] = true
		if _, ok := b.pools.Load(be.ID()); ok {
			continue
		}
		b.pools.Store(be.ID(), b.newClient(be))
	}

	b.pools.Range(func(k, v any) bool {
		id := k.(string)
		if !live[id] {
			_ = v.(redisClient).Close()
			b.pools.Delete(id)
		}
		return true
	})
}

// pick returns the Redis client for key's shard, probing up to
// MaxProbeCandidates ranked candidates for one with a live pool.
func (b *Backend) pick(key cachekey.Key) (redisClient, bool) {
	set := b.handle.Current()
	candidates := b.rv.Probe(set, string(key[:]), MaxProbeCandidates, func(be backend.Backend) bool {
		_, ok := b.pools.Load(be.ID())
		return ok
	})
	if len(candidates) == 0 {
		return nil, false
	}
	v, ok := b.pools.Load(candidates[0].ID())
	if !ok {
		return nil, false
	}
	return v.(redisClient), true
}

// Lookup reads the stored blob for key. A connection-pool failure, a
// missing pool, or an unrecognized version byte are all treated
// identically: a miss.
func (b *Backend) Lookup(ctx context.Context, key cachekey.Key) (cachekey.Entry, bool) {
	client, ok := b.pick(key)
	if !ok {
		return cachekey.Entry{}, false
	}

	raw, err := client.Get(ctx, key.String()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			b.log.Warn("cache lookup failed", "key", key, "error", err)
		}
		return cachekey.Entry{}, false
	}

	entry, err := cachekey.Decode(raw)
	if err != nil {
		b.log.Warn("cache entry decode failed, treating as miss", "key", key, "error", err)
		return cachekey.Entry{}, false
	}
	return entry, true
}

// BeginMiss returns a handler that accumulates body bytes until Finish is
// called.
func (b *Backend) BeginMiss(key cachekey.Key) Miss {
	return &MissHandler{key: key, backend: b}
}

func (b *Backend) writeEntry(ctx context.Context, key cachekey.Key, entry cachekey.Entry) {
	client, ok := b.pick(key)
	if !ok {
		b.log.Debug("no shard available for store, dropping", "key", key)
		return
	}
	raw := cachekey.Encode(entry)
	if err := client.Set(ctx, key.String(), raw, 0).Err(); err != nil {
		b.log.Warn("cache store failed", "key", key, "error", err)
	}
}

// Purge is a no-op: best-effort, negative-ack, per spec section 4.3.
func (b *Backend) Purge(ctx context.Context, key cachekey.Key) error { return nil }

// UpdateMeta is a no-op: best-effort, negative-ack, per spec section 4.3.
func (b *Backend) UpdateMeta(ctx context.Context, key cachekey.Key, headers, extended []byte) error {
	return nil
}

var _ Storage = (*Backend)(nil)

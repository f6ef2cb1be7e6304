// Package backend models a single network destination (host:port) and the
// load-balancing strategies used to pick one out of a changing set.
package backend

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Backend is one resolved destination: an IP address paired with the port
// the caller asked to reach, plus the original hostname it was resolved
// from (kept for logging; identity is IP and port only, see ID).
type Backend struct {
	Host string // original hostname, e.g. "cache-shard-1.internal"
	Port int
	IP   string // resolved IPv4 address
}

// ID is the stable identity used for hashing, routing tables, and as the
// sync.Map key in the cache backend's pool. Two Backend values with the
// same ID are interchangeable.
func (b Backend) ID() string {
	return fmt.Sprintf("%s:%d", b.IP, b.Port)
}

func (b Backend) String() string {
	return fmt.Sprintf("%s(%s):%d", b.Host, b.IP, b.Port)
}

// Set is an immutable, totally ordered snapshot of backends for one
// (host, port) discovery target. Ordering is by ID so two sets built from
// the same members always compare and hash the same way.
type Set struct {
	members []Backend
}

// NewSet builds a Set from an unordered slice, sorting and de-duplicating
// by ID.
func NewSet(backends []Backend) Set {
	if len(backends) == 0 {
		return Set{}
	}
	cp := make([]Backend, len(backends))
	copy(cp, backends)
	sort.Slice(cp, func(i, j int) bool { return cp[i].ID() < cp[j].ID() })
	out := cp[:1]
	for _, b := range cp[1:] {
		if b.ID() != out[len(out)-1].ID() {
			out = append(out, b)
		}
	}
	return Set{members: out}
}

// Members returns the backends in stable order. Callers must not mutate
// the returned slice.
func (s Set) Members() []Backend { return s.members }

// Len reports how many distinct backends are in the set.
func (s Set) Len() int { return len(s.members) }

// Equal reports whether two sets contain the same backends.
func (s Set) Equal(other Set) bool {
	if len(s.members) != len(other.members) {
		return false
	}
	for i := range s.members {
		if s.members[i].ID() != other.members[i].ID() {
			return false
		}
	}
	return true
}

// Handle is a reference-counted view onto the live backend Set for one
// discovery target. Discovery publishes new sets by calling Publish; callers
// read the current set via Current() and can subscribe to changes via
// Watch(). The underlying discovery loop is torn down once the last
// reference is released (see internal/discovery).
type Handle struct {
	mu       sync.RWMutex
	current  Set
	ready    bool
	watchers []chan Set

	refs int32

	release func()
}

// NewHandle creates a handle backed by release, the teardown hook invoked
// when the reference count drops to zero.
func NewHandle(release func()) *Handle {
	return &Handle{release: release}
}

// Ready reports whether this handle has ever seen a successful resolution.
// It latches true on the first Publish and never returns to false, even
// across later re-resolution errors, so callers distinguish "not yet
// resolved" from "transient resolution error".
func (h *Handle) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Retain increments the reference count. Pair every Retain with a Release.
func (h *Handle) Retain() {
	atomic.AddInt32(&h.refs, 1)
}

// Release decrements the reference count, tearing the handle down when it
// reaches zero.
func (h *Handle) Release() {
	if atomic.AddInt32(&h.refs, -1) == 0 && h.release != nil {
		h.release()
	}
}

// Current returns the most recently published Set.
func (h *Handle) Current() Set {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Publish installs a new Set and notifies watchers. Called by the
// discovery loop, never by proxy/cache code.
func (h *Handle) Publish(s Set) {
	h.mu.Lock()
	h.current = s
	h.ready = true
	watchers := make([]chan Set, len(h.watchers))
	copy(watchers, h.watchers)
	h.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- s:
		default:
			// slow watcher: replace its stale buffered set with s so it
			// observes the latest set instead of blocking discovery.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// Watch returns a channel that receives published Sets. The channel is
// buffered by one slot holding the latest unread Set; a watcher that falls
// behind misses intermediate sets but never blocks publication.
func (h *Handle) Watch() <-chan Set {
	ch := make(chan Set, 1)
	h.mu.Lock()
	h.watchers = append(h.watchers, ch)
	h.mu.Unlock()
	return ch
}

// RoundRobin is an unweighted round-robin selector over a Set. It carries
// no state beyond its cursor, so the same RoundRobin can be reused across
// re-resolved sets.
type RoundRobin struct {
	cursor uint64
}

// Next returns the next backend to try, or false if the set is empty.
func (r *RoundRobin) Next(s Set) (Backend, bool) {
	members := s.Members()
	if len(members) == 0 {
		return Backend{}, false
	}
	i := atomic.AddUint64(&r.cursor, 1) - 1
	return members[i%uint64(len(members))], true
}

// Rendezvous picks backends by highest-random-weight (HRW) hashing: for a
// given key, every backend gets a score derived from xxhash(key, backend
// ID), and the backend with the highest score wins. Unlike a single-winner
// lookup, Probe exposes the full ranked order so callers can skip
// unhealthy or pool-less candidates up to a bound, per spec section 4.2's
// "probe up to N candidates against a predicate" requirement.
type Rendezvous struct{}

type scored struct {
	backend Backend
	score   uint64
}

func score(key string, id string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(key)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(id)
	return h.Sum64()
}

// Probe tries the n highest-scoring backends for key, in descending score
// order, and returns those that satisfy ok. Backends ranked below the
// first n are never probed.
func (Rendezvous) Probe(s Set, key string, n int, ok func(Backend) bool) []Backend {
	members := s.Members()
	if len(members) == 0 || n <= 0 {
		return nil
	}
	ranked := make([]scored, len(members))
	for i, b := range members {
		ranked[i] = scored{backend: b, score: score(key, b.ID())}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > n {
		ranked = ranked[:n]
	}

	out := make([]Backend, 0, len(ranked))
	for _, r := range ranked {
		if ok == nil || ok(r.backend) {
			out = append(out, r.backend)
		}
	}
	return out
}

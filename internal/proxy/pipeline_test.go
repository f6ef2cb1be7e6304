package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grcache/internal/backend"
	"grcache/internal/cachebackend"
	"grcache/internal/cachekey"
	"grcache/internal/discovery"
	"grcache/internal/registry"
)

// memMiss accumulates a body in memory and commits it straight into the
// owning memStorage on Finish.
type memMiss struct {
	store        *memStorage
	key          cachekey.Key
	buf          []byte
	headers, ext []byte
}

func (m *memMiss) WriteBody(b []byte)              { m.buf = append(m.buf, b...) }
func (m *memMiss) SetMeta(headers, extended []byte) { m.headers, m.ext = headers, extended }
func (m *memMiss) Finish(context.Context) {
	m.store.data[m.key] = cachekey.Entry{StoredAt: time.Now().UnixNano(), HeadersBlob: m.headers, ExtendedBlob: m.ext, Data: m.buf}
}

// memStorage is an in-memory cachebackend.Storage used to test the
// pipeline without a real Redis shard.
type memStorage struct {
	data map[cachekey.Key]cachekey.Entry
}

func newMemStorage() *memStorage { return &memStorage{data: map[cachekey.Key]cachekey.Entry{}} }

func (m *memStorage) Lookup(_ context.Context, key cachekey.Key) (cachekey.Entry, bool) {
	e, ok := m.data[key]
	return e, ok
}

func (m *memStorage) BeginMiss(key cachekey.Key) cachebackend.Miss {
	return &memMiss{store: m, key: key}
}

func (m *memStorage) Purge(context.Context, cachekey.Key) error                     { return nil }
func (m *memStorage) UpdateMeta(context.Context, cachekey.Key, []byte, []byte) error { return nil }

// fakeForwarder returns a canned response for every request, recording
// how many times it was called.
type fakeForwarder struct {
	calls    int
	status   int
	body     []byte
	trailers http.Header
	err      error
}

func (f *fakeForwarder) Forward(_ context.Context, _ backend.Backend, _ *http.Request) (*http.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: f.status,
		Header:     http.Header{},
		Trailer:    f.trailers,
		Body:       io.NopCloser(bytes.NewReader(f.body)),
	}, nil
}

func newTestRegistry() *registry.Registry {
	disc := discovery.NewRegistry(discovery.Config{}, nil)
	return registry.New(disc, nil, nil)
}

func TestUnknownServiceReturns404(t *testing.T) {
	reg := newTestRegistry()
	fwd := &fakeForwarder{}
	p := New(reg.Services(), newMemStorage(), fwd, Config{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/pkg.Unknown/M", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, fwd.calls)
}

func applyPassthrough(t *testing.T, reg *registry.Registry, service, host string, port int) {
	t.Helper()
	reg.Apply(registry.ResourceEvent{Kind: registry.Apply, Resource: registry.ServiceResource{
		Ref:          registry.ResourceRef{Namespace: "ns", Name: service},
		ServiceName:  service,
		UpstreamHost: host,
		UpstreamPort: port,
	}})
}

func TestPassthroughWithNoBackendsReturns502(t *testing.T) {
	reg := newTestRegistry()
	// host resolves to nothing in this sandbox, so the discovery-backed
	// handle starts (and stays, within the test's lifetime) empty.
	applyPassthrough(t, reg, "pkg.S", "nonexistent.invalid", 1)

	fwd := &fakeForwarder{}
	p := New(reg.Services(), newMemStorage(), fwd, Config{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/pkg.S/M", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPassthroughMissingTrailersForwardsWithoutCaching(t *testing.T) {
	store := newMemStorage()
	fwd := &fakeForwarder{status: 200, body: []byte{0, 0, 0, 0, 0}, trailers: http.Header{}}

	services, handle := directServices("pkg.S", &registry.ServiceSpec{Passthrough: true, Methods: map[string]registry.MethodSpec{}})
	handle.Publish(backend.NewSet([]backend.Backend{{Host: "up", Port: 50051, IP: "127.0.0.1"}}))

	p := New(services, store, fwd, Config{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/pkg.S/M", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte{0, 0, 0, 0, 0}, rec.Body.Bytes())
	assert.Equal(t, 1, fwd.calls)
	assert.Empty(t, store.data)
}

func TestCacheableMethodHitsOnSecondRequest(t *testing.T) {
	store := newMemStorage()
	fwd := &fakeForwarder{status: 200, body: []byte("response-bytes"), trailers: http.Header{"Grpc-Status": {"0"}}}

	methods := map[string]registry.MethodSpec{
		"M": {Name: "M", Cache: &registry.CacheSpec{TTLSeconds: 60}},
	}
	services, handle := directServices("pkg.S", &registry.ServiceSpec{Methods: methods})
	handle.Publish(backend.NewSet([]backend.Backend{{Host: "up", Port: 50051, IP: "127.0.0.1"}}))

	p := New(services, store, fwd, Config{}, nil)

	req1 := httptest.NewRequest(http.MethodPost, "/pkg.S/M", nil)
	rec1 := httptest.NewRecorder()
	p.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)
	assert.Equal(t, 1, fwd.calls)
	assert.Len(t, store.data, 1)
	assert.Equal(t, "0", rec1.Header().Get(http.TrailerPrefix+"Grpc-Status"), "forwarded response must carry the grpc-status trailer")

	req2 := httptest.NewRequest(http.MethodPost, "/pkg.S/M", nil)
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)

	assert.Equal(t, 1, fwd.calls, "second request must be served from cache, no new upstream call")
	assert.Equal(t, rec1.Body.Bytes(), rec2.Body.Bytes())
	assert.Equal(t, "0", rec2.Header().Get(http.TrailerPrefix+"Grpc-Status"), "cache hit must replay the grpc-status trailer")
}

func TestExpiredCacheEntryIsTreatedAsMiss(t *testing.T) {
	store := newMemStorage()
	fwd := &fakeForwarder{status: 200, body: []byte("response-bytes"), trailers: http.Header{"Grpc-Status": {"0"}}}

	methods := map[string]registry.MethodSpec{
		"M": {Name: "M", Cache: &registry.CacheSpec{TTLSeconds: 60}},
	}
	services, handle := directServices("pkg.S", &registry.ServiceSpec{Methods: methods})
	handle.Publish(backend.NewSet([]backend.Backend{{Host: "up", Port: 50051, IP: "127.0.0.1"}}))

	p := New(services, store, fwd, Config{}, nil)

	req1 := httptest.NewRequest(http.MethodPost, "/pkg.S/M", nil)
	p.ServeHTTP(httptest.NewRecorder(), req1)
	require.Equal(t, 1, fwd.calls)
	require.Len(t, store.data, 1)

	for key, entry := range store.data {
		entry.StoredAt = time.Now().Add(-2 * time.Minute).UnixNano()
		store.data[key] = entry
	}

	req2 := httptest.NewRequest(http.MethodPost, "/pkg.S/M", nil)
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)

	assert.Equal(t, 2, fwd.calls, "an expired entry must be treated as a miss and refetched")
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestNonZeroGRPCStatusNeverCaches(t *testing.T) {
	store := newMemStorage()
	fwd := &fakeForwarder{status: 200, body: []byte("error body"), trailers: http.Header{"Grpc-Status": {"13"}}}

	methods := map[string]registry.MethodSpec{
		"M": {Name: "M", Cache: &registry.CacheSpec{TTLSeconds: 60}},
	}
	services, handle := directServices("pkg.S", &registry.ServiceSpec{Methods: methods})
	handle.Publish(backend.NewSet([]backend.Backend{{Host: "up", Port: 50051, IP: "127.0.0.1"}}))

	p := New(services, store, fwd, Config{}, nil)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/pkg.S/M", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2, fwd.calls, "every request must miss and hit the upstream")
	assert.Empty(t, store.data)
}

// directServices builds a registry.Services containing exactly one
// service, bypassing the registry's resolution machinery so tests can
// control the ServiceSpec and Backends handle directly.
func directServices(name string, spec *registry.ServiceSpec) (*registry.Services, *backend.Handle) {
	reg := newTestRegistry()
	handle := backend.NewHandle(nil)
	svc := reg.Services()

	// There is no exported direct-insert API by design (all writes go
	// through UpdateIfNewer); tests reach it via the same Apply path
	// production uses to learn the current generation, then publish a
	// strictly newer one carrying the test's spec and handle.
	reg.Apply(registry.ResourceEvent{Kind: registry.Apply, Resource: registry.ServiceResource{
		Ref:          registry.ResourceRef{Namespace: "ns", Name: name},
		ServiceName:  name,
		UpstreamHost: "placeholder.invalid",
		UpstreamPort: 1,
	}})
	data, _ := svc.Get(name)
	data.Generation++
	data.Spec = spec
	data.Backends = handle
	svc.UpdateIfNewer(name, data)

	return svc, handle
}

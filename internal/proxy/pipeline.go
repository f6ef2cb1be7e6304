// Package proxy implements the per-request state machine: classify the
// request, derive a cache key when applicable, attempt a cache lookup,
// forward to an upstream on a miss, classify the response by gRPC
// trailers rather than HTTP status, and store on a cacheable miss.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"grcache/internal/backend"
	"grcache/internal/cachebackend"
	"grcache/internal/cachekey"
	"grcache/internal/registry"
)

// State names the pipeline's observable states, per spec section 9's
// "encode the pipeline as an explicit state machine" guidance.
type State int

const (
	StateReceived State = iota
	StateClassified
	StateKeyDerived
	StateForwarding
	StateClassifying
	StateStoring
	StateDone
)

// CoreHeaders is the set of headers always forwarded, regardless of the
// Vary set or the propagation allow-list.
var CoreHeaders = map[string]bool{
	"host":         true,
	"content-type": true,
	"te":           true,
	"vary":         true,
	"user-agent":   true,
}

// Config bounds pipeline behavior that is deployment-specific.
type Config struct {
	MaxBufferedBody   int64    // request body cap for caching (413 beyond this)
	PropagationHeaders []string // additional headers allowed through unmodified
}

// Pipeline wires the registry, cache backend, and upstream transport
// together behind a single http.Handler.
type Pipeline struct {
	services *registry.Services
	cache    cachebackend.Storage
	cfg      Config
	log      *slog.Logger
	upstream Forwarder
	tracer   Tracer
	metrics  Metrics
}

// Forwarder performs the actual upstream HTTP/2 round trip. Expressed as
// an interface so tests can substitute a mock transport deterministically,
// per spec section 9.
type Forwarder interface {
	Forward(ctx context.Context, be backend.Backend, req *http.Request) (*http.Response, error)
}

// Tracer annotates the pipeline's state-machine transitions on the
// request's span. The default no-op implementation keeps tracing optional
// for deployments with Config.Tracing.Enabled == false.
type Tracer interface {
	StartRequest(ctx context.Context) (context.Context, func(err error))
	Annotate(ctx context.Context, service, method string)
	Phase(ctx context.Context, name string)
}

type noopTracer struct{}

func (noopTracer) StartRequest(ctx context.Context) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (noopTracer) Annotate(context.Context, string, string) {}
func (noopTracer) Phase(context.Context, string)            {}

// Metrics records pipeline outcomes, mirroring Tracer's optional-ambient-
// concern shape: a no-op default keeps Prometheus registration out of the
// constructor.
type Metrics interface {
	RecordRequest(service, method, outcome string, duration time.Duration)
	RecordCacheHit(service, method string)
	RecordCacheMiss(service, method string)
}

type noopMetrics struct{}

func (noopMetrics) RecordRequest(string, string, string, time.Duration) {}
func (noopMetrics) RecordCacheHit(string, string)                       {}
func (noopMetrics) RecordCacheMiss(string, string)                      {}

// New builds a Pipeline.
func New(services *registry.Services, cache cachebackend.Storage, upstream Forwarder, cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxBufferedBody <= 0 {
		cfg.MaxBufferedBody = 4 << 20 // 4 MiB
	}
	return &Pipeline{services: services, cache: cache, cfg: cfg, log: log, upstream: upstream, tracer: noopTracer{}, metrics: noopMetrics{}}
}

// SetTracer installs a Tracer, replacing the default no-op. Separated from
// New so tracing remains an optional ambient concern rather than a
// required constructor argument.
func (p *Pipeline) SetTracer(t Tracer) {
	if t != nil {
		p.tracer = t
	}
}

// SetMetrics installs a Metrics recorder, replacing the default no-op.
func (p *Pipeline) SetMetrics(m Metrics) {
	if m != nil {
		p.metrics = m
	}
}

// ServeHTTP is the pipeline's entry point, implementing the Received →
// Classified → ... → Done state sequence of spec section 4.5.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	traceCtx, finish := p.tracer.StartRequest(r.Context())
	r = r.WithContext(traceCtx)

	ctx := &requestCtx{state: StateReceived, w: w, r: r}
	p.tracer.Phase(traceCtx, "received")

	if !p.classify(ctx) {
		p.respondError(ctx)
		finish(fmt.Errorf("%s", ctx.errMsg))
		p.metrics.RecordRequest(ctx.service, ctx.method, "error", time.Since(start))
		return
	}
	ctx.state = StateClassified
	p.tracer.Annotate(traceCtx, ctx.service, ctx.method)
	p.tracer.Phase(traceCtx, "classified")

	if ctx.doCache {
		key, err := p.deriveKey(ctx)
		if err != nil {
			p.log.Warn("cache key derivation failed, proxying without caching", "error", err)
			ctx.doCache = false
		} else {
			ctx.key = key
			ctx.state = StateKeyDerived
			p.tracer.Phase(traceCtx, "key_derived")
			if entry, hit := p.cache.Lookup(r.Context(), key); hit && cacheEntryFresh(entry, ctx.ttl) {
				p.tracer.Phase(traceCtx, "cache_hit")
				p.metrics.RecordCacheHit(ctx.service, ctx.method)
				p.writeHit(ctx, entry)
				finish(nil)
				p.metrics.RecordRequest(ctx.service, ctx.method, "cache_hit", time.Since(start))
				return
			}
			p.metrics.RecordCacheMiss(ctx.service, ctx.method)
		}
	}

	p.forward(ctx)
	finish(nil)
	p.metrics.RecordRequest(ctx.service, ctx.method, "forwarded", time.Since(start))
}

// requestCtx carries per-request pipeline state. It is the RequestCtx
// value spec section 9 calls for: transitions are driven by the methods
// below rather than scattered callbacks.
type requestCtx struct {
	state State
	w     http.ResponseWriter
	r     *http.Request

	service string
	method  string
	spec    *registry.ServiceSpec
	data    registry.ServiceData

	vary    map[string][]string
	doCache bool
	ttl     int64
	body    []byte

	key cachekey.Key

	errStatus int
	errMsg    string
}

func (p *Pipeline) fail(ctx *requestCtx, status int, msg string) bool {
	ctx.errStatus = status
	ctx.errMsg = msg
	return false
}

func (p *Pipeline) respondError(ctx *requestCtx) {
	http.Error(ctx.w, ctx.errMsg, ctx.errStatus)
}

// classify implements section 4.5.1: path parsing, service/method lookup,
// Vary parsing, the do_cache decision, and header stripping.
func (p *Pipeline) classify(ctx *requestCtx) bool {
	service, method, ok := parsePath(ctx.r.URL.Path)
	if !ok {
		return p.fail(ctx, http.StatusBadRequest, "malformed request path")
	}
	ctx.service = service
	ctx.method = method

	data, ok := p.services.Get(service)
	if !ok || data.Backends == nil {
		return p.fail(ctx, http.StatusNotFound, "unknown or unrouted service")
	}
	ctx.data = data

	var methodSpec registry.MethodSpec
	if data.Spec != nil && !data.Spec.Passthrough {
		ms, found := data.Spec.Methods[method]
		if !found {
			p.log.Warn("unknown method on non-passthrough service, proxying without caching", "service", service, "method", method)
		} else {
			methodSpec = ms
			ctx.spec = data.Spec
		}
	}

	ctx.vary = parseVary(ctx.r.Header)

	ctx.doCache = methodSpec.Cache != nil && methodSpec.Cache.TTLSeconds > 0
	if ctx.doCache {
		ctx.ttl = methodSpec.Cache.TTLSeconds

		body, err := io.ReadAll(io.LimitReader(ctx.r.Body, p.cfg.MaxBufferedBody+1))
		if err != nil {
			return p.fail(ctx, http.StatusInternalServerError, "failed to read request body")
		}
		if int64(len(body)) > p.cfg.MaxBufferedBody {
			return p.fail(ctx, http.StatusRequestEntityTooLarge, "request body exceeds cache buffer cap")
		}
		ctx.body = body

		stripHeaders(ctx.r, ctx.vary, p.cfg.PropagationHeaders)
	}

	return true
}

func parsePath(path string) (service, method string, ok bool) {
	if len(path) == 0 || path[0] != '/' {
		return "", "", false
	}
	rest := path[1:]
	idx := strings.IndexByte(rest, '/')
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

func parseVary(h http.Header) map[string][]string {
	out := map[string][]string{}
	for _, line := range h.Values("Vary") {
		for _, name := range strings.Split(line, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			out[name] = h.Values(http.CanonicalHeaderKey(name))
		}
	}
	return out
}

func stripHeaders(r *http.Request, vary map[string][]string, propagation []string) {
	allow := map[string]bool{}
	for _, h := range propagation {
		allow[strings.ToLower(h)] = true
	}
	for name := range vary {
		allow[name] = true
	}

	for name := range r.Header {
		lower := strings.ToLower(name)
		if CoreHeaders[lower] || allow[lower] {
			continue
		}
		r.Header.Del(name)
	}
}

// deriveKey implements section 4.5.2.
func (p *Pipeline) deriveKey(ctx *requestCtx) (cachekey.Key, error) {
	return cachekey.Derive(ctx.vary, ctx.r.URL.Path, ctx.body)
}

// cacheEntryFresh implements section 4.5.3's cache_hit_filter: an entry is
// servable only while its age is within the method's configured TTL.
func cacheEntryFresh(entry cachekey.Entry, ttlSeconds int64) bool {
	age := time.Since(time.Unix(0, entry.StoredAt))
	return age <= time.Duration(ttlSeconds)*time.Second
}

// writeHit replays a stored entry as if it had just come from upstream:
// the captured response headers, the body, and finally the captured
// trailers (notably grpc-status), so a cache hit is indistinguishable
// from a forwarded response.
func (p *Pipeline) writeHit(ctx *requestCtx, entry cachekey.Entry) {
	if len(entry.HeadersBlob) > 0 {
		if h, err := decodeHeaderBlob(entry.HeadersBlob); err == nil {
			for k, vv := range h {
				for _, v := range vv {
					ctx.w.Header().Add(k, v)
				}
			}
		}
	}

	var trailer http.Header
	if len(entry.ExtendedBlob) > 0 {
		if h, err := decodeHeaderBlob(entry.ExtendedBlob); err == nil {
			trailer = h
		}
	}

	ctx.w.WriteHeader(http.StatusOK)
	_, _ = ctx.w.Write(entry.Data)

	for k, vv := range trailer {
		for _, v := range vv {
			ctx.w.Header().Add(http.TrailerPrefix+k, v)
		}
	}
}

// encodeHeaderBlob serializes h in MIME header wire form, reused as the
// cache entry's opaque metadata blobs.
func encodeHeaderBlob(h http.Header) []byte {
	var buf bytes.Buffer
	_ = h.Write(&buf)
	return buf.Bytes()
}

// decodeHeaderBlob parses the wire form produced by encodeHeaderBlob.
func decodeHeaderBlob(b []byte) (http.Header, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(b)))
	mh, err := tp.ReadMIMEHeader()
	if err != nil && len(mh) == 0 {
		return nil, err
	}
	return http.Header(mh), nil
}

// forward implements sections 4.5.4 and 4.5.5: pick an upstream, stream
// the request, classify the response by trailers, and store on a
// cacheable miss.
func (p *Pipeline) forward(ctx *requestCtx) {
	ctx.state = StateForwarding
	p.tracer.Phase(ctx.r.Context(), "forwarding")

	var rr backend.RoundRobin
	chosen, ok := rr.Next(ctx.data.Backends.Current())
	if !ok {
		p.fail(ctx, http.StatusBadGateway, "no upstream available")
		p.respondError(ctx)
		return
	}

	var body io.Reader
	if ctx.doCache {
		body = stringsReader(ctx.body)
	} else {
		body = ctx.r.Body
	}
	outReq := ctx.r.Clone(ctx.r.Context())
	outReq.Body = io.NopCloser(body)

	resp, err := p.upstream.Forward(ctx.r.Context(), chosen, outReq)
	if err != nil {
		p.fail(ctx, http.StatusBadGateway, "upstream request failed")
		p.respondError(ctx)
		return
	}
	defer resp.Body.Close()

	ctx.state = StateClassifying
	p.tracer.Phase(ctx.r.Context(), "classifying")

	var miss cachebackend.Miss
	if ctx.doCache {
		miss = p.cache.BeginMiss(ctx.key)
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			ctx.w.Header().Add(k, v)
		}
	}
	ctx.w.WriteHeader(resp.StatusCode)

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			_, _ = ctx.w.Write(buf[:n])
			if miss != nil {
				miss.WriteBody(buf[:n])
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			miss = nil // upstream error mid-stream: never store a partial entry
			break
		}
	}

	for k, vv := range resp.Trailer {
		for _, v := range vv {
			ctx.w.Header().Add(http.TrailerPrefix+k, v)
		}
	}

	cacheable, reason := classifyTrailers(resp.Trailer)
	if !cacheable {
		p.log.Debug("response not cacheable", "reason", reason, "service", ctx.service, "method", ctx.method)
		ctx.state = StateDone
		p.tracer.Phase(ctx.r.Context(), "done")
		return
	}

	if miss != nil {
		miss.SetMeta(encodeHeaderBlob(resp.Header), encodeHeaderBlob(resp.Trailer))
		ctx.state = StateStoring
		p.tracer.Phase(ctx.r.Context(), "storing")
		miss.Finish(ctx.r.Context())
	}
	ctx.state = StateDone
	p.tracer.Phase(ctx.r.Context(), "done")
}

func stringsReader(b []byte) io.Reader { return byteReader(b) }

type byteReader []byte

func (b byteReader) Read(p []byte) (int, error) {
	if len(b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b)
	return n, nil
}

// classifyTrailers implements section 4.5.5's gRPC-aware classification.
func classifyTrailers(trailer http.Header) (cacheable bool, reason string) {
	values := trailer.Values("grpc-status")
	if len(values) == 0 {
		return false, "no trailers"
	}
	status := values[0]
	if !utf8.ValidString(status) {
		return false, "invalid trailers"
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		return false, "invalid trailers"
	}
	if code != 0 {
		return false, "non-cachable trailers"
	}
	return true, ""
}

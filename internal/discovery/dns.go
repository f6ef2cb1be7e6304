// Package discovery resolves (host, port) targets into backend.Set values
// by periodically querying DNS A records and honoring their TTL, and hands
// callers a reference-counted handle onto the result.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miekg/dns"

	"grcache/internal/backend"
)

// Target identifies a discovery loop: a hostname/port pair. Two lookups of
// the same Target share a single resolution loop via the Registry.
type Target struct {
	Host string
	Port int
}

func (t Target) key() string { return fmt.Sprintf("%s:%d", t.Host, t.Port) }

// Config bounds how aggressively we re-resolve.
type Config struct {
	MinInterval time.Duration // floor under a tiny/zero TTL
	MaxInterval time.Duration // ceiling over a huge TTL
	ErrorBackoff time.Duration // retry delay after a failed lookup
	ResolvConf  string        // path to resolv.conf; empty uses the system default
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = 1 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Minute
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 2 * time.Second
	}
	if c.ResolvConf == "" {
		c.ResolvConf = "/etc/resolv.conf"
	}
	return c
}

// Registry owns one resolution loop per Target and reference-counts the
// handles it hands out, so N callers asking to discover the same target
// share a single set of DNS queries.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	handles  map[string]*backend.Handle
	cancels  map[string]context.CancelFunc
	log      *slog.Logger
}

// NewRegistry builds a Registry. log may be nil, in which case a discarding
// logger is used.
func NewRegistry(cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		cfg:     cfg.withDefaults(),
		handles: make(map[string]*backend.Handle),
		cancels: make(map[string]context.CancelFunc),
		log:     log,
	}
}

// Resolve returns a retained handle for target, starting its resolution
// loop if this is the first caller. Every returned handle must eventually
// be released with Handle.Release.
func (r *Registry) Resolve(target Target) *backend.Handle {
	k := target.key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[k]; ok {
		h.Retain()
		return h
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := backend.NewHandle(func() { r.drop(k) })
	h.Retain()
	r.handles[k] = h
	r.cancels[k] = cancel

	go r.loop(ctx, target, h)

	return h
}

func (r *Registry) drop(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[key]; ok {
		cancel()
	}
	delete(r.handles, key)
	delete(r.cancels, key)
}

func (r *Registry) loop(ctx context.Context, target Target, h *backend.Handle) {
	for {
		set, ttl, err := r.resolveOnce(ctx, target)
		wait := r.cfg.ErrorBackoff
		if err != nil {
			r.log.Warn("dns resolution failed", "host", target.Host, "port", target.Port, "error", err)
		} else {
			if !h.Current().Equal(set) {
				h.Publish(set)
			}
			wait = clamp(ttl, r.cfg.MinInterval, r.cfg.MaxInterval)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// resolveOnce queries the system resolver for A records and returns the
// resulting backend.Set plus the minimum TTL across answers.
func (r *Registry) resolveOnce(ctx context.Context, target Target) (backend.Set, time.Duration, error) {
	cfg, err := dns.ClientConfigFromFile(r.cfg.ResolvConf)
	if err != nil || len(cfg.Servers) == 0 {
		return backend.Set{}, 0, fmt.Errorf("load resolv.conf: %w", err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(target.Host), dns.TypeA)
	msg.RecursionDesired = true

	client := new(dns.Client)
	server := fmt.Sprintf("%s:%s", cfg.Servers[0], cfg.Port)

	reply, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return backend.Set{}, 0, fmt.Errorf("exchange: %w", err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return backend.Set{}, 0, fmt.Errorf("dns rcode %d", reply.Rcode)
	}

	var backends []backend.Backend
	minTTL := uint32(0)
	for _, rr := range reply.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		backends = append(backends, backend.Backend{
			Host: target.Host,
			Port: target.Port,
			IP:   a.A.String(),
		})
		if hdr := a.Header(); minTTL == 0 || hdr.Ttl < minTTL {
			minTTL = hdr.Ttl
		}
	}

	if len(backends) == 0 {
		return backend.Set{}, 0, fmt.Errorf("no A records for %s", target.Host)
	}

	return backend.NewSet(backends), time.Duration(minTTL) * time.Second, nil
}

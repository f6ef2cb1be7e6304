package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"grcache/internal/discovery"
)

// Services is the read-mostly map the proxy pipeline consults on every
// request. It is safe for concurrent reads from many goroutines and
// single-writer updates per key via UpdateIfNewer.
type Services struct {
	mu   sync.RWMutex
	data map[string]ServiceData
}

func newServices() *Services {
	return &Services{data: make(map[string]ServiceData)}
}

// Get returns the current ServiceData for a gRPC service name.
func (s *Services) Get(serviceName string) (ServiceData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[serviceName]
	return d, ok
}

// UpdateIfNewer is the compare-and-swap described in section 4.4: insert
// if absent, replace if the incoming generation is strictly greater,
// otherwise no-op (including on a tie).
func (s *Services) UpdateIfNewer(serviceName string, next ServiceData) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[serviceName]
	if ok && cur.Generation >= next.Generation {
		return false
	}
	s.data[serviceName] = next
	return true
}

// DescriptorFetcher resolves a declarative descriptor source into a parsed
// ServiceSpec. Separated from internal/descriptor.Load so the registry
// doesn't need to duplicate the field-extraction logic that turns a
// FileDescriptorSet plus method cache_ttl annotations into a ServiceSpec;
// cmd/grcache wires in internal/descriptorfetch, which reads the option
// from raw bytes without generated extension code.
type DescriptorFetcher interface {
	Fetch(res ServiceResource) (*ServiceSpec, error)
}

// Registry is the reflector described in section 4.4: it consumes derived
// resource events and projects them into a Services map, resolving
// upstream backends via discovery and (for non-passthrough resources)
// descriptor sets via a DescriptorFetcher.
type Registry struct {
	discovery  *discovery.Registry
	descriptor DescriptorFetcher
	log        *slog.Logger

	services *Services

	mu           sync.Mutex
	rawServices  map[ResourceRef]ServiceResource
	refByService map[string]map[ResourceRef]bool
	generation   uint64
}

// New builds a Registry. descriptorFetcher may be nil if no resource ever
// declares a descriptor source (passthrough-only deployments).
func New(disc *discovery.Registry, descriptorFetcher DescriptorFetcher, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		discovery:    disc,
		descriptor:   descriptorFetcher,
		log:          log,
		services:     newServices(),
		rawServices:  make(map[ResourceRef]ServiceResource),
		refByService: make(map[string]map[ResourceRef]bool),
	}
}

// Services returns the read-mostly map the pipeline consults.
func (r *Registry) Services() *Services { return r.services }

// Apply consumes one derived Apply/Delete/Ready event, as produced by a
// Reflector fed from the raw resource stream.
func (r *Registry) Apply(ev ResourceEvent) {
	switch ev.Kind {
	case Apply:
		r.applyResource(ev.Resource)
	case Delete:
		r.deleteResource(ev.Ref)
	case Ready:
		// nothing to do at the registry level; callers watching the
		// event stream use this to flip their own readiness blocker.
	}
}

func (r *Registry) applyResource(res ServiceResource) {
	r.mu.Lock()
	r.rawServices[res.Ref] = res
	if r.refByService[res.ServiceName] == nil {
		r.refByService[res.ServiceName] = make(map[ResourceRef]bool)
	}
	r.refByService[res.ServiceName][res.Ref] = true
	r.mu.Unlock()

	r.resolveServiceName(res.ServiceName)
}

func (r *Registry) deleteResource(ref ResourceRef) {
	r.mu.Lock()
	res, existed := r.rawServices[ref]
	delete(r.rawServices, ref)
	if existed {
		if set := r.refByService[res.ServiceName]; set != nil {
			delete(set, ref)
			if len(set) == 0 {
				delete(r.refByService, res.ServiceName)
			}
		}
	}
	r.mu.Unlock()

	if existed {
		r.resolveServiceName(res.ServiceName)
	}
}

// resolveServiceName runs the update protocol of section 4.4 step 1-6 for
// one gRPC service name.
func (r *Registry) resolveServiceName(serviceName string) {
	r.mu.Lock()
	refs := r.refByService[serviceName]
	var candidates []ResourceRef
	for ref := range refs {
		candidates = append(candidates, ref)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Less(candidates[j]) })
	r.mu.Unlock()

	if len(candidates) == 0 {
		r.services.UpdateIfNewer(serviceName, ServiceData{Generation: r.nextGeneration()})
		r.log.Info("service unloaded", "service", serviceName)
		return
	}

	if len(candidates) > 1 {
		r.log.Error("multiple resources claim the same gRPC service name", "service", serviceName, "resources", candidates)
	}
	chosen := candidates[0]

	r.mu.Lock()
	res := r.rawServices[chosen]
	r.mu.Unlock()

	gen := r.nextGeneration()
	handle := r.discovery.Resolve(discovery.Target{Host: res.UpstreamHost, Port: res.UpstreamPort})

	if res.DescriptorSource == nil {
		spec := passthroughSpec(res.ServiceName)
		r.services.UpdateIfNewer(serviceName, ServiceData{Generation: gen, Spec: spec, Backends: handle})
		return
	}

	if r.descriptor == nil {
		r.log.Error("resource declares a descriptor source but no fetcher is configured", "service", serviceName)
		return
	}

	go func() {
		spec, err := r.descriptor.Fetch(res)
		if err != nil {
			r.log.Warn("descriptor fetch failed, keeping prior service data", "service", serviceName, "error", err)
			return
		}
		r.services.UpdateIfNewer(serviceName, ServiceData{Generation: gen, Spec: spec, Backends: handle})
	}()
}

func passthroughSpec(fqName string) *ServiceSpec {
	pkg, name := splitFQName(fqName)
	return &ServiceSpec{Package: pkg, Name: name, Passthrough: true, Methods: map[string]MethodSpec{}}
}

func splitFQName(fq string) (pkg, name string) {
	idx := -1
	for i := len(fq) - 1; i >= 0; i-- {
		if fq[i] == '.' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fq
	}
	return fq[:idx], fq[idx+1:]
}

func (r *Registry) nextGeneration() uint64 {
	return atomic.AddUint64(&r.generation, 1)
}

// BuildSpecFromDescriptor extracts a ServiceSpec for serviceName out of a
// parsed FileDescriptorSet and a per-method TTL lookup, used by concrete
// DescriptorFetcher implementations. methodTTL returns the cache_ttl
// annotation value for a method (found == false means that method gets no
// CacheSpec); a negative value is a validation error and yields
// a MethodSpec with no CacheSpec, per section 4.4's failure semantics.
func BuildSpecFromDescriptor(serviceName string, methods []string, methodTTL func(fqMethod string) (int64, bool)) (*ServiceSpec, error) {
	pkg, name := splitFQName(serviceName)
	spec := &ServiceSpec{Package: pkg, Name: name, Methods: make(map[string]MethodSpec)}

	for _, fq := range methods {
		shortName, ok := methodShortName(fq, serviceName)
		if !ok {
			continue
		}
		m := MethodSpec{Name: shortName}
		if ttl, found := methodTTL(fq); found {
			if ttl < 0 {
				// validation error: yield a MethodSpec with no CacheSpec
			} else if ttl > 0 {
				m.Cache = &CacheSpec{TTLSeconds: ttl}
			}
		}
		spec.Methods[shortName] = m
	}

	if len(spec.Methods) == 0 {
		return nil, fmt.Errorf("descriptor set contains no methods for service %q", serviceName)
	}
	return spec, nil
}

func methodShortName(fqMethod, serviceName string) (string, bool) {
	prefix := "/" + serviceName + "/"
	if len(fqMethod) <= len(prefix) || fqMethod[:len(prefix)] != prefix {
		return "", false
	}
	return fqMethod[len(prefix):], true
}

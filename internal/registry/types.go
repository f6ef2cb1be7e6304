// Package registry reflects a stream of declarative ServiceResource events
// into the in-memory map the proxy pipeline consults on every request.
package registry

import (
	"google.golang.org/protobuf/types/descriptorpb"

	"grcache/internal/backend"
)

// ResourceRef identifies a ServiceResource by its namespace and name.
type ResourceRef struct {
	Namespace string
	Name      string
}

func (r ResourceRef) Less(other ResourceRef) bool {
	if r.Namespace != other.Namespace {
		return r.Namespace < other.Namespace
	}
	return r.Name < other.Name
}

// DescriptorSourceKind mirrors internal/descriptor.SourceKind without
// importing it, so ServiceResource stays a pure data type.
type DescriptorSourceKind string

const (
	DescriptorFile   DescriptorSourceKind = "file"
	DescriptorBucket DescriptorSourceKind = "bucket"
	DescriptorInline DescriptorSourceKind = "inline"
)

// DescriptorSourceSpec is the declarative form of internal/descriptor.Source.
type DescriptorSourceSpec struct {
	Kind             DescriptorSourceKind
	Path             string
	BucketKey        string
	ExpectedChecksum string
	InlineBase64     string
}

// ServiceResource is the declarative input to the registry: one
// `GrcacheService` custom resource.
type ServiceResource struct {
	Ref ResourceRef

	Cluster          string // defaults to "default"
	UpstreamName     string // optional discriminator
	UpstreamHost     string
	UpstreamPort     int
	ServiceName      string // fully qualified gRPC service name
	DescriptorSource *DescriptorSourceSpec // nil means passthrough

	// ResourceVersion changes whenever the underlying resource is edited;
	// used by the derived-stream algorithm to decide whether an Apply is
	// actually a change.
	ResourceVersion string
}

// CacheSpec is a TTL in seconds plus optional field references for future
// content-aware hashing. TTL <= 0 means no caching.
type CacheSpec struct {
	TTLSeconds int64
	HashOn     []string
}

// MethodSpec describes one RPC method of a service.
type MethodSpec struct {
	Name   string
	Input  *descriptorpb.DescriptorProto
	Output *descriptorpb.DescriptorProto
	Cache  *CacheSpec // nil means not cacheable
}

// ServiceSpec is the resolved, parsed configuration for a gRPC service.
type ServiceSpec struct {
	Package      string
	Name         string
	Passthrough  bool
	Methods      map[string]MethodSpec
}

// ServiceData is what the pipeline reads on every request: a generation
// for ordering concurrent updates, an optional spec, and an optional
// backends handle. A request is routable only when Backends is non-nil.
type ServiceData struct {
	Generation uint64
	Spec       *ServiceSpec
	Backends   *backend.Handle
}

// EventKind enumerates the five raw reflector event kinds plus the derived
// Ready signal.
type EventKind int

const (
	Init EventKind = iota
	InitApply
	InitDone
	Apply
	Delete
	Ready
)

// ResourceEvent is one item in the input event stream (Init/InitApply/
// InitDone/Apply/Delete) consumed by Reflector.Feed, or one item in the
// derived output stream (Apply/Delete/Ready) it produces.
type ResourceEvent struct {
	Kind     EventKind
	Resource ServiceResource // valid for InitApply, Apply
	Ref      ResourceRef     // valid for Delete
}

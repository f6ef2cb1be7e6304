// Package descriptorfetch is the concrete registry.DescriptorFetcher wired
// up by cmd/grcache: it loads a FileDescriptorSet via internal/descriptor
// and turns it into a registry.ServiceSpec, reading the grcache.cache_ttl
// method option straight off the wire rather than depending on generated
// extension code the proxy has no reason to vendor.
package descriptorfetch

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/descriptorpb"

	"grcache/internal/descriptor"
	"grcache/internal/registry"
)

// CacheTTLFieldNumber is the field number reserved for the grcache.cache_ttl
// extension on google.protobuf.MethodOptions (int64 seconds), per spec
// section 6's proto option block. It sits in the user-defined extension
// range so it never collides with a built-in MethodOptions field.
const CacheTTLFieldNumber = 50201

// Fetcher adapts internal/descriptor.Load to registry.DescriptorFetcher.
// blobFetcher may be nil if no resource ever uses a SourceBucket source.
type Fetcher struct {
	blobFetcher descriptor.BlobFetcher
}

// New builds a Fetcher. blobFetcher is only consulted for descriptor
// resources declaring a bucket source.
func New(blobFetcher descriptor.BlobFetcher) *Fetcher {
	return &Fetcher{blobFetcher: blobFetcher}
}

// Fetch implements registry.DescriptorFetcher.
func (f *Fetcher) Fetch(res registry.ServiceResource) (*registry.ServiceSpec, error) {
	if res.DescriptorSource == nil {
		return nil, fmt.Errorf("resource %s/%s has no descriptor source", res.Ref.Namespace, res.Ref.Name)
	}

	src := descriptor.Source{
		Path:             res.DescriptorSource.Path,
		BucketKey:        res.DescriptorSource.BucketKey,
		ExpectedChecksum: res.DescriptorSource.ExpectedChecksum,
		InlineBase64:     res.DescriptorSource.InlineBase64,
	}
	switch res.DescriptorSource.Kind {
	case registry.DescriptorFile:
		src.Kind = descriptor.SourceFile
	case registry.DescriptorBucket:
		src.Kind = descriptor.SourceBucket
	case registry.DescriptorInline:
		src.Kind = descriptor.SourceInline
	default:
		return nil, fmt.Errorf("unknown descriptor source kind %q", res.DescriptorSource.Kind)
	}

	fds, err := descriptor.Load(src, f.blobFetcher)
	if err != nil {
		return nil, fmt.Errorf("load descriptor set for %s: %w", res.ServiceName, err)
	}

	methods := descriptor.Methods(fds)
	return registry.BuildSpecFromDescriptor(res.ServiceName, methods, func(fqMethod string) (int64, bool) {
		return methodCacheTTL(fds, res.ServiceName, fqMethod)
	})
}

// methodCacheTTL walks fds looking for the method behind fqMethod
// ("/pkg.Service/Method") and decodes the cache_ttl extension, if present,
// out of its MethodOptions' unrecognized-field bytes.
func methodCacheTTL(fds *descriptorpb.FileDescriptorSet, serviceName, fqMethod string) (int64, bool) {
	prefix := "/" + serviceName + "/"
	if len(fqMethod) <= len(prefix) || fqMethod[:len(prefix)] != prefix {
		return 0, false
	}
	shortName := fqMethod[len(prefix):]

	for _, file := range fds.GetFile() {
		pkg := file.GetPackage()
		for _, svc := range file.GetService() {
			fqService := svc.GetName()
			if pkg != "" {
				fqService = pkg + "." + svc.GetName()
			}
			if fqService != serviceName {
				continue
			}
			for _, m := range svc.GetMethod() {
				if m.GetName() != shortName {
					continue
				}
				return extractCacheTTL(m.GetOptions())
			}
		}
	}
	return 0, false
}

// extractCacheTTL reads the cache_ttl varint extension out of opts' raw
// unrecognized bytes. It returns (0, false) when the option is absent,
// matching registry.BuildSpecFromDescriptor's "not found means passthrough
// for this method" contract.
func extractCacheTTL(opts *descriptorpb.MethodOptions) (int64, bool) {
	if opts == nil {
		return 0, false
	}
	b := opts.ProtoReflect().GetUnknown()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, false
		}
		b = b[n:]
		if num != CacheTTLFieldNumber || typ != protowire.VarintType {
			skip := protowire.ConsumeFieldValue(num, typ, b)
			if skip < 0 {
				return 0, false
			}
			b = b[skip:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, false
		}
		return int64(v), true
	}
	return 0, false
}

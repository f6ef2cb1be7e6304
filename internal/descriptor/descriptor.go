// Package descriptor loads protobuf FileDescriptorSets that describe the
// gRPC services and methods the proxy is willing to cache, from one of
// three sources: a local file, an inline base64 blob in the service
// resource, or an object fetched from a blob store by a caller-supplied
// fetcher.
package descriptor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

// SourceKind names the three ways a descriptor set can be supplied.
type SourceKind string

const (
	SourceFile   SourceKind = "file"
	SourceBucket SourceKind = "bucket"
	SourceInline SourceKind = "inline"
)

// Source describes where to load a FileDescriptorSet from.
type Source struct {
	Kind SourceKind

	// SourceFile
	Path string

	// SourceBucket
	BucketKey        string
	ExpectedChecksum string // hex-encoded sha256, empty skips verification

	// SourceInline
	InlineBase64 string
}

// BlobFetcher retrieves an object's bytes by key. It is injected so that
// this package never depends on a concrete blob-store client; callers wire
// in whatever object store they use.
type BlobFetcher interface {
	Fetch(key string) ([]byte, error)
}

// Error kinds identify why a Load failed, so callers can decide whether to
// retry, alert, or fall back to passthrough-only behavior.
type ErrorKind int

const (
	ErrIO ErrorKind = iota
	ErrBase64Decode
	ErrProtobufParse
	ErrBucketLoad
	ErrChecksumMismatch
)

// LoadError wraps the underlying cause with a stable kind for callers to
// switch on.
type LoadError struct {
	Kind ErrorKind
	Err  error
}

func (e *LoadError) Error() string { return e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

func wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &LoadError{Kind: kind, Err: err}
}

// Load resolves src into a parsed FileDescriptorSet. fetcher is only
// consulted for SourceBucket sources and may be nil otherwise.
func Load(src Source, fetcher BlobFetcher) (*descriptorpb.FileDescriptorSet, error) {
	var raw []byte
	var err error

	switch src.Kind {
	case SourceFile:
		raw, err = os.ReadFile(src.Path)
		if err != nil {
			return nil, wrap(ErrIO, fmt.Errorf("read descriptor file %q: %w", src.Path, err))
		}

	case SourceInline:
		raw, err = base64.StdEncoding.DecodeString(src.InlineBase64)
		if err != nil {
			return nil, wrap(ErrBase64Decode, fmt.Errorf("decode inline descriptor: %w", err))
		}

	case SourceBucket:
		if fetcher == nil {
			return nil, wrap(ErrBucketLoad, fmt.Errorf("bucket source %q requires a fetcher", src.BucketKey))
		}
		raw, err = fetcher.Fetch(src.BucketKey)
		if err != nil {
			return nil, wrap(ErrBucketLoad, fmt.Errorf("fetch %q: %w", src.BucketKey, err))
		}
		if src.ExpectedChecksum != "" {
			sum := sha256.Sum256(raw)
			got := hex.EncodeToString(sum[:])
			if got != src.ExpectedChecksum {
				return nil, wrap(ErrChecksumMismatch, fmt.Errorf("checksum mismatch for %q: want %s got %s", src.BucketKey, src.ExpectedChecksum, got))
			}
		}

	default:
		return nil, wrap(ErrIO, fmt.Errorf("unknown descriptor source kind %q", src.Kind))
	}

	fds := &descriptorpb.FileDescriptorSet{}
	if err := proto.Unmarshal(raw, fds); err != nil {
		return nil, wrap(ErrProtobufParse, fmt.Errorf("parse descriptor set: %w", err))
	}

	return fds, nil
}

// MethodTTL pairs a method, named by service and method, with its
// grcache.cache_ttl value in seconds. Nothing in this package fills it in.
type MethodTTL struct {
	Service string
	Method  string
	TTLSecs int64
}

// Methods walks every file, service, and method in fds and returns the
// fully-qualified method names it contains. It reads no method options;
// internal/descriptorfetch extracts each method's cache_ttl from the raw
// option bytes and passes this list to registry.BuildSpecFromDescriptor.
func Methods(fds *descriptorpb.FileDescriptorSet) []string {
	var out []string
	for _, f := range fds.GetFile() {
		pkg := f.GetPackage()
		for _, svc := range f.GetService() {
			svcName := svc.GetName()
			fq := svcName
			if pkg != "" {
				fq = pkg + "." + svcName
			}
			for _, m := range svc.GetMethod() {
				out = append(out, "/"+fq+"/"+m.GetName())
			}
		}
	}
	return out
}

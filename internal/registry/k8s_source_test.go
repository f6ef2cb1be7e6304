package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func unstructuredGrcacheService(namespace, name string, spec map[string]interface{}) interface{} {
	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"metadata": map[string]interface{}{
				"namespace":       namespace,
				"name":            name,
				"resourceVersion": "42",
			},
			"spec": spec,
		},
	}
}

func TestToServiceResource_DNSUpstreamAndFileDescriptor(t *testing.T) {
	obj := unstructuredGrcacheService("default", "greeter", map[string]interface{}{
		"serviceName": "demo.Greeter",
		"upstreamName": "greeter-primary",
		"upstream": map[string]interface{}{
			"dns": map[string]interface{}{
				"url":  "greeter.internal",
				"port": int64(50051),
			},
		},
		"descriptorSetSource": map[string]interface{}{
			"file": map[string]interface{}{
				"path": "/etc/grcache/greeter.fds",
			},
		},
	})

	res, err := toServiceResource(obj)
	require.NoError(t, err)

	assert.Equal(t, ResourceRef{Namespace: "default", Name: "greeter"}, res.Ref)
	assert.Equal(t, "default", res.Cluster)
	assert.Equal(t, "greeter-primary", res.UpstreamName)
	assert.Equal(t, "demo.Greeter", res.ServiceName)
	assert.Equal(t, "greeter.internal", res.UpstreamHost)
	assert.Equal(t, 50051, res.UpstreamPort)
	assert.Equal(t, "42", res.ResourceVersion)

	require.NotNil(t, res.DescriptorSource)
	assert.Equal(t, DescriptorFile, res.DescriptorSource.Kind)
	assert.Equal(t, "/etc/grcache/greeter.fds", res.DescriptorSource.Path)
}

func TestToServiceResource_DefaultPortAndCluster(t *testing.T) {
	obj := unstructuredGrcacheService("ns", "svc", map[string]interface{}{
		"serviceName": "demo.Greeter",
		"upstream": map[string]interface{}{
			"dns": map[string]interface{}{
				"url": "svc.internal",
			},
		},
	})

	res, err := toServiceResource(obj)
	require.NoError(t, err)

	assert.Equal(t, "default", res.Cluster)
	assert.Equal(t, 50051, res.UpstreamPort)
	assert.Nil(t, res.DescriptorSource)
}

func TestToServiceResource_InlineDescriptor(t *testing.T) {
	obj := unstructuredGrcacheService("ns", "svc", map[string]interface{}{
		"serviceName": "demo.Greeter",
		"descriptorSetSource": map[string]interface{}{
			"inline": map[string]interface{}{
				"base64": "aGVsbG8=",
			},
		},
	})

	res, err := toServiceResource(obj)
	require.NoError(t, err)

	require.NotNil(t, res.DescriptorSource)
	assert.Equal(t, DescriptorInline, res.DescriptorSource.Kind)
	assert.Equal(t, "aGVsbG8=", res.DescriptorSource.InlineBase64)
}

func TestToServiceResource_BucketDescriptor(t *testing.T) {
	obj := unstructuredGrcacheService("ns", "svc", map[string]interface{}{
		"serviceName": "demo.Greeter",
		"descriptorSetSource": map[string]interface{}{
			"bucket": map[string]interface{}{
				"key":      "descriptors/greeter.fds",
				"checksum": "deadbeef",
			},
		},
	})

	res, err := toServiceResource(obj)
	require.NoError(t, err)

	require.NotNil(t, res.DescriptorSource)
	assert.Equal(t, DescriptorBucket, res.DescriptorSource.Kind)
	assert.Equal(t, "descriptors/greeter.fds", res.DescriptorSource.BucketKey)
	assert.Equal(t, "deadbeef", res.DescriptorSource.ExpectedChecksum)
}

func TestToServiceResource_WrongType(t *testing.T) {
	_, err := toServiceResource("not an unstructured object")
	require.Error(t, err)
}

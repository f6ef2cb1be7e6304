package registry

import (
	"context"
	"fmt"
	"log/slog"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/tools/cache"
)

// GrcacheServiceGVR is the GroupVersionResource of the GrcacheService
// custom resource described in spec section 6.
var GrcacheServiceGVR = schema.GroupVersionResource{
	Group:    "grcache.io",
	Version:  "v1alpha1",
	Resource: "grcacheservices",
}

// K8sSource watches GrcacheService custom resources across all namespaces
// and emits the raw Init/InitApply/InitDone/Apply/Delete event stream a
// Reflector expects. It never needs typed CRD bindings: every field is
// read off the unstructured object directly.
type K8sSource struct {
	client  dynamic.Interface
	log     *slog.Logger
	events  chan ResourceEvent
}

// NewK8sSource builds a source over an already-configured dynamic client.
func NewK8sSource(client dynamic.Interface, log *slog.Logger) *K8sSource {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &K8sSource{
		client: client,
		log:    log,
		events: make(chan ResourceEvent, 64),
	}
}

// Events returns the channel InitApply/InitDone/Apply/Delete events are
// published on. Run must be started before any event is emitted.
func (s *K8sSource) Events() <-chan ResourceEvent { return s.events }

// Run starts the shared informer factory and blocks until ctx is
// cancelled, emitting Init once at startup (the informer's initial List
// is delivered as a burst of Add events, which we translate to
// InitApply, followed by InitDone once the cache has synced).
func (s *K8sSource) Run(ctx context.Context) error {
	factory := dynamicinformer.NewFilteredDynamicSharedInformerFactory(s.client, 0, metav1.NamespaceAll, nil)
	informer := factory.ForResource(GrcacheServiceGVR).Informer()

	s.events <- ResourceEvent{Kind: Init}

	synced := false
	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			res, err := toServiceResource(obj)
			if err != nil {
				s.log.Warn("failed to decode GrcacheService", "error", err)
				return
			}
			if synced {
				s.events <- ResourceEvent{Kind: Apply, Resource: res}
			} else {
				s.events <- ResourceEvent{Kind: InitApply, Resource: res}
			}
		},
		UpdateFunc: func(_, newObj interface{}) {
			res, err := toServiceResource(newObj)
			if err != nil {
				s.log.Warn("failed to decode GrcacheService", "error", err)
				return
			}
			s.events <- ResourceEvent{Kind: Apply, Resource: res}
		},
		DeleteFunc: func(obj interface{}) {
			u, ok := obj.(*unstructured.Unstructured)
			if !ok {
				if d, ok := obj.(cache.DeletedFinalStateUnknown); ok {
					u, _ = d.Obj.(*unstructured.Unstructured)
				}
			}
			if u == nil {
				return
			}
			s.events <- ResourceEvent{Kind: Delete, Ref: ResourceRef{Namespace: u.GetNamespace(), Name: u.GetName()}}
		},
	})
	if err != nil {
		return fmt.Errorf("register event handler: %w", err)
	}

	factory.Start(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), informer.HasSynced) {
		return fmt.Errorf("failed to sync GrcacheService informer")
	}
	synced = true
	s.events <- ResourceEvent{Kind: InitDone}

	<-ctx.Done()
	return nil
}

func toServiceResource(obj interface{}) (ServiceResource, error) {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return ServiceResource{}, fmt.Errorf("unexpected object type %T", obj)
	}

	cluster, _, _ := unstructured.NestedString(u.Object, "spec", "cluster")
	if cluster == "" {
		cluster = "default"
	}
	upstreamName, _, _ := unstructured.NestedString(u.Object, "spec", "upstreamName")
	serviceName, _, _ := unstructured.NestedString(u.Object, "spec", "serviceName")
	host, _, _ := unstructured.NestedString(u.Object, "spec", "upstream", "dns", "url")
	port, foundPort, _ := unstructured.NestedInt64(u.Object, "spec", "upstream", "dns", "port")
	if !foundPort {
		port = 50051
	}

	res := ServiceResource{
		Ref:             ResourceRef{Namespace: u.GetNamespace(), Name: u.GetName()},
		Cluster:         cluster,
		UpstreamName:    upstreamName,
		UpstreamHost:    host,
		UpstreamPort:    int(port),
		ServiceName:     serviceName,
		ResourceVersion: u.GetResourceVersion(),
	}

	if path, found, _ := unstructured.NestedString(u.Object, "spec", "descriptorSetSource", "file", "path"); found {
		res.DescriptorSource = &DescriptorSourceSpec{Kind: DescriptorFile, Path: path}
	} else if inline, found, _ := unstructured.NestedString(u.Object, "spec", "descriptorSetSource", "inline", "base64"); found {
		res.DescriptorSource = &DescriptorSourceSpec{Kind: DescriptorInline, InlineBase64: inline}
	} else if key, found, _ := unstructured.NestedString(u.Object, "spec", "descriptorSetSource", "bucket", "key"); found {
		checksum, _, _ := unstructured.NestedString(u.Object, "spec", "descriptorSetSource", "bucket", "checksum")
		res.DescriptorSource = &DescriptorSourceSpec{Kind: DescriptorBucket, BucketKey: key, ExpectedChecksum: checksum}
	}

	return res, nil
}

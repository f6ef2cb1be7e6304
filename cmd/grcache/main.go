package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"grcache/internal/backend"
	"grcache/internal/cachebackend"
	"grcache/internal/descriptorfetch"
	"grcache/internal/discovery"
	"grcache/internal/health"
	"grcache/internal/proxy"
	"grcache/internal/registry"
	"grcache/internal/tracing"
	"grcache/pkg/config"
	"grcache/pkg/logger"
	"grcache/pkg/metrics"
	"grcache/pkg/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "proxy":
		runProxy(os.Args[2:])
	case "generate-schemas":
		runGenerateSchemas(os.Args[2:])
	case "upload-descriptors":
		runUploadDescriptors(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "grcache: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `grcache is a caching reverse proxy for unary gRPC-over-HTTP/2.

Usage:
  grcache proxy [--config path]
  grcache generate-schemas <out-dir>
  grcache upload-descriptors`)
}

// runProxy wires together config, logging, tracing, discovery, the service
// registry, the cache backend, and the pipeline, then serves until a
// shutdown signal arrives. It is the only subcommand with a runtime
// lifecycle; the others are one-shot collaborator stubs (spec.md §1 scopes
// descriptor generation/upload out of the proxy itself).
func runProxy(args []string) {
	fs := flag.NewFlagSet("proxy", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml (overrides the default search paths)")
	_ = fs.Parse(args)

	var opts []config.LoaderOption
	if *configPath != "" {
		opts = append(opts, config.WithConfigPaths(*configPath))
	}
	cfg, err := config.NewLoader(opts...).Load()
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cfg.Log.Output,
		FilePath:    cfg.Log.FilePath,
		MaxSize:     cfg.Log.MaxSize,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAge:      cfg.Log.MaxAge,
		Compress:    cfg.Log.Compress,
		Service:     cfg.App.Name,
		Environment: cfg.App.Environment,
	})

	logger.Log.Info("starting grcache", "version", cfg.App.Version, "listenAddr", cfg.Proxy.ListenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tp *telemetry.Provider
	if cfg.Tracing.Enabled {
		tp, err = telemetry.Init(ctx, telemetry.Config{
			Enabled:     cfg.Tracing.Enabled,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			Version:     cfg.App.Version,
			Environment: cfg.App.Environment,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			logger.Fatal("failed to initialize tracing", "error", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	ready, releaseStartup := health.New()

	discCfg := discovery.Config{
		MinInterval:  cfg.Discovery.MinInterval,
		MaxInterval:  cfg.Discovery.MaxInterval,
		ErrorBackoff: cfg.Discovery.ErrorBackoff,
		ResolvConf:   cfg.Discovery.ResolvConf,
	}
	discReg := discovery.NewRegistry(discCfg, logger.Log)

	cacheHandle := cacheBackendHandle(cfg.CacheBackend)
	cacheBackend := cachebackend.New(cacheHandle, logger.Log)
	defer cacheBackend.Close()

	var fetcher registry.DescriptorFetcher = descriptorfetch.New(nil)
	reg := registry.New(discReg, fetcher, logger.Log)

	// config.Validate rejects kubernetes.enable=false at load time, so this
	// source is unconditional: it is currently the only registry feed.
	releaseK8sBlocker := ready.Add(true)
	dynClient, err := newDynamicClient(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		logger.Fatal("failed to build kubernetes client", "error", err)
	}
	source := registry.NewK8sSource(dynClient, logger.Log)
	reflector := registry.NewReflector()

	go func() {
		if err := source.Run(ctx); err != nil {
			logger.Log.Error("kubernetes source stopped", "error", err)
		}
	}()
	go func() {
		for ev := range source.Events() {
			for _, derived := range reflector.Feed(ev) {
				if derived.Kind == registry.Ready {
					releaseK8sBlocker()
					continue
				}
				reg.Apply(derived)
			}
		}
	}()

	releaseStartup()

	var m *metrics.Metrics
	var mux *http.ServeMux
	if cfg.Metrics.Enabled {
		m = metrics.InitMetrics(cfg.Metrics.Namespace, "")
		m.SetServiceInfo(cfg.App.Version, cfg.App.Environment)
		mux = http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		mux.Handle(cfg.Metrics.ReadinessPath, ready.Endpoint())
	}

	pipelineCfg := proxy.Config{
		MaxBufferedBody:    cfg.Proxy.MaxBufferedBody,
		PropagationHeaders: cfg.Proxy.PropagationHeaders,
	}
	pipeline := proxy.New(reg.Services(), cacheBackend, proxy.NewHTTP2Forwarder(), pipelineCfg, logger.Log)
	if cfg.Tracing.Enabled {
		pipeline.SetTracer(tracing.NewPipelineTracer())
	}
	if m != nil {
		pipeline.SetMetrics(metrics.NewPipelineRecorder(m))
	}

	listener := proxy.NewListener(pipeline, proxy.ListenerConfig{
		Addr:            cfg.Proxy.ListenAddr,
		ShutdownTimeout: cfg.Proxy.ShutdownTimeout,
	})

	var metricsServer *http.Server
	if mux != nil {
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Log.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Log.Error("metrics server failed", "error", err)
			}
		}()
	}

	go func() {
		logger.Log.Info("proxy listening", "addr", cfg.Proxy.ListenAddr)
		if err := listener.ListenAndServe(); err != nil {
			logger.Fatal("proxy listener failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownTimeout)
	defer shutdownCancel()

	if err := listener.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("proxy shutdown error", "error", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Log.Info("stopped")
}

// cacheBackendHandle builds a static backend.Handle from the configured
// Redis replicas. Unlike service upstreams, cache shards are not
// DNS-discovered: the operator lists them explicitly in
// config.toml, matching spec.md §6's `cacheBackend.redisReplicas` schema.
func cacheBackendHandle(cfg config.CacheBackendConfig) *backend.Handle {
	backends := make([]backend.Backend, 0, len(cfg.RedisReplicas))
	for _, r := range cfg.RedisReplicas {
		backends = append(backends, backend.Backend{Host: r.Hostname, IP: r.Hostname, Port: r.Port})
	}
	handle := backend.NewHandle(nil)
	handle.Publish(backend.NewSet(backends))
	return handle
}

func newDynamicClient(kubeconfig string) (dynamic.Interface, error) {
	var restCfg *rest.Config
	var err error
	if kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("build kubernetes rest config: %w", err)
	}
	return dynamic.NewForConfig(restCfg)
}

// runGenerateSchemas prints to stderr the protoc invocation that would
// write a FileDescriptorSet under out-dir; it writes no file itself.
// grcache only ever consumes the resulting descriptor blobs
// (internal/descriptor.Load) and never parses .proto source, so this
// subcommand is a thin collaborator stub rather than a bundled compiler.
func runGenerateSchemas(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: grcache generate-schemas <out-dir>")
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "generate-schemas: run protoc --descriptor_set_out=%s/services.fds --include_imports <your .proto files>\n", args[0])
}

// runUploadDescriptors is a stub documenting the bucket layout
// internal/descriptor.Source{Kind: SourceBucket} expects; grcache has no
// opinion on which object store a deployment uses (spec.md §1 Non-goals),
// so this subcommand does not ship a concrete uploader.
func runUploadDescriptors(_ []string) {
	fmt.Fprintln(os.Stderr, "upload-descriptors: upload your FileDescriptorSet to the object store your GrcacheService.spec.descriptorSetSource.bucket.key references")
}

// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure for grcache.
type Config struct {
	App          AppConfig          `koanf:"app"`
	Proxy        ProxyConfig        `koanf:"proxy"`
	Discovery    DiscoveryConfig    `koanf:"discovery"`
	CacheBackend CacheBackendConfig `koanf:"cacheBackend"`
	Kubernetes   KubernetesConfig   `koanf:"kubernetes"`
	Log          LogConfig          `koanf:"log"`
	Metrics      MetricsConfig      `koanf:"metrics"`
	Tracing      TracingConfig      `koanf:"tracing"`
}

// AppConfig holds process-wide identity fields.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
}

// ProxyConfig controls the h2c listener and per-request pipeline limits.
type ProxyConfig struct {
	ListenAddr         string        `koanf:"listenAddr"`
	ShutdownTimeout    time.Duration `koanf:"shutdownTimeout"`
	MaxBufferedBody    int64         `koanf:"maxBufferedBody"` // bytes, request body cap for caching
	PropagationHeaders []string      `koanf:"propagationHeaders"`
}

// DiscoveryConfig bounds the DNS re-resolution loop of section 4.1.
type DiscoveryConfig struct {
	MinInterval  time.Duration `koanf:"minInterval"`
	MaxInterval  time.Duration `koanf:"maxInterval"`
	ErrorBackoff time.Duration `koanf:"errorBackoff"`
	ResolvConf   string        `koanf:"resolvConf"`
}

// CacheBackendConfig lists the fixed set of Redis shards the sharded cache
// backend routes keys across, per section 4.3.
type CacheBackendConfig struct {
	RedisReplicas []RedisReplicaConfig `koanf:"redisReplicas"`
}

// RedisReplicaConfig names one Redis shard.
type RedisReplicaConfig struct {
	Hostname string `koanf:"hostname"`
	Port     int    `koanf:"port"`
}

// Address returns the host:port this shard listens on.
func (r RedisReplicaConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Hostname, r.Port)
}

// KubernetesConfig toggles the GrcacheService CRD source of section 4.4.
type KubernetesConfig struct {
	Enable     bool   `koanf:"enable"`
	Kubeconfig string `koanf:"kubeconfig"` // empty uses in-cluster config
	Namespace  string `koanf:"namespace"`  // not read: the source watches all namespaces
}

// LogConfig controls slog output and lumberjack rotation.
type LogConfig struct {
	Level      string `koanf:"level"`  // debug, info, warn, error
	Format     string `koanf:"format"` // json, text
	Output     string `koanf:"output"` // stdout, stderr, file
	FilePath   string `koanf:"filePath"`
	MaxSize    int    `koanf:"maxSize"` // MB
	MaxBackups int    `koanf:"maxBackups"`
	MaxAge     int    `koanf:"maxAge"` // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig controls the Prometheus + readiness listener.
type MetricsConfig struct {
	Enabled        bool   `koanf:"enabled"`
	Addr           string `koanf:"addr"`
	Path           string `koanf:"path"`
	ReadinessPath  string `koanf:"readinessPath"`
	Namespace      string `koanf:"namespace"`
}

// TracingConfig controls the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"serviceName"`
	SampleRate  float64 `koanf:"sampleRate"`
}

// Validate checks the values a misconfigured deployment would otherwise
// discover only at runtime.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.Proxy.ListenAddr == "" {
		errs = append(errs, "proxy.listenAddr is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if !c.Kubernetes.Enable {
		errs = append(errs, "kubernetes.enable must be true: no other service resource source is implemented")
	}

	if len(c.CacheBackend.RedisReplicas) == 0 {
		errs = append(errs, "cacheBackend.redisReplicas must list at least one shard")
	}

	for i, r := range c.CacheBackend.RedisReplicas {
		if r.Hostname == "" {
			errs = append(errs, fmt.Sprintf("cacheBackend.redisReplicas[%d].hostname is required", i))
		}
		if r.Port <= 0 || r.Port > 65535 {
			errs = append(errs, fmt.Sprintf("cacheBackend.redisReplicas[%d].port must be between 1 and 65535, got %d", i, r.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether the environment field names a dev deployment.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}
